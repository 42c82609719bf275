// Package maker creates and signs orders on behalf of a maker, and decides when the secrets of an order can be
// disclosed to the resolvers.
package maker

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/chain/suikey"
	"github.com/catalogfi/resolver/pkg/resolver/orchestrator"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SecretSize is the size of a generated secret in bytes.
const SecretSize = 32

// Signer signs orders with the maker's key of one address family.
type Signer interface {
	Address() chain.Address
	Sign(o order.Order) (string, error)
}

type evmSigner struct {
	key *ecdsa.PrivateKey
}

func NewEVMSigner(key *ecdsa.PrivateKey) Signer {
	return evmSigner{key: key}
}

func (signer evmSigner) Address() chain.Address {
	return chain.EVMAddress(crypto.PubkeyToAddress(signer.key.PublicKey))
}

func (signer evmSigner) Sign(o order.Order) (string, error) {
	return o.SignEVM(signer.key)
}

type suiSigner struct {
	key *suikey.Key
}

func NewSuiSigner(key *suikey.Key) Signer {
	return suiSigner{key: key}
}

func (signer suiSigner) Address() chain.Address {
	return signer.key.Address()
}

func (signer suiSigner) Sign(o order.Order) (string, error) {
	return o.SignSui(signer.key)
}

// GenerateSecrets returns n random secrets.
func GenerateSecrets(n int) ([][]byte, error) {
	secrets := make([][]byte, n)
	for i := range secrets {
		secrets[i] = make([]byte, SecretSize)
		if _, err := rand.Read(secrets[i]); err != nil {
			return nil, err
		}
	}
	return secrets, nil
}

// Request describes the order a maker wants to create.
type Request struct {
	SrcChain     chain.Chain
	DstChain     chain.Chain
	MakerAsset   chain.Address
	TakerAsset   chain.Address
	MakingAmount *big.Int
	TakingAmount *big.Int

	// Receiver defaults to the maker's address on the destination chain.
	Receiver chain.Address

	// Parts splits the order into fills of making amount / parts. It takes one more secret than the number of parts,
	// the last one is used by the fill completing the order. Zero or one make a single fill order.
	Parts int

	// AllowPartialFills lets a single fill order be filled with less than the making amount.
	AllowPartialFills bool

	TimeLocks         *timelock.TimeLocks
	SrcSafetyDeposit  *big.Int
	DstSafetyDeposit  *big.Int
	ResolverWhitelist []chain.Address
}

// Created is a signed order together with its secrets, the secrets stay with the maker until disclosed.
type Created struct {
	Order        order.Order
	Signature    string
	Secrets      [][]byte
	SecretHashes []common.Hash
}

type Maker struct {
	signers map[chain.Family]Signer
}

// New returns a maker signing with the given signers, at most one per address family.
func New(signers ...Signer) (*Maker, error) {
	m := &Maker{signers: map[chain.Family]Signer{}}
	for _, signer := range signers {
		family := signer.Address().Family()
		if _, ok := m.signers[family]; ok {
			return nil, fmt.Errorf("duplicate %v signer", family)
		}
		m.signers[family] = signer
	}
	return m, nil
}

// Address returns the maker's address on the chain.
func (m *Maker) Address(c chain.Chain) (chain.Address, bool) {
	signer, ok := m.signers[c.Family()]
	if !ok {
		return chain.Address{}, false
	}
	return signer.Address(), true
}

// Create generates the secrets of a new order, builds it and signs it.
func (m *Maker) Create(req Request) (Created, error) {
	signer, ok := m.signers[req.SrcChain.Family()]
	if !ok {
		return Created{}, swap.Validationf("no signer for %v", req.SrcChain)
	}
	receiver := req.Receiver
	if receiver == (chain.Address{}) {
		if addr, ok := m.Address(req.DstChain); ok {
			receiver = addr
		}
	}

	multiple := req.Parts > 1
	secrets, err := GenerateSecrets(1)
	if multiple {
		secrets, err = GenerateSecrets(req.Parts + 1)
	}
	if err != nil {
		return Created{}, err
	}
	hashes := make([]common.Hash, len(secrets))
	for i := range secrets {
		hashes[i] = hashlock.HashSecret(secrets[i])
	}
	hl := hashlock.Single(hashes[0])
	if multiple {
		if hl, err = hashlock.MultipleFromHashes(hashes); err != nil {
			return Created{}, err
		}
	}

	timeLocks := timelock.Default()
	if req.TimeLocks != nil {
		timeLocks = *req.TimeLocks
	}
	o, err := order.Build(order.Params{
		Maker:              signer.Address(),
		Receiver:           receiver,
		MakerAsset:         req.MakerAsset,
		TakerAsset:         req.TakerAsset,
		MakingAmount:       req.MakingAmount,
		TakingAmount:       req.TakingAmount,
		SrcChain:           req.SrcChain,
		DstChain:           req.DstChain,
		AllowPartialFills:  multiple || req.AllowPartialFills,
		AllowMultipleFills: multiple,
		HashLock:           hl,
		TimeLocks:          timeLocks,
		SrcSafetyDeposit:   req.SrcSafetyDeposit,
		DstSafetyDeposit:   req.DstSafetyDeposit,
		ResolverWhitelist:  req.ResolverWhitelist,
	})
	if err != nil {
		return Created{}, err
	}
	signature, err := signer.Sign(o)
	if err != nil {
		return Created{}, err
	}
	return Created{
		Order:        o,
		Signature:    signature,
		Secrets:      secrets,
		SecretHashes: hashes,
	}, nil
}

// CheckDst verifies the destination escrow of a fill pays the maker what the order promises.
func CheckDst(o order.Order, fillAmount *big.Int, secretHash common.Hash, dst escrow.Escrow) error {
	orderHash, err := o.Hash()
	if err != nil {
		return err
	}
	switch {
	case dst.Side != timelock.Dst:
		return swap.Validationf("escrow %v is not a destination escrow", dst.Ref)
	case dst.Status != escrow.StatusActive:
		return fmt.Errorf("%w: escrow %v is %v", swap.ErrDesync, dst.Ref, dst.Status)
	case dst.OrderHash != orderHash:
		return swap.Validationf("escrow %v is for order %v", dst.Ref, dst.OrderHash.Hex())
	case dst.HashLock != secretHash:
		return swap.Validationf("escrow %v is locked with %v", dst.Ref, dst.HashLock.Hex())
	case !dst.Maker.Equal(o.Receiver):
		return swap.Validationf("escrow %v pays %v instead of %v", dst.Ref, dst.Maker, o.Receiver)
	case !dst.Token.Equal(o.TakerAsset):
		return swap.Validationf("escrow %v holds %v instead of %v", dst.Ref, dst.Token, o.TakerAsset)
	case dst.Amount.Cmp(o.TakingAmountFor(fillAmount)) < 0:
		return swap.Validationf("escrow %v holds %v, expected %v", dst.Ref, dst.Amount, o.TakingAmountFor(fillAmount))
	case dst.TimeLocks != o.TimeLocks:
		return swap.Validationf("escrow %v has different time-locks", dst.Ref)
	}
	return nil
}

// Disclose returns the secret of the swap once its destination escrow is funded as expected and open for
// withdrawal. It returns nil when it is too early to disclose.
func Disclose(ctx context.Context, dst escrow.Ledger, created Created, s orchestrator.Swap) ([]byte, error) {
	if !s.Dst.Deployed() {
		return nil, nil
	}
	if s.LeafIndex < 0 || s.LeafIndex >= len(created.Secrets) {
		return nil, swap.Validationf("leaf index %v out of range [0, %v)", s.LeafIndex, len(created.Secrets))
	}
	if created.SecretHashes[s.LeafIndex] != s.SecretHash {
		return nil, swap.Validationf("swap %v claims secret hash %v", s.ID, s.SecretHash.Hex())
	}

	esc, err := dst.Immutables(ctx, s.Dst.Ref)
	if err != nil {
		return nil, err
	}
	if err := CheckDst(created.Order, s.Amount, s.SecretHash, esc); err != nil {
		return nil, err
	}
	now, err := dst.Now(ctx)
	if err != nil {
		return nil, err
	}
	if window := esc.Window(now); window != timelock.PrivateWithdrawal && window != timelock.PublicWithdrawal {
		return nil, nil
	}
	return created.Secrets[s.LeafIndex], nil
}
