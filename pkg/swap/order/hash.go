package order

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/catalogfi/resolver/pkg/chain/suikey"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

const (
	DomainName    = "1inch Aggregation Router"
	DomainVersion = "6"
)

// LimitOrderProtocol is the verifying contract of the order typed data.
var LimitOrderProtocol = common.HexToAddress("0x111111125421ca6dc452d289314280a0f8842a65")

// Maker traits flags
const (
	flagNoPartialFills     = 255
	flagAllowMultipleFills = 254
	flagPostInteraction    = 251
	flagHasExtension       = 249
	nonceOffset            = 120
)

var EIP712Domain = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var OrderType = []apitypes.Type{
	{Name: "salt", Type: "uint256"},
	{Name: "maker", Type: "address"},
	{Name: "receiver", Type: "address"},
	{Name: "makerAsset", Type: "address"},
	{Name: "takerAsset", Type: "address"},
	{Name: "makingAmount", Type: "uint256"},
	{Name: "takingAmount", Type: "uint256"},
	{Name: "makerTraits", Type: "uint256"},
}

var (
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)

	extensionArgs = abi.Arguments{
		{Name: "hashLock", Type: bytes32Ty},
		{Name: "dstChainId", Type: uint256Ty},
		{Name: "dstToken", Type: bytes32Ty},
		{Name: "receiver", Type: bytes32Ty},
		{Name: "deposits", Type: uint256Ty},
		{Name: "timeLocks", Type: uint256Ty},
		{Name: "whitelist", Type: bytes32Ty},
	}

	plainOrderArgs = abi.Arguments{
		{Name: "chainId", Type: uint256Ty},
		{Name: "salt", Type: uint256Ty},
		{Name: "maker", Type: bytes32Ty},
		{Name: "makerAsset", Type: bytes32Ty},
		{Name: "takerAsset", Type: bytes32Ty},
		{Name: "makingAmount", Type: uint256Ty},
		{Name: "takingAmount", Type: uint256Ty},
		{Name: "makerTraits", Type: uint256Ty},
	}
)

// ExtensionHash commits to the cross-chain part of the order: hash-lock, destination, deposits, time-locks and the
// resolver whitelist. The low 160 bits of the salt carry it, so the order hash covers every field.
func (order Order) ExtensionHash() (common.Hash, error) {
	data, err := order.Extension()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(data), nil
}

// Extension is the ABI encoded preimage of the extension hash, passed along with the order when filling it.
func (order Order) Extension() ([]byte, error) {
	if order.SrcSafetyDeposit == nil || order.DstSafetyDeposit == nil {
		return nil, swap.Validationf("missing safety deposit")
	}
	if order.SrcSafetyDeposit.Sign() < 0 || order.SrcSafetyDeposit.BitLen() > 128 ||
		order.DstSafetyDeposit.Sign() < 0 || order.DstSafetyDeposit.BitLen() > 128 {
		return nil, swap.Validationf("safety deposits do not fit in 128 bits")
	}
	deposits := new(big.Int).Lsh(order.SrcSafetyDeposit, 128)
	deposits.Or(deposits, order.DstSafetyDeposit)

	whitelist := make([]byte, 0, 32*len(order.ResolverWhitelist))
	for _, resolver := range order.ResolverWhitelist {
		word := resolver.Word()
		whitelist = append(whitelist, word[:]...)
	}

	data, err := extensionArgs.Pack(
		[32]byte(order.HashLock.Packed()),
		order.DstChain.ID(),
		order.TakerAsset.Word(),
		order.Receiver.Word(),
		deposits,
		order.TimeLocks.PackBig(time.Time{}),
		[32]byte(crypto.Keccak256Hash(whitelist)),
	)
	if err != nil {
		return nil, fmt.Errorf("pack extension: %w", err)
	}
	return data, nil
}

// FullSalt is the salt as signed: the random salt in the upper bits, the extension hash in the lower 160 bits.
func (order Order) FullSalt() (*big.Int, error) {
	if order.Salt == nil || order.Salt.Sign() < 0 || order.Salt.BitLen() > 96 {
		return nil, swap.Validationf("salt does not fit in 96 bits")
	}
	salt, _ := uint256.FromBig(order.Salt)
	salt.Lsh(salt, 160)
	ext, err := order.ExtensionHash()
	if err != nil {
		return nil, err
	}
	low := new(uint256.Int).SetBytes(ext[12:])
	return salt.Or(salt, low).ToBig(), nil
}

func (order Order) MakerTraits() *big.Int {
	traits := new(uint256.Int)
	setFlag := func(bit uint) {
		traits.Or(traits, new(uint256.Int).Lsh(uint256.NewInt(1), bit))
	}
	if !order.AllowPartialFills {
		setFlag(flagNoPartialFills)
	}
	if order.AllowMultipleFills {
		setFlag(flagAllowMultipleFills)
	}
	setFlag(flagPostInteraction)
	setFlag(flagHasExtension)
	nonce := uint256.NewInt(order.Nonce)
	traits.Or(traits, nonce.Lsh(nonce, nonceOffset))
	return traits.ToBig()
}

// TypedData is the EIP-712 message of an order whose source chain is an EVM chain.
func (order Order) TypedData(chainID *big.Int) (apitypes.TypedData, error) {
	salt, err := order.FullSalt()
	if err != nil {
		return apitypes.TypedData{}, err
	}
	takerAsset := order.TakerAsset.Word()
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": EIP712Domain,
			"Order":        OrderType,
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: LimitOrderProtocol.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":         salt.String(),
			"maker":        order.Maker.EVM().Hex(),
			"receiver":     common.Address{}.Hex(),
			"makerAsset":   order.MakerAsset.EVM().Hex(),
			"takerAsset":   common.BytesToAddress(takerAsset[12:]).Hex(),
			"makingAmount": order.MakingAmount.String(),
			"takingAmount": order.TakingAmount.String(),
			"makerTraits":  order.MakerTraits().String(),
		},
	}, nil
}

// Hash is the order identifier, scoped to the source chain.
func (order Order) Hash() (common.Hash, error) {
	return order.HashFor(order.SrcChain.ID())
}

// HashFor returns the order digest scoped to chainID. EVM source orders use the EIP-712 digest, others a keccak256 of
// the ABI encoded fields.
func (order Order) HashFor(chainID *big.Int) (common.Hash, error) {
	if order.SrcChain.IsEVM() {
		typedData, err := order.TypedData(chainID)
		if err != nil {
			return common.Hash{}, err
		}
		digest, _, err := apitypes.TypedDataAndHash(typedData)
		if err != nil {
			return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
		}
		return common.BytesToHash(digest), nil
	}
	salt, err := order.FullSalt()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := plainOrderArgs.Pack(
		chainID,
		salt,
		order.Maker.Word(),
		order.MakerAsset.Word(),
		order.TakerAsset.Word(),
		order.MakingAmount,
		order.TakingAmount,
		order.MakerTraits(),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack order: %w", err)
	}
	return crypto.Keccak256Hash(data), nil
}

// MustHash panics when the order cannot be hashed, it is meant for validated orders.
func (order Order) MustHash() common.Hash {
	hash, err := order.Hash()
	if err != nil {
		panic(err)
	}
	return hash
}

type PayloadKind string

const (
	PayloadTypedData       PayloadKind = "typedData"
	PayloadPersonalMessage PayloadKind = "personalMessage"
)

// Payload is what the maker wallet signs.
type Payload struct {
	Kind      PayloadKind         `json:"kind"`
	TypedData *apitypes.TypedData `json:"typedData,omitempty"`
	Message   hexutil.Bytes       `json:"message,omitempty"`
}

func (order Order) SigningPayload(chainID *big.Int) (Payload, error) {
	if order.SrcChain.IsEVM() {
		typedData, err := order.TypedData(chainID)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: PayloadTypedData, TypedData: &typedData}, nil
	}
	hash, err := order.HashFor(chainID)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: PayloadPersonalMessage, Message: hash.Bytes()}, nil
}

// SignEVM signs the order hash with the maker's EVM key, the signature is hex encoded with v in {27, 28}.
func (order Order) SignEVM(key *ecdsa.PrivateKey) (string, error) {
	hash, err := order.Hash()
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// SignSui signs the order hash as a Sui personal message.
func (order Order) SignSui(key *suikey.Key) (string, error) {
	hash, err := order.Hash()
	if err != nil {
		return "", err
	}
	return key.SignPersonalMessage(hash[:])
}

// VerifySignature checks the maker signed the order.
func (order Order) VerifySignature(signature string) error {
	hash, err := order.Hash()
	if err != nil {
		return err
	}
	if order.SrcChain.IsSui() {
		if err := suikey.VerifyPersonalMessage(hash[:], signature, order.Maker); err != nil {
			return swap.Validationf("%v", err)
		}
		return nil
	}

	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return swap.Validationf("malformed signature %q", signature)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pubKey, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return swap.Validationf("recover signer: %v", err)
	}
	if signer := crypto.PubkeyToAddress(*pubKey); signer != order.Maker.EVM() {
		return swap.Validationf("order signed by %v, expect %v", signer.Hex(), order.Maker)
	}
	return nil
}
