package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusActive
	StatusWithdrawn
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusWithdrawn:
		return "withdrawn"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusWithdrawn || s == StatusCancelled
}

// Ref identifies an escrow on its chain: a contract address on EVM chains, an object id on Sui.
type Ref string

// Immutables are the values an escrow is created with. The hash-lock is always a single secret hash, for orders with
// multiple secrets it is the hash of the secret of the claimed leaf.
type Immutables struct {
	OrderHash     common.Hash
	HashLock      common.Hash
	Maker         chain.Address
	Taker         chain.Address
	Token         chain.Address
	Amount        *big.Int
	SafetyDeposit *big.Int
	TimeLocks     timelock.TimeLocks

	// DeployedAt is zero until the escrow is deployed.
	DeployedAt time.Time
}

// Escrow is a read-only snapshot of an escrow on chain.
type Escrow struct {
	Ref    Ref
	Side   timelock.Side
	Status Status
	Immutables

	// Secret is the preimage published by the withdrawal, empty while the escrow is not withdrawn.
	Secret []byte
}

func (esc Escrow) Window(now time.Time) timelock.Window {
	return esc.TimeLocks.Window(esc.Side, esc.DeployedAt, now)
}

// Deployment describes an escrow found on chain as if it was just deployed. The transaction hash is unknown.
func (esc Escrow) Deployment() Deployment {
	return Deployment{Ref: esc.Ref, DeployedAt: esc.DeployedAt, Immutables: esc.Immutables}
}

// Deployment is the result of a deploy call.
type Deployment struct {
	Ref        Ref
	TxHash     string
	DeployedAt time.Time
	Immutables Immutables
}

// FillRequest asks the source ledger to fill an order into a new source escrow.
type FillRequest struct {
	Order     order.Order
	Signature string
	Amount    *big.Int

	// LeafIndex, SecretHash and Proof identify the claimed secret. For single secret orders the index is 0 and the
	// proof is empty.
	LeafIndex  int
	SecretHash common.Hash
	Proof      []common.Hash
}

// Verify checks the claimed secret hash against the order hash-lock.
func (req FillRequest) Verify() bool {
	return hashlock.VerifyHash(req.Order.HashLock, req.LeafIndex, req.SecretHash, req.Proof)
}

// SrcImmutables are the immutables of the source escrow created by the fill.
func (req FillRequest) SrcImmutables(taker chain.Address) (Immutables, error) {
	orderHash, err := req.Order.Hash()
	if err != nil {
		return Immutables{}, err
	}
	return Immutables{
		OrderHash:     orderHash,
		HashLock:      req.SecretHash,
		Maker:         req.Order.Maker,
		Taker:         taker,
		Token:         req.Order.MakerAsset,
		Amount:        new(big.Int).Set(req.Amount),
		SafetyDeposit: new(big.Int).Set(req.Order.SrcSafetyDeposit),
		TimeLocks:     req.Order.TimeLocks,
	}, nil
}

// DstImmutables mirrors a source escrow on the destination chain: same order hash and hash-lock, the receiver as
// maker, the resolver as taker and the amount scaled to the taker asset.
func DstImmutables(o order.Order, src Immutables, taker chain.Address) (Immutables, error) {
	if taker.Family() != o.DstChain.Family() {
		return Immutables{}, fmt.Errorf("taker %v is not a %v address", taker, o.DstChain.Family())
	}
	return Immutables{
		OrderHash:     src.OrderHash,
		HashLock:      src.HashLock,
		Maker:         o.Receiver,
		Taker:         taker,
		Token:         o.TakerAsset,
		Amount:        o.TakingAmountFor(src.Amount),
		SafetyDeposit: new(big.Int).Set(o.DstSafetyDeposit),
		TimeLocks:     src.TimeLocks,
	}, nil
}

// Ledger deploys and settles escrows on one chain. Implementations return errors wrapping the sentinels of the swap
// package so callers can tell transient failures from rejections.
type Ledger interface {
	// Chain the ledger operates on.
	Chain() chain.Chain

	// Address of the resolver on this chain.
	Address() chain.Address

	// Now returns the current chain time.
	Now(ctx context.Context) (time.Time, error)

	// DeploySrc fills the order and locks the maker funds into a new source escrow.
	DeploySrc(ctx context.Context, req FillRequest) (Deployment, error)

	// DeployDst funds a new destination escrow. The ledger refuses to deploy when the escrow would become cancellable
	// at or after srcCancellation.
	DeployDst(ctx context.Context, imm Immutables, srcCancellation time.Time) (Deployment, error)

	// Withdraw releases the escrow funds to its counterparty using the secret.
	Withdraw(ctx context.Context, ref Ref, secret []byte) (string, error)

	// Cancel returns the escrow funds to the depositor.
	Cancel(ctx context.Context, ref Ref) (string, error)

	// Immutables reads the escrow state from chain.
	Immutables(ctx context.Context, ref Ref) (Escrow, error)

	// Lookup finds the escrow the resolver deployed on side for the order and hash-lock. It reports false when there
	// is none.
	Lookup(ctx context.Context, side timelock.Side, orderHash, hashLock common.Hash) (Escrow, bool, error)
}
