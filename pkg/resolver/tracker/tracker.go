// Package tracker keeps the running fill state of partially fillable orders so that concurrent fills never exceed
// the making amount or reuse a secret.
package tracker

import (
	"context"
	"fmt"
	"math/big"

	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/ethereum/go-ethereum/common"
)

type Tracker interface {

	// Reserve records a fill of amount using the secret at leafIndex. It returns a *Rejection when the fill is not
	// allowed, nothing is recorded in that case.
	Reserve(ctx context.Context, limits order.Limits, leafIndex int, amount *big.Int) error

	// Release undoes a reservation whose source escrow was never deployed.
	Release(ctx context.Context, orderHash common.Hash, leafIndex int, amount *big.Int) error

	// Filled returns the amount reserved so far.
	Filled(ctx context.Context, orderHash common.Hash) (*big.Int, error)
}

// Rejection is the reason a fill was refused. Reason is either swap.ErrFillExhausted or swap.ErrFillRejected.
type Rejection struct {
	Reason error
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%v: %v", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return r.Reason
}

func exhausted(format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: swap.ErrFillExhausted, Detail: fmt.Sprintf(format, args...)}
}

func rejected(format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: swap.ErrFillRejected, Detail: fmt.Sprintf(format, args...)}
}

// check applies the fill rules to the current state of the order.
func check(limits order.Limits, filled *big.Int, used func(int) bool, fills int, leafIndex int, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return rejected("fill amount must be positive")
	}
	if leafIndex < 0 || leafIndex >= limits.Leaves {
		return rejected("secret index %v out of range [0, %v)", leafIndex, limits.Leaves)
	}
	remaining := new(big.Int).Sub(limits.MakingAmount, filled)
	if remaining.Sign() <= 0 {
		return exhausted("order %v is fully filled", limits.OrderHash.Hex())
	}
	if !limits.AllowMultipleFills && fills > 0 {
		return exhausted("order %v allows a single fill", limits.OrderHash.Hex())
	}
	if amount.Cmp(remaining) > 0 {
		return exhausted("fill of %v exceeds remaining %v", amount, remaining)
	}
	if !limits.AllowPartialFills && amount.Cmp(limits.MakingAmount) != 0 {
		return rejected("order %v must be filled at once", limits.OrderHash.Hex())
	}
	if used(leafIndex) {
		return rejected("secret %v of order %v already used", leafIndex, limits.OrderHash.Hex())
	}
	return nil
}
