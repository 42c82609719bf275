package mock

import (
	"context"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger is an escrow.Ledger whose calls are forwarded to the Func fields. Calls with a nil Func are forwarded to
// Base when set, and return zero values otherwise.
type Ledger struct {
	Base escrow.Ledger

	FuncNow        func(ctx context.Context) (time.Time, error)
	FuncDeploySrc  func(ctx context.Context, req escrow.FillRequest) (escrow.Deployment, error)
	FuncDeployDst  func(ctx context.Context, imm escrow.Immutables, srcCancellation time.Time) (escrow.Deployment, error)
	FuncWithdraw   func(ctx context.Context, ref escrow.Ref, secret []byte) (string, error)
	FuncCancel     func(ctx context.Context, ref escrow.Ref) (string, error)
	FuncImmutables func(ctx context.Context, ref escrow.Ref) (escrow.Escrow, error)
	FuncLookup     func(ctx context.Context, side timelock.Side, orderHash, hashLock common.Hash) (escrow.Escrow, bool, error)

	ChainID chain.Chain
	Addr    chain.Address
}

func NewLedger(base escrow.Ledger) *Ledger {
	return &Ledger{Base: base}
}

func (l *Ledger) Chain() chain.Chain {
	if l.Base != nil && l.ChainID == "" {
		return l.Base.Chain()
	}
	return l.ChainID
}

func (l *Ledger) Address() chain.Address {
	if l.Base != nil && l.Addr.IsZero() {
		return l.Base.Address()
	}
	return l.Addr
}

func (l *Ledger) Now(ctx context.Context) (time.Time, error) {
	if l.FuncNow != nil {
		return l.FuncNow(ctx)
	}
	if l.Base != nil {
		return l.Base.Now(ctx)
	}
	return time.Now(), nil
}

func (l *Ledger) DeploySrc(ctx context.Context, req escrow.FillRequest) (escrow.Deployment, error) {
	if l.FuncDeploySrc != nil {
		return l.FuncDeploySrc(ctx, req)
	}
	if l.Base != nil {
		return l.Base.DeploySrc(ctx, req)
	}
	return escrow.Deployment{}, nil
}

func (l *Ledger) DeployDst(ctx context.Context, imm escrow.Immutables, srcCancellation time.Time) (escrow.Deployment, error) {
	if l.FuncDeployDst != nil {
		return l.FuncDeployDst(ctx, imm, srcCancellation)
	}
	if l.Base != nil {
		return l.Base.DeployDst(ctx, imm, srcCancellation)
	}
	return escrow.Deployment{}, nil
}

func (l *Ledger) Withdraw(ctx context.Context, ref escrow.Ref, secret []byte) (string, error) {
	if l.FuncWithdraw != nil {
		return l.FuncWithdraw(ctx, ref, secret)
	}
	if l.Base != nil {
		return l.Base.Withdraw(ctx, ref, secret)
	}
	return "", nil
}

func (l *Ledger) Cancel(ctx context.Context, ref escrow.Ref) (string, error) {
	if l.FuncCancel != nil {
		return l.FuncCancel(ctx, ref)
	}
	if l.Base != nil {
		return l.Base.Cancel(ctx, ref)
	}
	return "", nil
}

func (l *Ledger) Immutables(ctx context.Context, ref escrow.Ref) (escrow.Escrow, error) {
	if l.FuncImmutables != nil {
		return l.FuncImmutables(ctx, ref)
	}
	if l.Base != nil {
		return l.Base.Immutables(ctx, ref)
	}
	return escrow.Escrow{}, nil
}

func (l *Ledger) Lookup(ctx context.Context, side timelock.Side, orderHash, hashLock common.Hash) (escrow.Escrow, bool, error) {
	if l.FuncLookup != nil {
		return l.FuncLookup(ctx, side, orderHash, hashLock)
	}
	if l.Base != nil {
		return l.Base.Lookup(ctx, side, orderHash, hashLock)
	}
	return escrow.Escrow{}, false, nil
}
