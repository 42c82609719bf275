// Package orchestrator drives a single fill through the settlement protocol: lock on the source chain, mirror on the
// destination chain, wait for the maker's secret, then withdraw both sides destination first, or cancel both once
// the time-locks allow it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catalogfi/resolver/pkg/resolver/tracker"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SecretSource gives the secrets disclosed by makers. It returns a nil secret when it is not disclosed yet.
type SecretSource interface {
	Secret(ctx context.Context, orderHash common.Hash, leafIndex int) ([]byte, error)
}

// Observer is told about every change of a swap, so it can be persisted.
type Observer interface {
	SwapUpdated(s Swap, from State)
}

type ObserverFunc func(s Swap, from State)

func (f ObserverFunc) SwapUpdated(s Swap, from State) {
	f(s, from)
}

type Config struct {
	Src     escrow.Ledger
	Dst     escrow.Ledger
	Tracker tracker.Tracker
	Secrets SecretSource

	// Observer is optional.
	Observer Observer
	Options  Options
}

type Orchestrator struct {
	logger   *zap.Logger
	swap     Swap
	src      escrow.Ledger
	dst      escrow.Ledger
	tracker  tracker.Tracker
	secrets  SecretSource
	observer Observer
	opts     Options
}

func New(logger *zap.Logger, s Swap, config Config) (*Orchestrator, error) {
	if config.Src == nil || config.Dst == nil || config.Tracker == nil || config.Secrets == nil {
		return nil, errors.New("orchestrator needs both ledgers, a tracker and a secret source")
	}
	if config.Src.Chain() != s.Order.SrcChain {
		return nil, fmt.Errorf("source ledger is on %v, order is from %v", config.Src.Chain(), s.Order.SrcChain)
	}
	if config.Dst.Chain() != s.Order.DstChain {
		return nil, fmt.Errorf("destination ledger is on %v, order is to %v", config.Dst.Chain(), s.Order.DstChain)
	}
	if config.Options.PollInterval == 0 {
		config.Options = DefaultOptions()
	}
	return &Orchestrator{
		logger: logger.With(
			zap.String("swap", s.ID),
			zap.String("order", s.OrderHash.Hex()),
			zap.Int("leaf", s.LeafIndex),
		),
		swap:     s,
		src:      config.Src,
		dst:      config.Dst,
		tracker:  config.Tracker,
		secrets:  config.Secrets,
		observer: config.Observer,
		opts:     config.Options,
	}, nil
}

// Swap returns a snapshot of the swap.
func (orc *Orchestrator) Swap() Swap {
	return orc.swap
}

// Run steps the swap until it reaches a terminal state, waiting the poll interval whenever a step could not make
// progress. It returns the error of a failed swap, or of a step that could not be completed after retries.
func (orc *Orchestrator) Run(ctx context.Context) error {
	for !orc.swap.State.Terminal() {
		progressed, err := orc.Step(ctx)
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(orc.opts.PollInterval):
		}
	}
	return nil
}

// Step attempts the next transition of the swap. It reports whether the swap changed.
func (orc *Orchestrator) Step(ctx context.Context) (bool, error) {
	switch orc.swap.State {
	case OrderSigned:
		return orc.deploySrc(ctx)
	case BothWithdrawn, BothCancelled, Failed:
		return false, nil
	}

	srcNow, err := orc.now(ctx, orc.src)
	if err != nil {
		return false, err
	}
	dstNow, err := orc.now(ctx, orc.dst)
	if err != nil {
		return false, err
	}
	if orc.cancellable(srcNow, dstNow) {
		return orc.cancel(ctx)
	}

	switch orc.swap.State {
	case SrcDeployed:
		if orc.swap.DstSkipped {
			return false, nil
		}
		return orc.deployDst(ctx, dstNow)
	case DstDeployed:
		return orc.awaitSecret(ctx, dstNow)
	default:
		return orc.withdraw(ctx)
	}
}

func (orc *Orchestrator) deploySrc(ctx context.Context) (bool, error) {
	s := &orc.swap
	// A reservation made by an earlier run may have been followed by a deployment we never saw confirmed.
	resumed := s.Reserved
	if !s.Reserved {
		limits, err := s.Order.Limits()
		if err != nil {
			return false, orc.fail(err)
		}
		if err := orc.tracker.Reserve(ctx, limits, s.LeafIndex, s.Amount); err != nil {
			var rejection *tracker.Rejection
			if errors.As(err, &rejection) {
				return false, orc.fail(err)
			}
			return false, fmt.Errorf("reserve fill: %w", err)
		}
		s.Reserved = true
		orc.notify(s.State)
	}

	deployment, err := orc.deploy(ctx, swap.ActionDeploySrc, timelock.Src, resumed, func() (escrow.Deployment, error) {
		return orc.src.DeploySrc(ctx, s.FillRequest())
	})
	if err != nil {
		if !refused(err) {
			// The deployment may still land, the reservation is kept until it is found or refused.
			s.Error = err.Error()
			orc.notify(s.State)
			return false, fmt.Errorf("deploy source escrow: %w", err)
		}
		if releaseErr := orc.tracker.Release(ctx, s.OrderHash, s.LeafIndex, s.Amount); releaseErr != nil {
			orc.logger.Error("release fill", zap.Error(releaseErr))
		} else {
			s.Reserved = false
		}
		return false, orc.fail(fmt.Errorf("deploy source escrow: %w", err))
	}

	imm := deployment.Immutables
	imm.DeployedAt = deployment.DeployedAt
	s.Src = Leg{Ref: deployment.Ref, TxHash: deployment.TxHash, Immutables: &imm, Status: escrow.StatusActive}
	orc.logger.Info("source escrow deployed", zap.String("escrow", string(deployment.Ref)), zap.String("tx", deployment.TxHash))
	orc.setState(SrcDeployed)
	return true, nil
}

func (orc *Orchestrator) deployDst(ctx context.Context, dstNow time.Time) (bool, error) {
	s := &orc.swap
	src := *s.Src.Immutables
	if err := src.TimeLocks.CheckDstDeployment(src.DeployedAt, dstNow); err != nil {
		return orc.skipDst(err), nil
	}
	imm, err := escrow.DstImmutables(s.Order, src, orc.dst.Address())
	if err != nil {
		return orc.skipDst(err), nil
	}

	resumed := s.DstSubmitted
	if !s.DstSubmitted {
		s.DstSubmitted = true
		orc.notify(s.State)
	}
	deployment, err := orc.deploy(ctx, swap.ActionDeployDst, timelock.Dst, resumed, func() (escrow.Deployment, error) {
		return orc.dst.DeployDst(ctx, imm, src.TimeLocks.SrcCancellationTime(src.DeployedAt))
	})
	switch {
	case err == nil:
	case errors.Is(err, swap.ErrTimeWindow), errors.Is(err, swap.ErrFillRejected), errors.Is(err, swap.ErrValidation):
		return orc.skipDst(err), nil
	default:
		return false, fmt.Errorf("deploy destination escrow: %w", err)
	}

	dstImm := deployment.Immutables
	dstImm.DeployedAt = deployment.DeployedAt
	s.Dst = Leg{Ref: deployment.Ref, TxHash: deployment.TxHash, Immutables: &dstImm, Status: escrow.StatusActive}
	orc.logger.Info("destination escrow deployed", zap.String("escrow", string(deployment.Ref)), zap.String("tx", deployment.TxHash))
	orc.setState(DstDeployed)
	return true, nil
}

// deploy sends a deployment through call. Once an attempt failed after it may have been broadcast, and when resumed
// is set, the escrow is looked up before anything is sent again so a lost confirmation never funds a second escrow.
func (orc *Orchestrator) deploy(ctx context.Context, action swap.Action, side timelock.Side, resumed bool, send func() (escrow.Deployment, error)) (escrow.Deployment, error) {
	ledger := orc.src
	if side == timelock.Dst {
		ledger = orc.dst
	}
	s := &orc.swap
	lookup := resumed
	var deployment escrow.Deployment
	err := orc.call(ctx, string(action), func() error {
		if lookup {
			esc, found, err := ledger.Lookup(ctx, side, s.OrderHash, s.SecretHash)
			if err != nil {
				return err
			}
			if found {
				orc.logger.Warn("adopting escrow of an earlier deployment", zap.Stringer("side", side), zap.String("escrow", string(esc.Ref)))
				deployment = esc.Deployment()
				return nil
			}
		}
		var err error
		deployment, err = send()
		lookup = lookup || swap.IsTransient(err)
		return err
	})
	return deployment, err
}

// refused tells if a deployment error proves nothing was locked on chain.
func refused(err error) bool {
	for _, kind := range []error{swap.ErrValidation, swap.ErrProofVerification, swap.ErrFillRejected, swap.ErrFillExhausted, swap.ErrTimeWindow, swap.ErrDesync} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// skipDst gives up on the destination escrow, the source escrow will be cancelled once its time-lock allows it.
func (orc *Orchestrator) skipDst(reason error) bool {
	orc.logger.Warn("skipping destination escrow", zap.Error(reason))
	orc.swap.DstSkipped = true
	orc.swap.Error = reason.Error()
	orc.notify(orc.swap.State)
	return true
}

func (orc *Orchestrator) awaitSecret(ctx context.Context, dstNow time.Time) (bool, error) {
	s := &orc.swap
	window := s.Dst.Window(timelock.Dst, dstNow)
	if window >= timelock.PublicWithdrawal {
		// Anyone holding the secret may withdraw the destination escrow now, its withdrawal publishes the secret.
		if progressed, err := orc.refresh(ctx, timelock.Dst); progressed || err != nil {
			return progressed, err
		}
	}
	if window == timelock.TooEarly || window >= timelock.Cancellable {
		return false, nil
	}

	secret, err := orc.secrets.Secret(ctx, s.OrderHash, s.LeafIndex)
	if err != nil {
		orc.logger.Warn("fetch secret", zap.Error(err))
		return false, nil
	}
	if secret == nil {
		return false, nil
	}
	if hashlock.HashSecret(secret) != s.SecretHash {
		orc.logger.Warn("ignoring disclosed secret", zap.Error(fmt.Errorf("%w: secret does not match hash %v", swap.ErrProofVerification, s.SecretHash.Hex())))
		return false, nil
	}

	s.Secret = secret
	orc.setState(SecretRevealed)
	return true, nil
}

// withdraw settles the destination escrow first, the source escrow is only touched once the maker has been paid.
func (orc *Orchestrator) withdraw(ctx context.Context) (bool, error) {
	s := &orc.swap
	switch s.Dst.Status {
	case escrow.StatusActive:
		var txHash string
		err := orc.call(ctx, string(swap.ActionWithdrawDst), func() error {
			var err error
			txHash, err = orc.dst.Withdraw(ctx, s.Dst.Ref, s.Secret)
			return err
		})
		if err != nil {
			return orc.recover(ctx, timelock.Dst, err)
		}
		orc.logger.Info("destination escrow withdrawn", zap.String("tx", txHash))
		s.Dst.Status = escrow.StatusWithdrawn
		orc.notify(s.State)
		return true, nil
	case escrow.StatusCancelled:
		// The maker was refunded, the swap can only end cancelled.
		return false, nil
	}

	switch s.Src.Status {
	case escrow.StatusActive:
		var txHash string
		err := orc.call(ctx, string(swap.ActionWithdrawSrc), func() error {
			var err error
			txHash, err = orc.src.Withdraw(ctx, s.Src.Ref, s.Secret)
			return err
		})
		if err != nil {
			return orc.recover(ctx, timelock.Src, err)
		}
		orc.logger.Info("source escrow withdrawn", zap.String("tx", txHash))
		s.Src.Status = escrow.StatusWithdrawn
		orc.setState(BothWithdrawn)
		return true, nil
	case escrow.StatusWithdrawn:
		orc.setState(BothWithdrawn)
		return true, nil
	default:
		return false, orc.fail(swap.Desyncf("source escrow %v cancelled after the destination escrow was withdrawn", s.Src.Ref))
	}
}

// cancellable tells if the swap should be unwound: nothing was withdrawn, the source escrow reached its cancellation
// window and the destination escrow is either absent, already refunded or cancellable too.
func (orc *Orchestrator) cancellable(srcNow, dstNow time.Time) bool {
	s := orc.swap
	if s.Src.Status == escrow.StatusWithdrawn || s.Dst.Status == escrow.StatusWithdrawn {
		return false
	}
	if !s.Src.Window(timelock.Src, srcNow).CanCancel(timelock.Resolver) {
		return false
	}
	if !s.Dst.Deployed() || s.Dst.Status == escrow.StatusCancelled {
		return true
	}
	return s.Dst.Window(timelock.Dst, dstNow).CanCancel(timelock.Resolver)
}

// cancel refunds the destination escrow first, then the source escrow.
func (orc *Orchestrator) cancel(ctx context.Context) (bool, error) {
	s := &orc.swap
	if s.Dst.Deployed() && s.Dst.Status == escrow.StatusActive {
		var txHash string
		err := orc.call(ctx, string(swap.ActionCancelDst), func() error {
			var err error
			txHash, err = orc.dst.Cancel(ctx, s.Dst.Ref)
			return err
		})
		if err != nil {
			return orc.recover(ctx, timelock.Dst, err)
		}
		orc.logger.Info("destination escrow cancelled", zap.String("tx", txHash))
		s.Dst.Status = escrow.StatusCancelled
		orc.notify(s.State)
		return true, nil
	}

	if s.Src.Status == escrow.StatusActive {
		var txHash string
		err := orc.call(ctx, string(swap.ActionCancelSrc), func() error {
			var err error
			txHash, err = orc.src.Cancel(ctx, s.Src.Ref)
			return err
		})
		if err != nil {
			return orc.recover(ctx, timelock.Src, err)
		}
		orc.logger.Info("source escrow cancelled", zap.String("tx", txHash))
		s.Src.Status = escrow.StatusCancelled
	}
	orc.setState(BothCancelled)
	return true, nil
}

// recover decides what to do after a failed escrow action. A desync re-reads the escrow, since another caller may
// have settled it. An action attempted outside its window waits for the next poll.
func (orc *Orchestrator) recover(ctx context.Context, side timelock.Side, err error) (bool, error) {
	switch {
	case errors.Is(err, swap.ErrDesync):
		orc.logger.Warn("escrow out of sync, reading it again", zap.Stringer("side", side), zap.Error(err))
		return orc.refresh(ctx, side)
	case errors.Is(err, swap.ErrTimeWindow):
		orc.logger.Debug("escrow action not allowed yet", zap.Stringer("side", side), zap.Error(err))
		return false, nil
	default:
		orc.swap.Error = err.Error()
		orc.notify(orc.swap.State)
		return false, fmt.Errorf("%v escrow: %w", side, err)
	}
}

func (orc *Orchestrator) refresh(ctx context.Context, side timelock.Side) (bool, error) {
	ledger, leg := orc.src, &orc.swap.Src
	if side == timelock.Dst {
		ledger, leg = orc.dst, &orc.swap.Dst
	}

	var esc escrow.Escrow
	err := orc.call(ctx, "immutables", func() error {
		var err error
		esc, err = ledger.Immutables(ctx, leg.Ref)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("read %v escrow: %w", side, err)
	}

	s := &orc.swap
	learned := false
	if side == timelock.Dst && esc.Status == escrow.StatusWithdrawn && len(s.Secret) == 0 {
		if hashlock.HashSecret(esc.Secret) != s.SecretHash {
			return false, swap.Desyncf("destination escrow %v withdrawn without a secret matching %v", leg.Ref, s.SecretHash.Hex())
		}
		s.Secret = append(s.Secret[:0], esc.Secret...)
		learned = true
	}
	if esc.Status == leg.Status && !learned {
		return false, nil
	}

	orc.logger.Info("escrow settled by another caller", zap.Stringer("side", side), zap.Stringer("status", esc.Status))
	leg.Status = esc.Status
	switch {
	case s.Src.Status == escrow.StatusWithdrawn && s.Dst.Status == escrow.StatusWithdrawn:
		orc.setState(BothWithdrawn)
	case learned && s.State == DstDeployed:
		orc.setState(SecretRevealed)
	default:
		orc.notify(s.State)
	}
	return true, nil
}

func (orc *Orchestrator) now(ctx context.Context, ledger escrow.Ledger) (time.Time, error) {
	var now time.Time
	err := orc.call(ctx, "now", func() error {
		var err error
		now, err = ledger.Now(ctx)
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("read %v time: %w", ledger.Chain(), err)
	}
	return now, nil
}

// call runs fn, retrying transient chain errors with an exponential backoff. Other errors are returned as they are.
func (orc *Orchestrator) call(ctx context.Context, action string, fn func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = orc.opts.InitialBackoff
	expBackoff.MaxInterval = orc.opts.MaxBackoff
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, orc.opts.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || swap.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, next time.Duration) {
		orc.logger.Warn("retrying", zap.String("action", action), zap.Duration("backoff", next), zap.Error(err))
	})
}

func (orc *Orchestrator) fail(err error) error {
	orc.logger.Error("swap failed", zap.Error(err))
	orc.swap.Error = err.Error()
	orc.setState(Failed)
	return err
}

func (orc *Orchestrator) setState(state State) {
	from := orc.swap.State
	orc.swap.State = state
	if from != state {
		orc.logger.Info("swap transition", zap.Stringer("from", from), zap.Stringer("to", state))
	}
	orc.notify(from)
}

func (orc *Orchestrator) notify(from State) {
	if orc.observer != nil {
		orc.observer.SwapUpdated(orc.swap, from)
	}
}
