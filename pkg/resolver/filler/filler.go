package filler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/resolver/executor"
	"github.com/catalogfi/resolver/pkg/resolver/orchestrator"
	"github.com/catalogfi/resolver/pkg/resolver/tracker"
	"github.com/catalogfi/resolver/pkg/store"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type Filler interface {
	// Start the filler to match orders, it's not blocking and will spawn a background goroutine.
	Start() error

	// Stop will gracefully shut down the Filler, it waits for all inner goroutines to finish.
	Stop()
}

// OrderSource lists the orders submitted by makers.
type OrderSource interface {
	Orders(filter store.OrderFilter) ([]store.Order, error)
}

type filler struct {
	logger     *zap.Logger
	strategies Strategies
	orders     OrderSource
	tracker    tracker.Tracker
	executor   executor.Executor
	interval   time.Duration

	quit chan struct{}
	wg   *sync.WaitGroup
}

func New(strategies Strategies, orders OrderSource, tracker tracker.Tracker, executor executor.Executor, interval time.Duration, logger *zap.Logger) Filler {
	return &filler{
		logger:     logger.With(zap.String("service", "filler")),
		strategies: strategies,
		orders:     orders,
		tracker:    tracker,
		executor:   executor,
		interval:   interval,

		quit: make(chan struct{}),
		wg:   new(sync.WaitGroup),
	}
}

func (f *filler) Start() error {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			f.poll()
			select {
			case <-ticker.C:
			case <-f.quit:
				return
			}
		}
	}()
	return nil
}

func (f *filler) Stop() {
	if f.quit != nil {
		close(f.quit)
		f.wg.Wait()
		f.quit = nil
	}
}

// poll goes through the active orders once and starts a swap for every order matching a strategy.
func (f *filler) poll() {
	status := store.Active
	orders, err := f.orders.Orders(store.OrderFilter{Status: &status})
	if err != nil {
		f.logger.Error("list orders", zap.Error(err))
		return
	}
	for _, model := range orders {
		if err := f.fill(model); err != nil {
			if errors.Is(err, swap.ErrFillExhausted) {
				f.logger.Debug("order exhausted", zap.String("order", model.OrderHash))
				continue
			}
			f.logger.Debug("❌ [Not Match]", zap.String("order", model.OrderHash), zap.Error(err))
		}
	}
}

func (f *filler) fill(model store.Order) error {
	o, err := model.Decode()
	if err != nil {
		return err
	}
	orderHash, err := o.Hash()
	if err != nil {
		return err
	}
	if f.executor.Busy(orderHash) {
		return nil
	}

	strategy, err := f.match(o)
	if err != nil {
		return err
	}
	ledger, ok := f.executor.Ledger(o.SrcChain)
	if !ok {
		return swap.FillRejectedf("no ledger for %v", o.SrcChain)
	}
	if !o.IsWhitelisted(ledger.Address()) {
		return swap.FillRejectedf("resolver %v not whitelisted", ledger.Address())
	}
	if err := o.VerifySignature(model.Signature); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.interval)
	defer cancel()
	filled, err := f.tracker.Filled(ctx, orderHash)
	if err != nil {
		return err
	}
	plan, err := strategy.Plan(o, filled)
	if err != nil {
		return err
	}

	secretHashes := model.Hashes()
	if plan.LeafIndex >= len(secretHashes) {
		return swap.Validationf("order %v has no secret %v", model.OrderHash, plan.LeafIndex)
	}
	proof := []common.Hash{}
	if o.HashLock.IsMultiple() {
		_, proof, err = hashlock.ProveLeafFromHashes(secretHashes, plan.LeafIndex)
		if err != nil {
			return err
		}
	}

	s, err := orchestrator.NewSwap(o, model.Signature, plan.Amount, plan.LeafIndex, secretHashes[plan.LeafIndex], proof)
	if err != nil {
		return err
	}
	if err := f.executor.Execute(s); err != nil {
		return err
	}
	f.logger.Info("✅ [Fill]", zap.String("order", model.OrderHash), zap.String("swap", s.ID), zap.Stringer("amount", plan.Amount), zap.Int("leaf", plan.LeafIndex))
	return nil
}

// match returns the first strategy matching the order.
func (f *filler) match(o order.Order) (Strategy, error) {
	var err error
	for _, strategy := range f.strategies {
		var match bool
		if match, err = strategy.Match(o); match {
			return strategy, nil
		}
	}
	if err == nil {
		err = errors.New("no strategy")
	}
	return Strategy{}, err
}
