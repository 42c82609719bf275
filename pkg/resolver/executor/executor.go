// Package executor runs the orchestrators of all the fills of a resolver, one goroutine each, and persists their
// progress so unfinished swaps are picked up again after a restart.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/resolver/orchestrator"
	"github.com/catalogfi/resolver/pkg/resolver/tracker"
	"github.com/catalogfi/resolver/pkg/store"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Executor interface {
	// Start recovers the pending swaps from the store and resumes them.
	Start() error

	// Stop cancels all running swaps and waits for them to return. Their progress stays in the store.
	Stop()

	// Execute persists the new swap and runs it in the background.
	Execute(s orchestrator.Swap) error

	// Busy tells if the order has a swap which has not locked funds yet.
	Busy(orderHash common.Hash) bool

	// Ledger returns the ledger used for the chain.
	Ledger(c chain.Chain) (escrow.Ledger, bool)
}

type Options struct {
	Orchestrator orchestrator.Options

	// RetryInterval is how long a swap which stopped on an error waits before running again.
	RetryInterval time.Duration

	// Registerer receives the swap metrics, they are not exported when nil.
	Registerer prometheus.Registerer
}

func DefaultOptions() Options {
	return Options{
		Orchestrator:  orchestrator.DefaultOptions(),
		RetryInterval: 30 * time.Second,
	}
}

type executor struct {
	logger  *zap.Logger
	ledgers map[chain.Chain]escrow.Ledger
	tracker tracker.Tracker
	store   store.Store
	options Options
	metrics *metrics

	mu      sync.Mutex
	running map[string]struct{}
	busy    map[common.Hash]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func New(logger *zap.Logger, ledgers []escrow.Ledger, tracker tracker.Tracker, storage store.Store, options Options) (Executor, error) {
	byChain := map[chain.Chain]escrow.Ledger{}
	for _, ledger := range ledgers {
		if _, ok := byChain[ledger.Chain()]; ok {
			return nil, fmt.Errorf("duplicate ledger for %v", ledger.Chain())
		}
		byChain[ledger.Chain()] = ledger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &executor{
		logger:  logger.With(zap.String("service", "executor")),
		ledgers: byChain,
		tracker: tracker,
		store:   storage,
		options: options,
		metrics: newMetrics(options.Registerer),

		running: map[string]struct{}{},
		busy:    map[common.Hash]int{},

		ctx:    ctx,
		cancel: cancel,
		wg:     new(sync.WaitGroup),
	}, nil
}

func (exe *executor) Start() error {
	if err := exe.replay(); err != nil {
		return err
	}
	swaps, err := exe.store.PendingSwaps()
	if err != nil {
		return fmt.Errorf("load pending swaps: %w", err)
	}
	for _, s := range swaps {
		exe.logger.Info("resuming swap", zap.String("swap", s.ID), zap.Stringer("state", s.State))
		if err := exe.run(s); err != nil {
			exe.logger.Error("resume swap", zap.String("swap", s.ID), zap.Error(err))
		}
	}
	return nil
}

// replay seeds the tracker with the fills of the stored swaps, so a fresh tracker never accepts them a second time.
func (exe *executor) replay() error {
	swaps, err := exe.store.ReservedSwaps()
	if err != nil {
		return fmt.Errorf("load reserved swaps: %w", err)
	}
	for _, s := range swaps {
		limits, err := s.Order.Limits()
		if err != nil {
			exe.logger.Warn("skipping fill of invalid order", zap.String("swap", s.ID), zap.Error(err))
			continue
		}
		if err := exe.tracker.Reserve(exe.ctx, limits, s.LeafIndex, s.Amount); err != nil {
			var rejection *tracker.Rejection
			if errors.As(err, &rejection) {
				// A shared tracker already holds it.
				exe.logger.Debug("fill already tracked", zap.String("swap", s.ID), zap.Error(err))
				continue
			}
			return fmt.Errorf("replay fill of swap %v: %w", s.ID, err)
		}
	}
	exe.logger.Info("replayed fills", zap.Int("swaps", len(swaps)))
	return nil
}

func (exe *executor) Stop() {
	exe.cancel()
	exe.wg.Wait()
}

func (exe *executor) Execute(s orchestrator.Swap) error {
	if err := exe.store.PutSwap(s); err != nil {
		return fmt.Errorf("store swap: %w", err)
	}
	return exe.run(s)
}

func (exe *executor) Busy(orderHash common.Hash) bool {
	exe.mu.Lock()
	defer exe.mu.Unlock()
	return exe.busy[orderHash] > 0
}

func (exe *executor) Ledger(c chain.Chain) (escrow.Ledger, bool) {
	ledger, ok := exe.ledgers[c]
	return ledger, ok
}

func (exe *executor) run(s orchestrator.Swap) error {
	src, ok := exe.ledgers[s.Order.SrcChain]
	if !ok {
		return fmt.Errorf("no ledger for %v", s.Order.SrcChain)
	}
	dst, ok := exe.ledgers[s.Order.DstChain]
	if !ok {
		return fmt.Errorf("no ledger for %v", s.Order.DstChain)
	}

	exe.mu.Lock()
	if _, ok := exe.running[s.ID]; ok {
		exe.mu.Unlock()
		return nil
	}
	exe.running[s.ID] = struct{}{}
	exe.metrics.running.Inc()
	if s.State == orchestrator.OrderSigned {
		exe.busy[s.OrderHash]++
	}
	exe.mu.Unlock()

	logger := exe.logger.With(zap.String("swap", s.ID))
	orc, err := orchestrator.New(exe.logger, s, orchestrator.Config{
		Src:     src,
		Dst:     dst,
		Tracker: exe.tracker,
		Secrets: exe.store,
		Observer: orchestrator.ObserverFunc(func(s orchestrator.Swap, from orchestrator.State) {
			if s.State != from {
				exe.metrics.transition(s.State)
			}
			if err := exe.store.PutSwap(s); err != nil {
				logger.Error("store swap", zap.Error(err))
			}
			if from == orchestrator.OrderSigned && s.State != orchestrator.OrderSigned {
				exe.release(s)
			}
		}),
		Options: exe.options.Orchestrator,
	})
	if err != nil {
		exe.done(s)
		return err
	}

	exe.wg.Add(1)
	go func() {
		defer exe.wg.Done()
		defer exe.done(orc.Swap())

		for {
			err := orc.Run(exe.ctx)
			if err == nil || errors.Is(err, context.Canceled) || orc.Swap().State.Terminal() {
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("swap failed", zap.Error(err))
				}
				logger.Info("swap stopped", zap.Stringer("state", orc.Swap().State))
				return
			}
			logger.Error("swap interrupted", zap.Stringer("state", orc.Swap().State), zap.Error(err))
			exe.metrics.interrupted.Inc()
			select {
			case <-exe.ctx.Done():
				return
			case <-time.After(exe.options.RetryInterval):
			}
		}
	}()
	return nil
}

// release marks the swap as past its source deployment, the order can be planned again.
func (exe *executor) release(s orchestrator.Swap) {
	exe.mu.Lock()
	defer exe.mu.Unlock()
	if exe.busy[s.OrderHash] > 0 {
		exe.busy[s.OrderHash]--
	}
	if exe.busy[s.OrderHash] == 0 {
		delete(exe.busy, s.OrderHash)
	}
}

func (exe *executor) done(s orchestrator.Swap) {
	if s.State == orchestrator.OrderSigned {
		exe.release(s)
	}
	exe.mu.Lock()
	defer exe.mu.Unlock()
	if _, ok := exe.running[s.ID]; ok {
		exe.metrics.running.Dec()
	}
	delete(exe.running, s.ID)
}
