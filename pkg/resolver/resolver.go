// Package resolver wires the executor and the filler of a resolver together with the order store.
package resolver

import (
	"errors"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/resolver/executor"
	"github.com/catalogfi/resolver/pkg/resolver/filler"
	"github.com/catalogfi/resolver/pkg/resolver/tracker"
	"github.com/catalogfi/resolver/pkg/store"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"go.uber.org/zap"
)

type Config struct {
	Ledgers    []escrow.Ledger
	Tracker    tracker.Tracker
	Store      store.Store
	Strategies filler.Strategies

	// FillInterval is how often the filler looks for new orders.
	FillInterval time.Duration

	// ExpiryInterval is how often active orders past their expiry are marked as expired.
	ExpiryInterval time.Duration

	Executor executor.Options
}

func DefaultConfig() Config {
	return Config{
		FillInterval:   5 * time.Second,
		ExpiryInterval: time.Minute,
		Executor:       executor.DefaultOptions(),
	}
}

type Resolver struct {
	logger   *zap.Logger
	config   Config
	executor executor.Executor
	filler   filler.Filler

	quit chan struct{}
	wg   *sync.WaitGroup
}

func New(logger *zap.Logger, config Config) (*Resolver, error) {
	if config.Store == nil || config.Tracker == nil {
		return nil, errors.New("resolver needs a store and a fill tracker")
	}
	if len(config.Ledgers) < 2 {
		return nil, errors.New("resolver needs a ledger for each side of the swap")
	}
	exe, err := executor.New(logger, config.Ledgers, config.Tracker, config.Store, config.Executor)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		logger:   logger.With(zap.String("service", "resolver")),
		config:   config,
		executor: exe,
		filler:   filler.New(config.Strategies, config.Store, config.Tracker, exe, config.FillInterval, logger),

		quit: make(chan struct{}),
		wg:   new(sync.WaitGroup),
	}, nil
}

// Executor returns the executor running the swaps of the resolver.
func (r *Resolver) Executor() executor.Executor {
	return r.executor
}

// Start resumes the pending swaps before looking for new orders.
func (r *Resolver) Start() error {
	if err := r.executor.Start(); err != nil {
		return err
	}
	if err := r.filler.Start(); err != nil {
		r.executor.Stop()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.ExpiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				expired, err := r.config.Store.ExpireOrders(time.Now())
				if err != nil {
					r.logger.Error("expire orders", zap.Error(err))
					continue
				}
				if expired > 0 {
					r.logger.Info("orders expired", zap.Int64("count", expired))
				}
			case <-r.quit:
				return
			}
		}
	}()
	return nil
}

func (r *Resolver) Stop() {
	if r.quit == nil {
		return
	}
	close(r.quit)
	r.wg.Wait()
	r.quit = nil

	r.filler.Stop()
	r.executor.Stop()
}
