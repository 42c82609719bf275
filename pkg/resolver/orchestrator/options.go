package orchestrator

import "time"

type Options struct {
	// PollInterval is how long Run waits before retrying a step that could not progress.
	PollInterval time.Duration

	// MaxRetries bounds the retries of a chain call failing with a transient error.
	MaxRetries uint64

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:   5 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
	}
}

func (opts Options) WithPollInterval(interval time.Duration) Options {
	opts.PollInterval = interval
	return opts
}

func (opts Options) WithRetries(maxRetries uint64, initial, max time.Duration) Options {
	opts.MaxRetries = maxRetries
	opts.InitialBackoff = initial
	opts.MaxBackoff = max
	return opts
}
