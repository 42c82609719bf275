package swap

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed orders or time-locks, before anything is sent on-chain.
	ErrValidation = errors.New("validation error")

	// ErrProofVerification is returned when a secret or merkle proof does not match the hash-lock.
	ErrProofVerification = errors.New("proof verification failure")

	// ErrFillExhausted is returned when the order has no capacity left for the requested amount.
	ErrFillExhausted = errors.New("fill exhausted")

	// ErrFillRejected is returned when a fill attempt is refused, the order itself stays fillable.
	ErrFillRejected = errors.New("fill rejected")

	// ErrTransientChain covers network, nonce and gas failures. The same action can be retried.
	ErrTransientChain = errors.New("transient chain error")

	// ErrTimeWindow is returned when an action is attempted outside its time-lock window.
	ErrTimeWindow = errors.New("time window violation")

	// ErrDesync is returned when the escrow on chain is not in the state we expect, e.g. it was already withdrawn
	// by a public caller.
	ErrDesync = errors.New("orchestrator desync")
)

func Validationf(format string, args ...interface{}) error {
	return wrapf(ErrValidation, format, args...)
}

func FillRejectedf(format string, args ...interface{}) error {
	return wrapf(ErrFillRejected, format, args...)
}

func TimeWindowf(format string, args ...interface{}) error {
	return wrapf(ErrTimeWindow, format, args...)
}

func Desyncf(format string, args ...interface{}) error {
	return wrapf(ErrDesync, format, args...)
}

// Transient marks err as retryable. Nil stays nil.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientChain) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientChain, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientChain)
}

func wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", kind, fmt.Sprintf(format, args...))
}
