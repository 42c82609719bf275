package suiswap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/ethereum/go-ethereum/rpc"
)

// Abort codes of the escrow_factory module.
const (
	AbortInvalidCaller       = 1
	AbortInvalidSecret       = 2
	AbortInvalidTime         = 3
	AbortInvalidImmutables   = 4
	AbortAlreadySettled      = 5
	AbortInsufficientBalance = 6
	AbortBadSignature        = 7
	AbortInvalidProof        = 8
	AbortOrderExhausted      = 9
	AbortNotWhitelisted      = 10
)

var abortKinds = map[uint64]error{
	AbortInvalidCaller:       swap.ErrFillRejected,
	AbortInvalidSecret:       swap.ErrProofVerification,
	AbortInvalidTime:         swap.ErrTimeWindow,
	AbortInvalidImmutables:   swap.ErrDesync,
	AbortAlreadySettled:      swap.ErrDesync,
	AbortInsufficientBalance: swap.ErrFillRejected,
	AbortBadSignature:        swap.ErrValidation,
	AbortInvalidProof:        swap.ErrProofVerification,
	AbortOrderExhausted:      swap.ErrFillExhausted,
	AbortNotWhitelisted:      swap.ErrFillRejected,
}

var abortPattern = regexp.MustCompile(`MoveAbort\(.*,\s*(\d+)\)\s*in command`)

// abortError maps the failure status of an executed transaction to the swap error kinds.
func abortError(status ExecutionStatus) error {
	if match := abortPattern.FindStringSubmatch(status.Error); match != nil {
		code, err := strconv.ParseUint(match[1], 10, 64)
		if err == nil {
			if kind, ok := abortKinds[code]; ok {
				return fmt.Errorf("%w: move abort %v", kind, code)
			}
		}
	}
	return swap.FillRejectedf("transaction failed: %v", status.Error)
}

// classify wraps the error of a node call. Json-rpc errors returned by the node mean the request was refused, any
// other failure is a transport problem and can be retried.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if match := abortPattern.FindStringSubmatch(rpcErr.Error()); match != nil {
			return abortError(ExecutionStatus{Status: "failure", Error: rpcErr.Error()})
		}
		return swap.FillRejectedf("node refused the request: %v", err)
	}
	return swap.Transient(err)
}
