package ethswap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// revertKinds maps the custom errors of the contracts to the swap error kinds.
var revertKinds = map[string]error{
	"BadSignature":              swap.ErrValidation,
	"InvalidCreationTime":       swap.ErrValidation,
	"PrivateOrder":              swap.ErrFillRejected,
	"InvalidCaller":             swap.ErrFillRejected,
	"InvalidPartialFill":        swap.ErrFillRejected,
	"TakingAmountExceeded":      swap.ErrFillRejected,
	"NativeTokenSendingFailure": swap.ErrFillRejected,
	"InvalidatedOrder":          swap.ErrFillExhausted,
	"InvalidSecretsAmount":      swap.ErrProofVerification,
	"InvalidSecretIndex":        swap.ErrProofVerification,
	"InvalidProof":              swap.ErrProofVerification,
	"InvalidSecret":             swap.ErrProofVerification,
	"InvalidTime":               swap.ErrTimeWindow,
	"InvalidImmutables":         swap.ErrDesync,
	"InsufficientEscrowBalance": swap.ErrDesync,
}

var transientReasons = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"insufficient funds for gas",
	"connection refused",
	"timeout",
	"EOF",
}

var revertSelectors = func() map[[4]byte]string {
	selectors := map[[4]byte]string{}
	for name, e := range ResolverABI.Errors {
		selectors[[4]byte(e.ID[:4])] = name
	}
	return selectors
}()

// classify wraps a contract call error with the matching swap error kind. Errors without a revert reason are
// treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if reason, kind, ok := revertReason(err); ok {
		return fmt.Errorf("%w: reverted with %v", kind, reason)
	}
	msg := err.Error()
	for _, reason := range transientReasons {
		if strings.Contains(msg, reason) {
			return swap.Transient(err)
		}
	}
	if strings.Contains(msg, "execution reverted") {
		return fmt.Errorf("%w: %v", swap.ErrFillRejected, err)
	}
	return swap.Transient(err)
}

func revertReason(err error) (string, error, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", nil, false
	}
	var data []byte
	switch v := dataErr.ErrorData().(type) {
	case string:
		decoded, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return "", nil, false
		}
		data = decoded
	case []byte:
		data = v
	default:
		return "", nil, false
	}
	if len(data) < 4 {
		return "", nil, false
	}
	if name, ok := revertSelectors[[4]byte(data[:4])]; ok {
		return name, revertKinds[name], true
	}
	if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
		return reason, swap.ErrFillRejected, true
	}
	return "", nil, false
}
