package maker

import (
	"context"
	"errors"

	"github.com/catalogfi/resolver/pkg/rpc"
	"github.com/catalogfi/resolver/pkg/store"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/ethereum/go-ethereum/common"
)

// Resolver is the part of the resolver API the maker reveals secrets through.
type Resolver interface {
	GetOrder(orderHash common.Hash) (rpc.OrderInfo, error)
	RevealSecret(orderHash common.Hash, leafIndex int, secret []byte) error
}

// Progress is the result of a reveal round.
type Progress struct {
	Revealed []int
	Refused  map[int]error

	// Done is set once the order is no longer active and no swap waits for a secret.
	Done bool
}

// Reveal discloses the secret of every swap of the order whose destination escrow is ready. Swaps with a destination
// escrow that does not match the order are refused for good, their secret is never revealed.
func Reveal(ctx context.Context, resolver Resolver, book Book, dst escrow.Ledger, orderHash common.Hash) (Progress, error) {
	created, err := book.Load(orderHash)
	if err != nil {
		return Progress{}, err
	}
	if created.Order.DstChain != dst.Chain() {
		return Progress{}, swap.Validationf("order %v settles on %v, not %v", orderHash.Hex(), created.Order.DstChain, dst.Chain())
	}
	info, err := resolver.GetOrder(orderHash)
	if err != nil {
		return Progress{}, err
	}
	disclosed, err := book.Disclosed(orderHash)
	if err != nil {
		return Progress{}, err
	}

	progress := Progress{Refused: map[int]error{}}
	waiting := 0
	for _, s := range info.Swaps {
		if disclosed[s.LeafIndex] || s.State.Terminal() {
			continue
		}
		secret, err := Disclose(ctx, dst, created, s)
		if err != nil {
			switch {
			case errors.Is(err, swap.ErrValidation):
				progress.Refused[s.LeafIndex] = err
				continue
			case errors.Is(err, swap.ErrDesync):
				// The escrow is settled already, there is nothing left to unlock.
				continue
			}
			return progress, err
		}
		if secret == nil {
			waiting++
			continue
		}
		if err := resolver.RevealSecret(orderHash, s.LeafIndex, secret); err != nil {
			return progress, err
		}
		if err := book.MarkDisclosed(orderHash, s.LeafIndex); err != nil {
			return progress, err
		}
		disclosed[s.LeafIndex] = true
		progress.Revealed = append(progress.Revealed, s.LeafIndex)
	}
	progress.Done = info.Status != store.Active.String() && waiting == 0
	return progress, nil
}
