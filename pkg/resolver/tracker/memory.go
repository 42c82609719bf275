package tracker

import (
	"context"
	"math/big"
	"sync"

	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/ethereum/go-ethereum/common"
)

type fills struct {
	mu     sync.Mutex
	filled *big.Int
	leaves map[int]*big.Int
}

// Memory is a Tracker for a single resolver process. Each order has its own lock, fills of different orders never
// contend.
type Memory struct {
	mu     sync.Mutex
	orders map[common.Hash]*fills
}

func NewMemory() *Memory {
	return &Memory{orders: map[common.Hash]*fills{}}
}

func (m *Memory) get(orderHash common.Hash) *fills {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.orders[orderHash]
	if !ok {
		f = &fills{filled: new(big.Int), leaves: map[int]*big.Int{}}
		m.orders[orderHash] = f
	}
	return f
}

func (m *Memory) Reserve(ctx context.Context, limits order.Limits, leafIndex int, amount *big.Int) error {
	f := m.get(limits.OrderHash)
	f.mu.Lock()
	defer f.mu.Unlock()

	used := func(i int) bool {
		_, ok := f.leaves[i]
		return ok
	}
	if err := check(limits, f.filled, used, len(f.leaves), leafIndex, amount); err != nil {
		return err
	}
	f.filled.Add(f.filled, amount)
	f.leaves[leafIndex] = new(big.Int).Set(amount)
	return nil
}

func (m *Memory) Release(ctx context.Context, orderHash common.Hash, leafIndex int, amount *big.Int) error {
	f := m.get(orderHash)
	f.mu.Lock()
	defer f.mu.Unlock()

	reserved, ok := f.leaves[leafIndex]
	if !ok || reserved.Cmp(amount) != 0 {
		return nil
	}
	delete(f.leaves, leafIndex)
	f.filled.Sub(f.filled, amount)
	return nil
}

func (m *Memory) Filled(ctx context.Context, orderHash common.Hash) (*big.Int, error) {
	f := m.get(orderHash)
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.filled), nil
}
