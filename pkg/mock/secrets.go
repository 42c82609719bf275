package mock

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type secretKey struct {
	orderHash common.Hash
	leafIndex int
}

// Secrets is an in-memory secret source, secrets become visible once revealed.
type Secrets struct {
	mu      sync.Mutex
	secrets map[secretKey][]byte

	// FuncSecret overrides the lookup when set.
	FuncSecret func(ctx context.Context, orderHash common.Hash, leafIndex int) ([]byte, error)
}

func NewSecrets() *Secrets {
	return &Secrets{secrets: map[secretKey][]byte{}}
}

func (s *Secrets) Reveal(orderHash common.Hash, leafIndex int, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secretKey{orderHash, leafIndex}] = secret
}

func (s *Secrets) Secret(ctx context.Context, orderHash common.Hash, leafIndex int) ([]byte, error) {
	if s.FuncSecret != nil {
		return s.FuncSecret(ctx, orderHash, leafIndex)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets[secretKey{orderHash, leafIndex}], nil
}
