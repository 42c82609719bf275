package rpc

import (
	"time"

	"github.com/catalogfi/resolver/pkg/resolver/orchestrator"
	"github.com/catalogfi/resolver/pkg/store"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type RequestSubmitOrder struct {
	Order        order.Order   `json:"order"`
	Signature    string        `json:"signature"`
	SecretHashes []common.Hash `json:"secretHashes"`
}

type ResponseSubmitOrder struct {
	OrderHash common.Hash `json:"orderHash"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

type RequestRevealSecret struct {
	OrderHash common.Hash   `json:"orderHash"`
	LeafIndex int           `json:"leafIndex"`
	Secret    hexutil.Bytes `json:"secret"`
}

type RequestGetOrder struct {
	OrderHash common.Hash `json:"orderHash"`
}

type RequestListOrders struct {
	Maker  string `json:"maker,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// OrderInfo is an order of the book with its progress.
type OrderInfo struct {
	OrderHash    common.Hash         `json:"orderHash"`
	Order        order.Order         `json:"order"`
	Signature    string              `json:"signature"`
	SecretHashes []common.Hash       `json:"secretHashes"`
	Status       string              `json:"status"`
	Collected    string              `json:"collected"`
	Error        string              `json:"error,omitempty"`
	ExpiresAt    time.Time           `json:"expiresAt"`
	Swaps        []orchestrator.Swap `json:"swaps,omitempty"`
}

func newOrderInfo(model store.Order) (OrderInfo, error) {
	o, err := model.Decode()
	if err != nil {
		return OrderInfo{}, err
	}
	return OrderInfo{
		OrderHash:    common.HexToHash(model.OrderHash),
		Order:        o,
		Signature:    model.Signature,
		SecretHashes: model.Hashes(),
		Status:       model.Status.String(),
		Collected:    model.Collected,
		Error:        model.Error,
		ExpiresAt:    model.ExpiresAt,
	}, nil
}
