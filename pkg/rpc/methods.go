package rpc

import (
	"context"
	"encoding/json"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/store"
	"github.com/catalogfi/resolver/pkg/swap"
)

// Methods returns the order book methods.
func Methods(storage store.Store) []Method {
	return []Method{
		submitOrder{storage},
		revealSecret{storage},
		getOrder{storage},
		listOrders{storage},
	}
}

func decodeParams(params json.RawMessage, req interface{}) error {
	if len(params) == 0 {
		return swap.Validationf("missing params")
	}
	if err := json.Unmarshal(params, req); err != nil {
		return swap.Validationf("%v", err)
	}
	return nil
}

type submitOrder struct {
	storage store.Store
}

func (method submitOrder) Name() string {
	return "submitOrder"
}

func (method submitOrder) Query(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req RequestSubmitOrder
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := req.Order.VerifySignature(req.Signature); err != nil {
		return nil, err
	}
	model, err := method.storage.PutOrder(req.Order, req.Signature, req.SecretHashes)
	if err != nil {
		return nil, err
	}
	info, err := newOrderInfo(model)
	if err != nil {
		return nil, err
	}
	return ResponseSubmitOrder{OrderHash: info.OrderHash, ExpiresAt: info.ExpiresAt}, nil
}

type revealSecret struct {
	storage store.Store
}

func (method revealSecret) Name() string {
	return "revealSecret"
}

func (method revealSecret) Query(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req RequestRevealSecret
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := method.storage.PutSecret(req.OrderHash, req.LeafIndex, req.Secret); err != nil {
		return nil, err
	}
	return true, nil
}

type getOrder struct {
	storage store.Store
}

func (method getOrder) Name() string {
	return "getOrder"
}

func (method getOrder) Query(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req RequestGetOrder
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	model, err := method.storage.Order(req.OrderHash)
	if err != nil {
		return nil, err
	}
	info, err := newOrderInfo(model)
	if err != nil {
		return nil, err
	}
	if info.Swaps, err = method.storage.Swaps(req.OrderHash); err != nil {
		return nil, err
	}
	return info, nil
}

type listOrders struct {
	storage store.Store
}

func (method listOrders) Name() string {
	return "listOrders"
}

func (method listOrders) Query(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req RequestListOrders
	if len(params) != 0 {
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
	}
	filter := store.OrderFilter{Limit: req.Limit}
	if req.Maker != "" {
		maker, err := chain.ParseAnyAddress(req.Maker)
		if err != nil {
			return nil, swap.Validationf("%v", err)
		}
		filter.Maker = maker.String()
	}
	if req.Status != "" {
		status, err := store.ParseOrderStatus(req.Status)
		if err != nil {
			return nil, swap.Validationf("%v", err)
		}
		filter.Status = &status
	}
	models, err := method.storage.Orders(filter)
	if err != nil {
		return nil, err
	}
	infos := make([]OrderInfo, 0, len(models))
	for _, model := range models {
		info, err := newOrderInfo(model)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
