package order

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
)

// orderJSON keeps amounts as decimal strings so they survive javascript clients.
type orderJSON struct {
	Salt               string             `json:"salt"`
	Nonce              uint64             `json:"nonce"`
	Maker              chain.Address      `json:"maker"`
	Receiver           chain.Address      `json:"receiver"`
	MakerAsset         chain.Address      `json:"makerAsset"`
	TakerAsset         chain.Address      `json:"takerAsset"`
	MakingAmount       string             `json:"makingAmount"`
	TakingAmount       string             `json:"takingAmount"`
	SrcChain           chain.Chain        `json:"srcChain"`
	DstChain           chain.Chain        `json:"dstChain"`
	SrcChainID         uint64             `json:"srcChainId"`
	DstChainID         uint64             `json:"dstChainId"`
	AllowPartialFills  bool               `json:"allowPartialFills"`
	AllowMultipleFills bool               `json:"allowMultipleFills"`
	HashLock           hashlock.HashLock  `json:"hashLock"`
	TimeLocks          timelock.TimeLocks `json:"timeLocks"`
	SrcSafetyDeposit   string             `json:"srcSafetyDeposit"`
	DstSafetyDeposit   string             `json:"dstSafetyDeposit"`
	ResolverWhitelist  []chain.Address    `json:"resolverWhitelist,omitempty"`
}

func (order Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderJSON{
		Salt:               bigString(order.Salt),
		Nonce:              order.Nonce,
		Maker:              order.Maker,
		Receiver:           order.Receiver,
		MakerAsset:         order.MakerAsset,
		TakerAsset:         order.TakerAsset,
		MakingAmount:       bigString(order.MakingAmount),
		TakingAmount:       bigString(order.TakingAmount),
		SrcChain:           order.SrcChain,
		DstChain:           order.DstChain,
		SrcChainID:         order.SrcChain.ID().Uint64(),
		DstChainID:         order.DstChain.ID().Uint64(),
		AllowPartialFills:  order.AllowPartialFills,
		AllowMultipleFills: order.AllowMultipleFills,
		HashLock:           order.HashLock,
		TimeLocks:          order.TimeLocks,
		SrcSafetyDeposit:   bigString(order.SrcSafetyDeposit),
		DstSafetyDeposit:   bigString(order.DstSafetyDeposit),
		ResolverWhitelist:  order.ResolverWhitelist,
	})
}

// UnmarshalJSON decodes and validates an order. Chains can be given by name or by id.
func (order *Order) UnmarshalJSON(data []byte) error {
	var v orderJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	srcChain, err := pickChain(v.SrcChain, v.SrcChainID)
	if err != nil {
		return err
	}
	dstChain, err := pickChain(v.DstChain, v.DstChainID)
	if err != nil {
		return err
	}

	decoded := Order{
		Nonce:              v.Nonce,
		Maker:              v.Maker,
		Receiver:           v.Receiver,
		MakerAsset:         v.MakerAsset,
		TakerAsset:         v.TakerAsset,
		SrcChain:           srcChain,
		DstChain:           dstChain,
		AllowPartialFills:  v.AllowPartialFills,
		AllowMultipleFills: v.AllowMultipleFills,
		HashLock:           v.HashLock,
		TimeLocks:          v.TimeLocks,
		ResolverWhitelist:  v.ResolverWhitelist,
	}

	for _, field := range []struct {
		dst **big.Int
		val string
	}{
		{&decoded.Salt, v.Salt},
		{&decoded.MakingAmount, v.MakingAmount},
		{&decoded.TakingAmount, v.TakingAmount},
		{&decoded.SrcSafetyDeposit, v.SrcSafetyDeposit},
		{&decoded.DstSafetyDeposit, v.DstSafetyDeposit},
	} {
		n, ok := new(big.Int).SetString(field.val, 10)
		if !ok {
			return fmt.Errorf("invalid integer %q", field.val)
		}
		*field.dst = n
	}

	if err := decoded.Validate(); err != nil {
		return err
	}
	*order = decoded
	return nil
}

func pickChain(name chain.Chain, id uint64) (chain.Chain, error) {
	if name != "" {
		return chain.ParseChain(string(name))
	}
	return chain.FromID(id)
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
