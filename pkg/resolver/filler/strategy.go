package filler

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/order"
)

// Strategies is a list of strategy for different order pairs.
type Strategies []Strategy

// Strategy defines the criteria of whether an order should be filled by the Filler. It is basing on the order pair, and
// each order pair will have its own strategy.
type Strategy struct {
	OrderPair string   `json:"orderPair"`
	Makers    []string `json:"makers"`    // whitelisted makers, nil means allowing any address
	MinAmount *big.Int `json:"minAmount"` // minimum making amount, nil means no minimum requirement
	MaxAmount *big.Int `json:"maxAmount"` // maximum amount of a single fill, nil means no maximum requirement
	Fee       int      `json:"fee"`       // fee in basic point (0.01%)
}

// NewStrategy returns a new strategy after validating the order pair and the makers.
func NewStrategy(orderPair string, makers []string, minAmount *big.Int, maxAmount *big.Int, fee int) (Strategy, error) {
	srcChain, _, _, _, err := ParseOrderPair(orderPair)
	if err != nil {
		return Strategy{}, err
	}
	for _, maker := range makers {
		if err := chain.ValidateAddress(srcChain, maker); err != nil {
			return Strategy{}, err
		}
	}
	if fee < 0 || fee >= 10000 {
		return Strategy{}, fmt.Errorf("invalid fee %v", fee)
	}
	return Strategy{
		OrderPair: orderPair,
		Makers:    makers,
		MinAmount: minAmount,
		MaxAmount: maxAmount,
		Fee:       fee,
	}, nil
}

// ParseOrderPair splits an order pair of the form `srcChain:makerAsset-dstChain:takerAsset`.
func ParseOrderPair(orderPair string) (chain.Chain, chain.Address, chain.Chain, chain.Address, error) {
	src, dst, ok := strings.Cut(orderPair, "-")
	if !ok {
		return "", chain.Address{}, "", chain.Address{}, fmt.Errorf("invalid order pair %q", orderPair)
	}
	srcChain, srcAsset, err := parseChainAsset(src)
	if err != nil {
		return "", chain.Address{}, "", chain.Address{}, err
	}
	dstChain, dstAsset, err := parseChainAsset(dst)
	if err != nil {
		return "", chain.Address{}, "", chain.Address{}, err
	}
	return srcChain, srcAsset, dstChain, dstAsset, nil
}

func OrderPair(o order.Order) string {
	return fmt.Sprintf("%v:%v-%v:%v", o.SrcChain, o.MakerAsset, o.DstChain, o.TakerAsset)
}

func parseChainAsset(s string) (chain.Chain, chain.Address, error) {
	name, asset, ok := strings.Cut(s, ":")
	if !ok {
		return "", chain.Address{}, fmt.Errorf("invalid chain asset %q", s)
	}
	c, err := chain.ParseChain(name)
	if err != nil {
		return "", chain.Address{}, err
	}
	addr, err := c.ParseAddress(asset)
	if err != nil {
		return "", chain.Address{}, err
	}
	return c, addr, nil
}

// Price when considering fees. price = 1 / (1-fee)
func (strategy Strategy) Price() float64 {
	return float64(10000) / float64(10000-strategy.Fee)
}

// Match checks if the given order matches our strategy. It also gives an error to indicate the unmatched reason.
func (strategy Strategy) Match(o order.Order) (bool, error) {
	// Check the order pair
	srcChain, srcAsset, dstChain, dstAsset, err := ParseOrderPair(strategy.OrderPair)
	if err != nil {
		return false, err
	}
	if o.SrcChain != srcChain || o.DstChain != dstChain || !o.MakerAsset.Equal(srcAsset) || !o.TakerAsset.Equal(dstAsset) {
		return false, fmt.Errorf("order pair %v does not match %v", OrderPair(o), strategy.OrderPair)
	}

	// Check price, making / taking >= 1 / (1-fee)
	lhs := new(big.Int).Mul(o.MakingAmount, big.NewInt(int64(10000-strategy.Fee)))
	rhs := new(big.Int).Mul(o.TakingAmount, big.NewInt(10000))
	if lhs.Cmp(rhs) < 0 {
		return false, fmt.Errorf("price too low, %v/%v < %v", o.MakingAmount, o.TakingAmount, strategy.Price())
	}

	// Check if the maker is whitelisted
	if len(strategy.Makers) != 0 {
		hasMaker := false
		for _, maker := range strategy.Makers {
			if strings.EqualFold(maker, o.Maker.String()) {
				hasMaker = true
				break
			}
		}
		if !hasMaker {
			return false, fmt.Errorf("maker [%v] not whitelised", o.Maker)
		}
	}

	// Check if order amount is in the expect range
	if strategy.MinAmount != nil && o.MakingAmount.Cmp(strategy.MinAmount) < 0 {
		return false, fmt.Errorf("amount(%v) lower than minimum(%v)", o.MakingAmount.String(), strategy.MinAmount.String())
	}
	if strategy.MaxAmount != nil && !o.AllowPartialFills && o.MakingAmount.Cmp(strategy.MaxAmount) > 0 {
		return false, fmt.Errorf("amount(%v) greater than maximum(%v)", o.MakingAmount.String(), strategy.MaxAmount.String())
	}
	return true, nil
}

// Fill is the next fill we want to make on an order.
type Fill struct {
	Amount    *big.Int
	LeafIndex int
}

// Plan picks the amount and the secret of the next fill of the order, given the amount already filled.
func (strategy Strategy) Plan(o order.Order, filled *big.Int) (Fill, error) {
	remaining := new(big.Int).Sub(o.MakingAmount, filled)
	if remaining.Sign() <= 0 {
		return Fill{}, fmt.Errorf("%w: order fully filled", swap.ErrFillExhausted)
	}
	if !o.AllowMultipleFills && filled.Sign() > 0 {
		return Fill{}, fmt.Errorf("%w: order allows a single fill", swap.ErrFillExhausted)
	}
	if !o.AllowPartialFills {
		return Fill{Amount: remaining, LeafIndex: 0}, nil
	}

	amount := remaining
	if strategy.MaxAmount != nil && amount.Cmp(strategy.MaxAmount) > 0 {
		amount = new(big.Int).Set(strategy.MaxAmount)
	}
	if !o.AllowMultipleFills {
		return Fill{Amount: amount, LeafIndex: 0}, nil
	}
	return Fill{
		Amount:    amount,
		LeafIndex: hashlock.LeafIndexFor(o.MakingAmount, filled, amount, o.HashLock.Parts()),
	}, nil
}
