package order

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
)

// MaxNonce bounds the nonce packed into the 40 bits slot of the maker traits.
const MaxNonce = 1<<40 - 1

// Order is a cross-chain swap order. It is immutable once signed by the maker.
type Order struct {
	Salt  *big.Int
	Nonce uint64

	Maker chain.Address

	// Receiver gets the taker asset on the destination chain.
	Receiver chain.Address

	MakerAsset   chain.Address
	TakerAsset   chain.Address
	MakingAmount *big.Int
	TakingAmount *big.Int

	SrcChain chain.Chain
	DstChain chain.Chain

	AllowPartialFills  bool
	AllowMultipleFills bool

	HashLock  hashlock.HashLock
	TimeLocks timelock.TimeLocks

	SrcSafetyDeposit *big.Int
	DstSafetyDeposit *big.Int

	// ResolverWhitelist lists the resolvers allowed to fill on the source chain, empty allows anyone.
	ResolverWhitelist []chain.Address
}

// Params are the maker inputs of an order. Salt and Nonce are randomly generated when not set, Receiver defaults to
// the maker when both chains share an address family.
type Params struct {
	Salt               *big.Int
	Nonce              *uint64
	Maker              chain.Address
	Receiver           chain.Address
	MakerAsset         chain.Address
	TakerAsset         chain.Address
	MakingAmount       *big.Int
	TakingAmount       *big.Int
	SrcChain           chain.Chain
	DstChain           chain.Chain
	AllowPartialFills  bool
	AllowMultipleFills bool
	HashLock           hashlock.HashLock
	TimeLocks          timelock.TimeLocks
	SrcSafetyDeposit   *big.Int
	DstSafetyDeposit   *big.Int
	ResolverWhitelist  []chain.Address
}

func Build(params Params) (Order, error) {
	order := Order{
		Salt:               params.Salt,
		Maker:              params.Maker,
		Receiver:           params.Receiver,
		MakerAsset:         params.MakerAsset,
		TakerAsset:         params.TakerAsset,
		MakingAmount:       params.MakingAmount,
		TakingAmount:       params.TakingAmount,
		SrcChain:           params.SrcChain,
		DstChain:           params.DstChain,
		AllowPartialFills:  params.AllowPartialFills,
		AllowMultipleFills: params.AllowMultipleFills,
		HashLock:           params.HashLock,
		TimeLocks:          params.TimeLocks,
		SrcSafetyDeposit:   params.SrcSafetyDeposit,
		DstSafetyDeposit:   params.DstSafetyDeposit,
		ResolverWhitelist:  params.ResolverWhitelist,
	}
	if order.Receiver.IsZero() && params.SrcChain.Family() == params.DstChain.Family() {
		order.Receiver = params.Maker
	}
	if order.SrcSafetyDeposit == nil {
		order.SrcSafetyDeposit = new(big.Int)
	}
	if order.DstSafetyDeposit == nil {
		order.DstSafetyDeposit = new(big.Int)
	}

	var err error
	if order.Salt == nil {
		if order.Salt, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 96)); err != nil {
			return Order{}, err
		}
	}
	if params.Nonce != nil {
		order.Nonce = *params.Nonce
	} else {
		nonce, err := rand.Int(rand.Reader, big.NewInt(MaxNonce))
		if err != nil {
			return Order{}, err
		}
		order.Nonce = nonce.Uint64()
	}

	if err := order.Validate(); err != nil {
		return Order{}, err
	}
	return order, nil
}

// Validate checks the order is well-formed. It returns an error wrapping swap.ErrValidation.
func (order Order) Validate() error {
	if order.MakingAmount == nil || order.MakingAmount.Sign() <= 0 {
		return swap.Validationf("making amount must be positive")
	}
	if order.TakingAmount == nil || order.TakingAmount.Sign() <= 0 {
		return swap.Validationf("taking amount must be positive")
	}
	if order.SrcChain.Family() == chain.FamilyUnknown {
		return swap.Validationf("unknown source chain %q", order.SrcChain)
	}
	if order.DstChain.Family() == chain.FamilyUnknown {
		return swap.Validationf("unknown destination chain %q", order.DstChain)
	}
	if order.SrcChain == order.DstChain {
		return swap.Validationf("source and destination chain are both %v", order.SrcChain)
	}

	srcFamily, dstFamily := order.SrcChain.Family(), order.DstChain.Family()
	for _, field := range []struct {
		name   string
		addr   chain.Address
		family chain.Family
	}{
		{"maker", order.Maker, srcFamily},
		{"maker asset", order.MakerAsset, srcFamily},
		{"receiver", order.Receiver, dstFamily},
		{"taker asset", order.TakerAsset, dstFamily},
	} {
		if field.addr.Family() != field.family {
			return swap.Validationf("%v %v is not a %v address", field.name, field.addr, field.family)
		}
	}
	if order.Maker.IsZero() || order.Receiver.IsZero() {
		return swap.Validationf("maker and receiver cannot be the zero address")
	}
	for _, resolver := range order.ResolverWhitelist {
		if resolver.Family() != srcFamily {
			return swap.Validationf("whitelisted resolver %v is not a %v address", resolver, srcFamily)
		}
	}

	if err := order.HashLock.Validate(); err != nil {
		return err
	}
	if order.AllowMultipleFills != order.HashLock.IsMultiple() {
		return swap.Validationf("multiple fills (%v) must be paired with a multiple hash-lock (%v)", order.AllowMultipleFills, order.HashLock.Kind)
	}
	if order.AllowMultipleFills && !order.AllowPartialFills {
		return swap.Validationf("multiple fills require partial fills")
	}
	if err := order.TimeLocks.Validate(); err != nil {
		return err
	}

	if order.Salt == nil || order.Salt.Sign() < 0 || order.Salt.BitLen() > 96 {
		return swap.Validationf("salt must be a 96 bits unsigned integer")
	}
	if order.Nonce > MaxNonce {
		return swap.Validationf("nonce %v exceeds 40 bits", order.Nonce)
	}
	if order.MakingAmount.BitLen() > 256 || order.TakingAmount.BitLen() > 256 {
		return swap.Validationf("amounts must fit in 256 bits")
	}
	for _, deposit := range []*big.Int{order.SrcSafetyDeposit, order.DstSafetyDeposit} {
		if deposit == nil || deposit.Sign() < 0 {
			return swap.Validationf("safety deposits must be set and not negative")
		}
		if deposit.BitLen() > 128 {
			return swap.Validationf("safety deposit %v exceeds 128 bits", deposit)
		}
	}
	return nil
}

// IsWhitelisted tells if the resolver is allowed to fill the order.
func (order Order) IsWhitelisted(resolver chain.Address) bool {
	if len(order.ResolverWhitelist) == 0 {
		return true
	}
	for _, addr := range order.ResolverWhitelist {
		if addr.Equal(resolver) {
			return true
		}
	}
	return false
}

// TakingAmountFor scales a fill of the making amount to the taker asset, rounding up in favour of the maker.
func (order Order) TakingAmountFor(fillAmount *big.Int) *big.Int {
	num := new(big.Int).Mul(order.TakingAmount, fillAmount)
	num.Add(num, order.MakingAmount)
	num.Sub(num, big.NewInt(1))
	return num.Quo(num, order.MakingAmount)
}

// Limits is what the fill tracker needs to know about an order.
type Limits struct {
	OrderHash          common.Hash
	MakingAmount       *big.Int
	AllowPartialFills  bool
	AllowMultipleFills bool
	Leaves             int
}

func (order Order) Limits() (Limits, error) {
	hash, err := order.Hash()
	if err != nil {
		return Limits{}, err
	}
	return Limits{
		OrderHash:          hash,
		MakingAmount:       new(big.Int).Set(order.MakingAmount),
		AllowPartialFills:  order.AllowPartialFills,
		AllowMultipleFills: order.AllowMultipleFills,
		Leaves:             order.HashLock.Leaves,
	}, nil
}

func (order Order) String() string {
	return fmt.Sprintf("%v %v:%v -> %v %v:%v", order.MakingAmount, order.SrcChain, order.MakerAsset, order.TakingAmount, order.DstChain, order.TakerAsset)
}
