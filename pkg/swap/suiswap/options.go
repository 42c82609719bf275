package suiswap

import (
	"fmt"

	"github.com/catalogfi/resolver/pkg/chain"
)

// ClockID is the shared clock object of every Sui network.
const ClockID = "0x6"

const SuiCoinType = "0x2::sui::SUI"

type Options struct {
	Chain chain.Chain

	// PackageID is the package publishing the escrow_factory module, FactoryID the shared factory object.
	PackageID string
	FactoryID string

	// CoinTypes maps a token address to the Move type of its coin.
	CoinTypes map[chain.Address]string

	GasBudget uint64

	// LookBackPages bounds how many pages of creation events are searched for an escrow, newest first.
	LookBackPages int
}

func NewOptions(c chain.Chain, packageID, factoryID string) Options {
	if !c.IsSui() {
		panic(fmt.Sprintf("not a sui chain = %v", c))
	}
	return Options{
		Chain:     c,
		PackageID: packageID,
		FactoryID: factoryID,
		CoinTypes: map[chain.Address]string{},
		GasBudget:     50_000_000,
		LookBackPages: 20,
	}
}

func OptionsTestnet(packageID, factoryID string) Options {
	return NewOptions(chain.SuiTestnet, packageID, factoryID)
}

func OptionsLocalnet(packageID, factoryID string) Options {
	return NewOptions(chain.SuiLocalnet, packageID, factoryID)
}

// WithCoinType registers the coin type of a token, the coin type itself is `<token>::<module>::<NAME>`.
func (opts Options) WithCoinType(token chain.Address, coinType string) Options {
	coinTypes := make(map[chain.Address]string, len(opts.CoinTypes)+1)
	for k, v := range opts.CoinTypes {
		coinTypes[k] = v
	}
	coinTypes[token] = coinType
	opts.CoinTypes = coinTypes
	return opts
}

func (opts Options) WithGasBudget(budget uint64) Options {
	opts.GasBudget = budget
	return opts
}

func (opts Options) WithLookBackPages(pages int) Options {
	opts.LookBackPages = pages
	return opts
}

func (opts Options) coinType(token chain.Address) (string, error) {
	coinType, ok := opts.CoinTypes[token]
	if !ok {
		return "", fmt.Errorf("no coin type for token %v", token)
	}
	return coinType, nil
}
