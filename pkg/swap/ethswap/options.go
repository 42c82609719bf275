package ethswap

import (
	"fmt"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/ethereum/go-ethereum/common"
)

type Options struct {
	Chain        chain.Chain
	ResolverAddr common.Address
	FactoryAddr  common.Address

	// LogStep is the block range of a single log query.
	LogStep uint64

	// LookBack is how many blocks are searched for the creation of an escrow we have not deployed ourselves.
	LookBack uint64
}

func NewOptions(c chain.Chain, resolverAddr, factoryAddr common.Address) Options {
	if !c.IsEVM() {
		panic(fmt.Sprintf("not a evm chain = %v", c))
	}
	return Options{
		Chain:        c,
		ResolverAddr: resolverAddr,
		FactoryAddr:  factoryAddr,
		LogStep:      5000,
		LookBack:     50000,
	}
}

func OptionsMainnet(resolverAddr, factoryAddr common.Address) Options {
	return NewOptions(chain.Ethereum, resolverAddr, factoryAddr)
}

func OptionsLocalnet(resolverAddr, factoryAddr common.Address) Options {
	return NewOptions(chain.EthereumLocalnet, resolverAddr, factoryAddr).WithLogStep(100)
}

func (opts Options) WithChain(c chain.Chain) Options {
	opts.Chain = c
	return opts
}

func (opts Options) WithResolverAddr(addr common.Address) Options {
	opts.ResolverAddr = addr
	return opts
}

func (opts Options) WithFactoryAddr(addr common.Address) Options {
	opts.FactoryAddr = addr
	return opts
}

func (opts Options) WithLogStep(step uint64) Options {
	opts.LogStep = step
	return opts
}

func (opts Options) WithLookBack(blocks uint64) Options {
	opts.LookBack = blocks
	return opts
}
