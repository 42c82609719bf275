package chain

import (
	"fmt"
	"math/big"
)

// Family groups chains sharing an address format and transaction encoding.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyEVM
	FamilySui
)

func (f Family) String() string {
	switch f {
	case FamilyEVM:
		return "evm"
	case FamilySui:
		return "sui"
	default:
		return "unknown"
	}
}

// Chain is a network a swap side can live on.
type Chain string

const (
	Ethereum         Chain = "ethereum"
	EthereumSepolia  Chain = "ethereum_sepolia"
	EthereumLocalnet Chain = "ethereum_localnet"
	Sui              Chain = "sui"
	SuiTestnet       Chain = "sui_testnet"
	SuiLocalnet      Chain = "sui_localnet"
)

var chainIDs = map[Chain]int64{
	Ethereum:         1,
	EthereumSepolia:  11155111,
	EthereumLocalnet: 1337,
	Sui:              101,
	SuiTestnet:       102,
	SuiLocalnet:      103,
}

func ParseChain(name string) (Chain, error) {
	c := Chain(name)
	if _, ok := chainIDs[c]; !ok {
		return "", fmt.Errorf("unknown chain = %v", name)
	}
	return c, nil
}

// FromID returns the chain with the given numeric id.
func FromID(id uint64) (Chain, error) {
	for c, cid := range chainIDs {
		if uint64(cid) == id {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown chain id = %v", id)
}

func (c Chain) Family() Family {
	switch c {
	case Ethereum, EthereumSepolia, EthereumLocalnet:
		return FamilyEVM
	case Sui, SuiTestnet, SuiLocalnet:
		return FamilySui
	default:
		return FamilyUnknown
	}
}

func (c Chain) IsEVM() bool {
	return c.Family() == FamilyEVM
}

func (c Chain) IsSui() bool {
	return c.Family() == FamilySui
}

// ID is the numeric chain id used to scope order hashes. Sui has no native numeric id, so the Sui networks use ids
// outside the range of registered EVM chains.
func (c Chain) ID() *big.Int {
	id, ok := chainIDs[c]
	if !ok {
		return big.NewInt(0)
	}
	return big.NewInt(id)
}

func (c Chain) String() string {
	return string(c)
}

// ParseAddress parses an address in the format of the chain family.
func (c Chain) ParseAddress(address string) (Address, error) {
	return ParseAddress(c.Family(), address)
}

func ValidateAddress(c Chain, address string) error {
	_, err := c.ParseAddress(address)
	return err
}
