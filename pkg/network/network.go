// Package network describes the two chains a resolver settles swaps on and connects the escrow ledgers of both.
package network

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/chain/suikey"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/ethswap"
	"github.com/catalogfi/resolver/pkg/swap/suiswap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

type EVMConfig struct {
	Chain    chain.Chain `json:"chain"`
	URL      string      `json:"url"`
	Resolver string      `json:"resolver"`
	Factory  string      `json:"factory"`
	LogStep  uint64      `json:"logStep,omitempty"`
}

type SuiConfig struct {
	Chain     chain.Chain       `json:"chain"`
	URL       string            `json:"url"`
	PackageID string            `json:"packageId"`
	FactoryID string            `json:"factoryId"`
	CoinTypes map[string]string `json:"coinTypes,omitempty"`
	GasBudget uint64            `json:"gasBudget,omitempty"`
}

type Config struct {
	Ethereum EVMConfig `json:"ethereum"`
	Sui      SuiConfig `json:"sui"`
}

// Chains returns the EVM and the Sui chain of a named network.
func Chains(network string) (chain.Chain, chain.Chain, error) {
	switch network {
	case "mainnet":
		return chain.Ethereum, chain.Sui, nil
	case "testnet":
		return chain.EthereumSepolia, chain.SuiTestnet, nil
	case "localnet":
		return chain.EthereumLocalnet, chain.SuiLocalnet, nil
	default:
		return "", "", fmt.Errorf("unknown network = %v", network)
	}
}

// New returns an empty config of the named network.
func New(network string) (Config, error) {
	evm, sui, err := Chains(network)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Ethereum: EVMConfig{Chain: evm},
		Sui:      SuiConfig{Chain: sui, CoinTypes: map[string]string{}},
	}, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("invalid config %v: %w", path, err)
	}
	return config, nil
}

func (config Config) Save(path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (config Config) Validate() error {
	if _, err := config.Ethereum.Options(); err != nil {
		return err
	}
	_, err := config.Sui.Options()
	return err
}

func (config EVMConfig) Options() (ethswap.Options, error) {
	if !config.Chain.IsEVM() {
		return ethswap.Options{}, fmt.Errorf("not an evm chain = %v", config.Chain)
	}
	if !common.IsHexAddress(config.Resolver) || !common.IsHexAddress(config.Factory) {
		return ethswap.Options{}, fmt.Errorf("invalid contracts of %v, resolver = %q, factory = %q", config.Chain, config.Resolver, config.Factory)
	}
	opts := ethswap.NewOptions(config.Chain, common.HexToAddress(config.Resolver), common.HexToAddress(config.Factory))
	if config.LogStep > 0 {
		opts = opts.WithLogStep(config.LogStep)
	}
	return opts, nil
}

func (config SuiConfig) Options() (suiswap.Options, error) {
	if !config.Chain.IsSui() {
		return suiswap.Options{}, fmt.Errorf("not a sui chain = %v", config.Chain)
	}
	if config.PackageID == "" || config.FactoryID == "" {
		return suiswap.Options{}, fmt.Errorf("missing escrow factory of %v", config.Chain)
	}
	opts := suiswap.NewOptions(config.Chain, config.PackageID, config.FactoryID)
	for token, coinType := range config.CoinTypes {
		addr, err := chain.ParseAddress(chain.FamilySui, token)
		if err != nil {
			return suiswap.Options{}, fmt.Errorf("invalid coin type token: %w", err)
		}
		opts = opts.WithCoinType(addr, coinType)
	}
	if config.GasBudget > 0 {
		opts = opts.WithGasBudget(config.GasBudget)
	}
	return opts, nil
}

// Ledgers are the connected escrow ledgers of both chains.
type Ledgers struct {
	EVM *ethswap.Ledger
	Sui *suiswap.Ledger

	evmClient *ethclient.Client
	suiClient *rpc.Client
}

// Dial connects to both chains, evmKey owns the resolver contract and suiKey the coins on Sui.
func Dial(ctx context.Context, config Config, evmKey *ecdsa.PrivateKey, suiKey *suikey.Key) (*Ledgers, error) {
	evmOpts, err := config.Ethereum.Options()
	if err != nil {
		return nil, err
	}
	suiOpts, err := config.Sui.Options()
	if err != nil {
		return nil, err
	}
	if evmKey == nil || suiKey == nil {
		return nil, errors.New("missing key")
	}

	evmClient, err := ethclient.DialContext(ctx, config.Ethereum.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %v: %w", config.Ethereum.Chain, err)
	}
	evm, err := ethswap.NewLedger(ctx, evmOpts, evmKey, evmClient)
	if err != nil {
		evmClient.Close()
		return nil, err
	}

	suiClient, err := rpc.DialContext(ctx, config.Sui.URL)
	if err != nil {
		evmClient.Close()
		return nil, fmt.Errorf("dial %v: %w", config.Sui.Chain, err)
	}
	sui, err := suiswap.NewLedger(suiOpts, suiKey, suiClient)
	if err != nil {
		evmClient.Close()
		suiClient.Close()
		return nil, err
	}
	return &Ledgers{EVM: evm, Sui: sui, evmClient: evmClient, suiClient: suiClient}, nil
}

func (ledgers *Ledgers) All() []escrow.Ledger {
	return []escrow.Ledger{ledgers.EVM, ledgers.Sui}
}

// For returns the ledger of the chain.
func (ledgers *Ledgers) For(c chain.Chain) (escrow.Ledger, error) {
	for _, ledger := range ledgers.All() {
		if ledger.Chain() == c {
			return ledger, nil
		}
	}
	return nil, fmt.Errorf("no ledger for %v", c)
}

func (ledgers *Ledgers) Close() {
	if ledgers.evmClient != nil {
		ledgers.evmClient.Close()
	}
	if ledgers.suiClient != nil {
		ledgers.suiClient.Close()
	}
}
