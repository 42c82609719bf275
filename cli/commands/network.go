package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/catalogfi/resolver/pkg/network"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func Network(env *Env) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "network",
		Short: "Configure the chains and the resolver to use",
		Long: `network init <mainnet|testnet|localnet>
network set <key> <value>

keys: ethereum.url, ethereum.resolver, ethereum.factory, sui.url, sui.package, sui.factory,
sui.coin <token> <coin type>, rpc.server, rpc.username, rpc.password, account, sentry`,
		Args: cobra.MinimumNArgs(2),
		Run: func(c *cobra.Command, args []string) {
			switch strings.ToLower(args[0]) {
			case "init":
				config, err := network.New(args[1])
				if err != nil {
					cobra.CheckErr(fmt.Errorf("failed to parse network (%s): %v", args[1], err))
				}
				env.Config.Network = config
			case "set":
				if len(args) < 3 {
					cobra.CheckErr(fmt.Errorf("missing value of %v", args[1]))
				}
				cobra.CheckErr(set(&env.Config, args[1], args[2:]))
			default:
				cobra.CheckErr(fmt.Errorf("unsupported command %s", args[0]))
			}

			if err := env.Config.Save(env.ConfigPath); err != nil {
				cobra.CheckErr(fmt.Errorf("unable to write config file: %w", err))
			}
			color.Green("config saved to %v", env.ConfigPath)
		},
	}
	return cmd
}

func set(config *Config, key string, values []string) error {
	value := values[0]
	switch key {
	case "ethereum.url":
		config.Network.Ethereum.URL = value
	case "ethereum.resolver":
		config.Network.Ethereum.Resolver = value
	case "ethereum.factory":
		config.Network.Ethereum.Factory = value
	case "sui.url":
		config.Network.Sui.URL = value
	case "sui.package":
		config.Network.Sui.PackageID = value
	case "sui.factory":
		config.Network.Sui.FactoryID = value
	case "sui.coin":
		if len(values) < 2 {
			return fmt.Errorf("sui.coin needs a token and a coin type")
		}
		if config.Network.Sui.CoinTypes == nil {
			config.Network.Sui.CoinTypes = map[string]string{}
		}
		config.Network.Sui.CoinTypes[value] = values[1]
	case "rpc.server":
		config.RPCServer = value
	case "rpc.username":
		config.RPCUsername = value
	case "rpc.password":
		config.RPCPassword = value
	case "account":
		account, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid account %q", value)
		}
		config.Account = uint32(account)
	case "sentry":
		config.Sentry = value
	default:
		return fmt.Errorf("unknown key %v", key)
	}
	return nil
}
