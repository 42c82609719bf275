package commands

import (
	"context"
	"fmt"
	"math/big"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/resolver/filler"
	"github.com/spf13/cobra"
)

type balancer interface {
	Balance(ctx context.Context, token chain.Address) (*big.Int, error)
}

func Accounts(env *Env) *cobra.Command {
	var (
		account uint32
		assets  []string
	)

	var cmd = &cobra.Command{
		Use:   "accounts",
		Short: "Show the maker addresses and balances",
		Run: func(c *cobra.Command, args []string) {
			if c.Flags().Changed("account") {
				env.Config.Account = account
			}
			for _, family := range []chain.Family{chain.FamilyEVM, chain.FamilySui} {
				addr, err := env.Keys.Address(family, env.Config.Account)
				cobra.CheckErr(err)
				fmt.Printf("%-4v %v\n", family, addr)
			}
			if len(assets) == 0 {
				return
			}

			ctx := context.Background()
			ledgers, err := env.Ledgers(ctx)
			cobra.CheckErr(err)
			defer ledgers.Close()
			for _, asset := range assets {
				c, token, err := parseAsset(asset)
				cobra.CheckErr(err)
				ledger, err := ledgers.For(c)
				cobra.CheckErr(err)
				b, ok := ledger.(balancer)
				if !ok {
					cobra.CheckErr(fmt.Errorf("no balance on %v", c))
				}
				balance, err := b.Balance(ctx, token)
				cobra.CheckErr(err)
				fmt.Printf("%v %v\n", asset, balance)
			}
		},
	}

	cmd.Flags().Uint32Var(&account, "account", 0, "account to show (default: configured account)")
	cmd.Flags().StringSliceVar(&assets, "asset", nil, "assets of the form chain:address to show the balance of")
	return cmd
}

// parseAsset reuses the order pair syntax for a single chain:address.
func parseAsset(asset string) (chain.Chain, chain.Address, error) {
	c, token, _, _, err := filler.ParseOrderPair(asset + "-" + asset)
	return c, token, err
}
