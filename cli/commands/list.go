package commands

import (
	"fmt"

	"github.com/catalogfi/resolver/pkg/resolver/filler"
	"github.com/catalogfi/resolver/pkg/rpc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func List(env *Env) *cobra.Command {
	var (
		maker  string
		status string
		limit  int
		mine   bool
	)

	var cmd = &cobra.Command{
		Use:   "list",
		Short: "List the orders of the resolver",
		Run: func(c *cobra.Command, args []string) {
			if mine {
				created, err := env.Book.List()
				cobra.CheckErr(err)
				for _, order := range created {
					fmt.Printf("%v %v %v -> %v\n", order.Order.MustHash().Hex(), filler.OrderPair(order.Order),
						order.Order.MakingAmount, order.Order.TakingAmount)
				}
				return
			}

			orders, err := env.Client.ListOrders(rpc.RequestListOrders{Maker: maker, Status: status, Limit: limit})
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			for _, info := range orders {
				fmt.Printf("%v %v %v -> %v collected %v ", info.OrderHash.Hex(), filler.OrderPair(info.Order),
					info.Order.MakingAmount, info.Order.TakingAmount, info.Collected)
				printStatus(info.Status)
			}
		},
	}

	cmd.Flags().StringVar(&maker, "maker", "", "only list the orders of the maker")
	cmd.Flags().StringVar(&status, "status", "", "only list orders with the status (active, completed, cancelled, expired)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of orders")
	cmd.Flags().BoolVar(&mine, "mine", false, "list the orders created from this machine instead")
	return cmd
}

func printStatus(status string) {
	switch status {
	case "active":
		color.Cyan(status)
	case "completed":
		color.Green(status)
	default:
		color.Yellow(status)
	}
}
