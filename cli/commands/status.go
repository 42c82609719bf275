package commands

import (
	"fmt"

	"github.com/catalogfi/resolver/pkg/resolver/filler"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func Status(env *Env) *cobra.Command {
	var orderHash string

	var cmd = &cobra.Command{
		Use:   "status",
		Short: "Show an order and the progress of its swaps",
		Run: func(c *cobra.Command, args []string) {
			info, err := env.Client.GetOrder(common.HexToHash(orderHash))
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}

			fmt.Printf("order     %v\n", info.OrderHash.Hex())
			fmt.Printf("pair      %v\n", filler.OrderPair(info.Order))
			fmt.Printf("amounts   %v -> %v\n", info.Order.MakingAmount, info.Order.TakingAmount)
			fmt.Printf("collected %v\n", info.Collected)
			fmt.Printf("expires   %v\n", info.ExpiresAt)
			fmt.Print("status    ")
			printStatus(info.Status)
			if info.Error != "" {
				color.Red("error     %v", info.Error)
			}

			for _, s := range info.Swaps {
				fmt.Printf("\nswap %v\n", s.ID)
				fmt.Printf("  leaf %v amount %v state %v\n", s.LeafIndex, s.Amount, s.State)
				if s.Src.Deployed() {
					fmt.Printf("  src  %v (%v)\n", s.Src.Ref, s.Src.Status)
				}
				if s.Dst.Deployed() {
					fmt.Printf("  dst  %v (%v)\n", s.Dst.Ref, s.Dst.Status)
				}
				if s.Error != "" {
					color.Red("  %v", s.Error)
				}
			}
		},
	}

	cmd.Flags().StringVar(&orderHash, "order-hash", "", "hash of the order")
	cmd.MarkFlagRequired("order-hash")
	return cmd
}
