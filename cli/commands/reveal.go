package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/catalogfi/resolver/pkg/maker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Reveal(env *Env) *cobra.Command {
	var (
		orderHash string
		watch     bool
		interval  time.Duration
	)

	var cmd = &cobra.Command{
		Use:   "reveal",
		Short: "Reveal the secrets of the swaps whose destination escrow is ready",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			hash := common.HexToHash(orderHash)
			created, err := env.Book.Load(hash)
			cobra.CheckErr(err)
			ledgers, err := env.Ledgers(ctx)
			cobra.CheckErr(err)
			defer ledgers.Close()
			dst, err := ledgers.For(created.Order.DstChain)
			cobra.CheckErr(err)

			for {
				progress, err := maker.Reveal(ctx, env.Client, env.Book, dst, hash)
				if err != nil {
					env.Logger.Error("reveal", zap.String("order", hash.Hex()), zap.Error(err))
					color.Red("reveal: %v", err)
				}
				for _, leaf := range progress.Revealed {
					color.Green("revealed secret %v of order %v", leaf, hash.Hex())
				}
				for leaf, reason := range progress.Refused {
					color.Yellow("refused to reveal secret %v: %v", leaf, reason)
				}
				if !watch || progress.Done {
					if progress.Done {
						fmt.Println("order settled")
					}
					return
				}

				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().StringVar(&orderHash, "order-hash", "", "hash of the order")
	cmd.MarkFlagRequired("order-hash")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep revealing until the order is settled")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "polling interval in watch mode")
	return cmd
}
