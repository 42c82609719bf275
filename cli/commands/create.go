package commands

import (
	"fmt"
	"math/big"

	"github.com/catalogfi/resolver/pkg/maker"
	"github.com/catalogfi/resolver/pkg/resolver/filler"
	"github.com/catalogfi/resolver/pkg/rpc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func Create(env *Env) *cobra.Command {
	var (
		orderPair     string
		sendAmount    string
		receiveAmount string
		srcDeposit    string
		dstDeposit    string
		receiver      string
		parts         int
		partial       bool
		whitelist     []string
	)

	var cmd = &cobra.Command{
		Use:   "create",
		Short: "Create a new order",
		Run: func(c *cobra.Command, args []string) {
			srcChain, makerAsset, dstChain, takerAsset, err := filler.ParseOrderPair(orderPair)
			cobra.CheckErr(err)
			req := maker.Request{
				SrcChain:          srcChain,
				DstChain:          dstChain,
				MakerAsset:        makerAsset,
				TakerAsset:        takerAsset,
				MakingAmount:      parseAmount("send-amount", sendAmount),
				TakingAmount:      parseAmount("receive-amount", receiveAmount),
				SrcSafetyDeposit:  parseAmount("src-deposit", srcDeposit),
				DstSafetyDeposit:  parseAmount("dst-deposit", dstDeposit),
				Parts:             parts,
				AllowPartialFills: partial,
			}
			if receiver != "" {
				req.Receiver, err = dstChain.ParseAddress(receiver)
				cobra.CheckErr(err)
			}
			for _, resolver := range whitelist {
				addr, err := srcChain.ParseAddress(resolver)
				cobra.CheckErr(err)
				req.ResolverWhitelist = append(req.ResolverWhitelist, addr)
			}

			m, err := env.Maker()
			cobra.CheckErr(err)
			created, err := m.Create(req)
			cobra.CheckErr(err)

			// Keep the secrets before the order becomes visible to resolvers.
			if err := env.Book.Save(created); err != nil {
				cobra.CheckErr(fmt.Errorf("failed to save order: %w", err))
			}
			resp, err := env.Client.SubmitOrder(rpc.RequestSubmitOrder{
				Order:        created.Order,
				Signature:    created.Signature,
				SecretHashes: created.SecretHashes,
			})
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			color.Green("successfully created order %v with %v secret(s), expires at %v",
				resp.OrderHash.Hex(), len(created.Secrets), resp.ExpiresAt)
		},
	}

	cmd.Flags().StringVar(&orderPair, "order-pair", "", "order pair of the form srcChain:makerAsset-dstChain:takerAsset")
	cmd.MarkFlagRequired("order-pair")
	cmd.Flags().StringVar(&sendAmount, "send-amount", "", "amount of the maker asset")
	cmd.MarkFlagRequired("send-amount")
	cmd.Flags().StringVar(&receiveAmount, "receive-amount", "", "amount of the taker asset")
	cmd.MarkFlagRequired("receive-amount")
	cmd.Flags().StringVar(&srcDeposit, "src-deposit", "0", "safety deposit of the source escrow")
	cmd.Flags().StringVar(&dstDeposit, "dst-deposit", "0", "safety deposit of the destination escrow")
	cmd.Flags().StringVar(&receiver, "receiver", "", "receiver on the destination chain (default: own address)")
	cmd.Flags().IntVar(&parts, "parts", 0, "split the order in parts, each filled with its own secret")
	cmd.Flags().BoolVar(&partial, "partial", false, "allow partial fills of a single fill order")
	cmd.Flags().StringSliceVar(&whitelist, "resolver", nil, "resolvers allowed to fill the order (default: any)")
	return cmd
}

func parseAmount(name, s string) *big.Int {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		cobra.CheckErr(fmt.Errorf("invalid %v %q", name, s))
	}
	return amount
}

