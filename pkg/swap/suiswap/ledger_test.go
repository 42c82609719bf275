package suiswap_test

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/chain/suikey"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/catalogfi/resolver/pkg/swap/suiswap"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	packageID   = "0x00000000000000000000000000000000000000000000000000000000000000fa"
	factoryID   = "0x00000000000000000000000000000000000000000000000000000000000000fb"
	usdcType    = "0xc0ffee::usdc::USDC"
	depositCoin = "0x00000000000000000000000000000000000000000000000000000000000000c1"
)

var _ = Describe("Ledger", func() {
	var (
		ctx    context.Context
		n      *node
		server *httptest.Server
		client *rpc.Client
		ledger *suiswap.Ledger
		usdc   chain.Address
		secret []byte
	)

	dstImmutables := func() escrow.Immutables {
		return escrow.Immutables{
			OrderHash:     common.HexToHash("0x0d"),
			HashLock:      hashlock.HashSecret(secret),
			Maker:         chain.MustParseAddress(chain.FamilySui, "0xbeef"),
			Taker:         ledger.Address(),
			Token:         usdc,
			Amount:        big.NewInt(99),
			SafetyDeposit: big.NewInt(1000),
			TimeLocks:     timelock.Default(),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		n = newNode(packageID)
		n.AddCoin(usdcType, "0x00000000000000000000000000000000000000000000000000000000000000c0", 10)
		n.AddCoin(usdcType, depositCoin, 1000)
		n.AddCoin(suiswap.SuiCoinType, "0x00000000000000000000000000000000000000000000000000000000000000d1", 1e9)
		server = httptest.NewServer(n.Server())

		var err error
		client, err = rpc.DialContext(ctx, server.URL)
		Expect(err).To(BeNil())

		usdc = chain.MustParseAddress(chain.FamilySui, "0xc0ffee")
		key, err := suikey.NewEd25519(crypto.Keccak256([]byte("resolver")))
		Expect(err).To(BeNil())
		options := suiswap.OptionsLocalnet(packageID, factoryID).WithCoinType(usdc, usdcType)
		ledger, err = suiswap.NewLedger(options, key, client)
		Expect(err).To(BeNil())

		secret = crypto.Keccak256([]byte("suiswap"))
	})

	AfterEach(func() {
		client.Close()
		server.Close()
	})

	It("should read the time of the latest checkpoint", func() {
		now, err := ledger.Now(ctx)
		Expect(err).To(BeNil())
		Expect(now).Should(Equal(time.UnixMilli(1_700_000_000_000)))
	})

	It("should sum the balance of the coins", func() {
		balance, err := ledger.Balance(ctx, usdc)
		Expect(err).To(BeNil())
		Expect(balance.Int64()).Should(Equal(int64(1010)))
	})

	Context("when deploying the destination escrow", func() {
		It("should fund it from a coin with enough balance", func() {
			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())
			deployment, err := ledger.DeployDst(ctx, dstImmutables(), now.Add(121*time.Second))
			Expect(err).To(BeNil())
			Expect(deployment.DeployedAt).Should(Equal(now))
			Expect(n.Executed()).Should(Equal([]string{"deploy_escrow"}))
			Expect(n.LastArgs("deploy_escrow")[10]).Should(Equal(depositCoin))

			esc, err := ledger.Immutables(ctx, deployment.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Side).Should(Equal(timelock.Dst))
			Expect(esc.Status).Should(Equal(escrow.StatusActive))
			Expect(esc.HashLock).Should(Equal(hashlock.HashSecret(secret)))
			Expect(esc.Maker.Equal(dstImmutables().Maker)).Should(BeTrue())
			Expect(esc.Taker.Equal(ledger.Address())).Should(BeTrue())
			Expect(esc.Amount.Int64()).Should(Equal(int64(99)))
			Expect(esc.TimeLocks).Should(Equal(timelock.Default()))
			Expect(esc.DeployedAt).Should(Equal(now))
		})

		It("should look up the escrow by its order and hash-lock", func() {
			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())
			deployment, err := ledger.DeployDst(ctx, dstImmutables(), now.Add(121*time.Second))
			Expect(err).To(BeNil())

			esc, ok, err := ledger.Lookup(ctx, timelock.Dst, common.HexToHash("0x0d"), hashlock.HashSecret(secret))
			Expect(err).To(BeNil())
			Expect(ok).Should(BeTrue())
			Expect(esc.Ref).Should(Equal(deployment.Ref))
			Expect(esc.Status).Should(Equal(escrow.StatusActive))

			_, ok, err = ledger.Lookup(ctx, timelock.Src, common.HexToHash("0x0d"), hashlock.HashSecret(secret))
			Expect(err).To(BeNil())
			Expect(ok).Should(BeFalse())
			_, ok, err = ledger.Lookup(ctx, timelock.Dst, common.HexToHash("0x0e"), hashlock.HashSecret(secret))
			Expect(err).To(BeNil())
			Expect(ok).Should(BeFalse())
		})

		It("should refuse to deploy when it would outlive the source escrow", func() {
			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())
			_, err = ledger.DeployDst(ctx, dstImmutables(), now.Add(90*time.Second))
			Expect(errors.Is(err, swap.ErrTimeWindow)).Should(BeTrue())
			Expect(n.Executed()).Should(BeEmpty())
		})

		It("should reject the fill without enough funds", func() {
			imm := dstImmutables()
			imm.Amount = big.NewInt(5000)
			_, err := ledger.DeployDst(ctx, imm, time.UnixMilli(1_700_000_000_000).Add(time.Hour))
			Expect(errors.Is(err, swap.ErrFillRejected)).Should(BeTrue())
		})

		It("should refuse tokens without a coin type", func() {
			imm := dstImmutables()
			imm.Token = chain.MustParseAddress(chain.FamilySui, "0xdead")
			_, err := ledger.DeployDst(ctx, imm, time.UnixMilli(1_700_000_000_000).Add(time.Hour))
			Expect(errors.Is(err, swap.ErrValidation)).Should(BeTrue())
		})
	})

	Context("when settling an escrow", func() {
		var ref escrow.Ref

		BeforeEach(func() {
			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())
			deployment, err := ledger.DeployDst(ctx, dstImmutables(), now.Add(121*time.Second))
			Expect(err).To(BeNil())
			ref = deployment.Ref
		})

		It("should withdraw with the secret in the private window", func() {
			_, err := ledger.Withdraw(ctx, ref, secret)
			Expect(errors.Is(err, swap.ErrTimeWindow)).Should(BeTrue())

			n.Advance(10 * time.Second)
			digest, err := ledger.Withdraw(ctx, ref, secret)
			Expect(err).To(BeNil())
			Expect(digest).ShouldNot(BeEmpty())

			esc, err := ledger.Immutables(ctx, ref)
			Expect(err).To(BeNil())
			Expect(esc.Status).Should(Equal(escrow.StatusWithdrawn))
			Expect(esc.Secret).Should(Equal(secret))

			_, err = ledger.Withdraw(ctx, ref, secret)
			Expect(errors.Is(err, swap.ErrDesync)).Should(BeTrue())
		})

		It("should cancel after the cancellation time", func() {
			n.Advance(101 * time.Second)
			_, err := ledger.Cancel(ctx, ref)
			Expect(err).To(BeNil())

			esc, err := ledger.Immutables(ctx, ref)
			Expect(err).To(BeNil())
			Expect(esc.Status).Should(Equal(escrow.StatusCancelled))
		})

		It("should map move aborts to the error kinds", func() {
			n.Advance(10 * time.Second)
			n.Abort("withdraw", suiswap.AbortInvalidSecret)
			_, err := ledger.Withdraw(ctx, ref, secret)
			Expect(errors.Is(err, swap.ErrProofVerification)).Should(BeTrue())

			n.Abort("withdraw", suiswap.AbortInvalidTime)
			_, err = ledger.Withdraw(ctx, ref, secret)
			Expect(errors.Is(err, swap.ErrTimeWindow)).Should(BeTrue())

			n.AbortDryRun("cancel", suiswap.AbortInvalidCaller)
			n.Advance(91 * time.Second)
			_, err = ledger.Cancel(ctx, ref)
			Expect(errors.Is(err, swap.ErrFillRejected)).Should(BeTrue())
		})
	})

	Context("when filling an order from sui", func() {
		var (
			o   order.Order
			sig string
		)

		BeforeEach(func() {
			makerKey, err := suikey.NewEd25519(crypto.Keccak256([]byte("maker")))
			Expect(err).To(BeNil())
			o, err = order.Build(order.Params{
				Maker:            makerKey.Address(),
				Receiver:         chain.MustParseAddress(chain.FamilyEVM, "0x000000000000000000000000000000000000beef"),
				MakerAsset:       usdc,
				TakerAsset:       chain.MustParseAddress(chain.FamilyEVM, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
				MakingAmount:     big.NewInt(100),
				TakingAmount:     big.NewInt(99),
				SrcChain:         chain.SuiLocalnet,
				DstChain:         chain.EthereumLocalnet,
				HashLock:         hashlock.CommitSingle(secret),
				TimeLocks:        timelock.Default(),
				SrcSafetyDeposit: big.NewInt(1000),
				DstSafetyDeposit: big.NewInt(1000),
			})
			Expect(err).To(BeNil())
			sig, err = o.SignSui(makerKey)
			Expect(err).To(BeNil())
		})

		It("should deploy the source escrow", func() {
			deployment, err := ledger.DeploySrc(ctx, escrow.FillRequest{
				Order:      o,
				Signature:  sig,
				Amount:     big.NewInt(100),
				SecretHash: hashlock.HashSecret(secret),
				Proof:      []common.Hash{},
			})
			Expect(err).To(BeNil())
			Expect(n.Executed()).Should(Equal([]string{"deploy_src"}))

			esc, err := ledger.Immutables(ctx, deployment.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Side).Should(Equal(timelock.Src))
			Expect(esc.Maker.Equal(o.Maker)).Should(BeTrue())
			Expect(esc.Amount.Int64()).Should(Equal(int64(100)))
			Expect(esc.OrderHash).Should(Equal(o.MustHash()))
		})

		It("should not send a fill signed by someone else", func() {
			other, err := suikey.NewEd25519(crypto.Keccak256([]byte("other")))
			Expect(err).To(BeNil())
			sig, err = o.SignSui(other)
			Expect(err).To(BeNil())
			_, err = ledger.DeploySrc(ctx, escrow.FillRequest{
				Order:      o,
				Signature:  sig,
				Amount:     big.NewInt(100),
				SecretHash: hashlock.HashSecret(secret),
			})
			Expect(errors.Is(err, swap.ErrValidation)).Should(BeTrue())
			Expect(n.Executed()).Should(BeEmpty())
		})

		It("should report an exhausted order", func() {
			n.Abort("deploy_src", suiswap.AbortOrderExhausted)
			_, err := ledger.DeploySrc(ctx, escrow.FillRequest{
				Order:      o,
				Signature:  sig,
				Amount:     big.NewInt(100),
				SecretHash: hashlock.HashSecret(secret),
			})
			Expect(errors.Is(err, swap.ErrFillExhausted)).Should(BeTrue())
		})
	})

	It("should report unknown escrows as a desync", func() {
		_, err := ledger.Immutables(ctx, "0x1234")
		Expect(errors.Is(err, swap.ErrDesync)).Should(BeTrue())
	})

	It("should treat an unreachable node as transient", func() {
		server.Close()
		_, err := ledger.Now(ctx)
		Expect(swap.IsTransient(err)).Should(BeTrue())
	})
})
