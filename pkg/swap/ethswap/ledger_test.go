package ethswap_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/ethswap"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	resolverAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	factoryAddr  = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	usdc         = chain.MustParseAddress(chain.FamilyEVM, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

var _ = Describe("Ledger", func() {
	var (
		ctx     context.Context
		b       *backend
		ledger  *ethswap.Ledger
		options ethswap.Options

		makerKey *ecdsa.PrivateKey
		secrets  [][]byte
		o        order.Order
		sig      string
	)

	fillRequest := func(amount int64, leaf int) escrow.FillRequest {
		_, proof, err := hashlock.ProveLeaf(secrets, leaf)
		Expect(err).To(BeNil())
		return escrow.FillRequest{
			Order:      o,
			Signature:  sig,
			Amount:     big.NewInt(amount),
			LeafIndex:  leaf,
			SecretHash: hashlock.HashSecret(secrets[leaf]),
			Proof:      proof,
		}
	}

	dstImmutables := func() escrow.Immutables {
		return escrow.Immutables{
			OrderHash:     common.HexToHash("0x0d"),
			HashLock:      hashlock.HashSecret(secrets[0]),
			Maker:         chain.EVMAddress(crypto.PubkeyToAddress(makerKey.PublicKey)),
			Taker:         ledger.Address(),
			Token:         usdc,
			Amount:        big.NewInt(99),
			SafetyDeposit: big.NewInt(1e15),
			TimeLocks:     timelock.Default(),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		options = ethswap.OptionsLocalnet(resolverAddr, factoryAddr)
		b = newBackend(chain.EthereumLocalnet.ID(), resolverAddr, factoryAddr)

		key, err := crypto.GenerateKey()
		Expect(err).To(BeNil())
		ledger, err = ethswap.NewLedger(ctx, options, key, b)
		Expect(err).To(BeNil())

		makerKey, err = crypto.GenerateKey()
		Expect(err).To(BeNil())
		secrets = make([][]byte, 11)
		for i := range secrets {
			secrets[i] = crypto.Keccak256([]byte(fmt.Sprintf("ethswap-%d", i)))
		}
		hl, err := hashlock.CommitMultiple(secrets)
		Expect(err).To(BeNil())
		o, err = order.Build(order.Params{
			Maker:              chain.EVMAddress(crypto.PubkeyToAddress(makerKey.PublicKey)),
			Receiver:           chain.MustParseAddress(chain.FamilySui, "0xbeef"),
			MakerAsset:         usdc,
			TakerAsset:         chain.MustParseAddress(chain.FamilySui, "0xc0ffee"),
			MakingAmount:       big.NewInt(100),
			TakingAmount:       big.NewInt(99),
			SrcChain:           chain.EthereumLocalnet,
			DstChain:           chain.SuiLocalnet,
			AllowPartialFills:  true,
			AllowMultipleFills: true,
			HashLock:           hl,
			TimeLocks:          timelock.Default(),
			SrcSafetyDeposit:   big.NewInt(1e15),
			DstSafetyDeposit:   big.NewInt(1e15),
		})
		Expect(err).To(BeNil())
		sig, err = o.SignEVM(makerKey)
		Expect(err).To(BeNil())
	})

	It("should refuse a client of another chain", func() {
		key, err := crypto.GenerateKey()
		Expect(err).To(BeNil())
		_, err = ethswap.NewLedger(ctx, options, key, newBackend(big.NewInt(1), resolverAddr, factoryAddr))
		Expect(err).ShouldNot(BeNil())
	})

	Context("when deploying the source escrow", func() {
		It("should fill the order through the resolver contract", func() {
			req := fillRequest(40, 3)
			deployment, err := ledger.DeploySrc(ctx, req)
			Expect(err).To(BeNil())
			Expect(b.Sent()).Should(Equal([]string{"deploySrc"}))

			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())
			Expect(deployment.DeployedAt).Should(Equal(now))
			Expect(deployment.Immutables.Taker).Should(Equal(ledger.Address()))
			Expect(deployment.Immutables.HashLock).Should(Equal(req.SecretHash))
			Expect(deployment.Immutables.Amount.Int64()).Should(Equal(int64(40)))

			expected := ethswap.NewImmutablesTuple(deployment.Immutables)
			Expect(string(deployment.Ref)).Should(Equal(escrowAddress(expected).Hex()))

			args := b.Args("deploySrc")
			Expect(args[4].(*big.Int).Int64()).Should(Equal(int64(40)))
			traits := args[5].(*big.Int)
			Expect(traits.Bit(255)).Should(Equal(uint(1)))
			extensionLength := new(big.Int).Rsh(traits, 224).Int64() & 0xffffff
			extension, err := o.Extension()
			Expect(err).To(BeNil())
			Expect(extensionLength).Should(Equal(int64(len(extension))))

			esc, err := ledger.Immutables(ctx, deployment.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Side).Should(Equal(timelock.Src))
			Expect(esc.Status).Should(Equal(escrow.StatusActive))
			Expect(esc.DeployedAt).Should(Equal(now))
		})

		It("should not send a fill with a wrong proof", func() {
			req := fillRequest(40, 3)
			req.LeafIndex = 4
			_, err := ledger.DeploySrc(ctx, req)
			Expect(errors.Is(err, swap.ErrProofVerification)).Should(BeTrue())
			Expect(b.Sent()).Should(BeEmpty())
		})

		It("should not send a fill of a tampered order", func() {
			req := fillRequest(40, 3)
			req.Order.TakingAmount = big.NewInt(1)
			_, err := ledger.DeploySrc(ctx, req)
			Expect(errors.Is(err, swap.ErrValidation)).Should(BeTrue())
			Expect(b.Sent()).Should(BeEmpty())
		})

		It("should classify the revert reason of the simulation", func() {
			b.Revert("deploySrc", "InvalidatedOrder")
			_, err := ledger.DeploySrc(ctx, fillRequest(40, 3))
			Expect(errors.Is(err, swap.ErrFillExhausted)).Should(BeTrue())

			b.Revert("deploySrc", "PrivateOrder")
			_, err = ledger.DeploySrc(ctx, fillRequest(40, 3))
			Expect(errors.Is(err, swap.ErrFillRejected)).Should(BeTrue())

			b.Revert("deploySrc", "InvalidProof")
			_, err = ledger.DeploySrc(ctx, fillRequest(40, 3))
			Expect(errors.Is(err, swap.ErrProofVerification)).Should(BeTrue())
			Expect(b.Sent()).Should(BeEmpty())
		})
	})

	Context("when settling the source escrow", func() {
		var deployment escrow.Deployment

		BeforeEach(func() {
			var err error
			deployment, err = ledger.DeploySrc(ctx, fillRequest(100, 10))
			Expect(err).To(BeNil())
		})

		It("should withdraw with the secret in the private window only", func() {
			_, err := ledger.Withdraw(ctx, deployment.Ref, secrets[10])
			Expect(errors.Is(err, swap.ErrTimeWindow)).Should(BeTrue())

			b.Advance(10 * time.Second)
			_, err = ledger.Withdraw(ctx, deployment.Ref, secrets[9])
			Expect(errors.Is(err, swap.ErrProofVerification)).Should(BeTrue())

			txHash, err := ledger.Withdraw(ctx, deployment.Ref, secrets[10])
			Expect(err).To(BeNil())
			Expect(txHash).ShouldNot(BeEmpty())

			esc, err := ledger.Immutables(ctx, deployment.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Status).Should(Equal(escrow.StatusWithdrawn))

			_, err = ledger.Withdraw(ctx, deployment.Ref, secrets[10])
			Expect(errors.Is(err, swap.ErrDesync)).Should(BeTrue())
			Expect(b.Sent()).Should(Equal([]string{"deploySrc", "withdraw"}))
		})

		It("should cancel after the cancellation time", func() {
			_, err := ledger.Cancel(ctx, deployment.Ref)
			Expect(errors.Is(err, swap.ErrTimeWindow)).Should(BeTrue())

			b.Advance(121 * time.Second)
			_, err = ledger.Cancel(ctx, deployment.Ref)
			Expect(err).To(BeNil())

			esc, err := ledger.Immutables(ctx, deployment.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Status).Should(Equal(escrow.StatusCancelled))
		})

		It("should recover after the nonce was used elsewhere", func() {
			b.Advance(10 * time.Second)
			b.BumpNonce()
			_, err := ledger.Withdraw(ctx, deployment.Ref, secrets[10])
			Expect(swap.IsTransient(err)).Should(BeTrue())

			_, err = ledger.Withdraw(ctx, deployment.Ref, secrets[10])
			Expect(err).To(BeNil())
		})
	})

	Context("when deploying the destination escrow", func() {
		It("should approve the token once and deploy", func() {
			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())

			deployment, err := ledger.DeployDst(ctx, dstImmutables(), now.Add(121*time.Second))
			Expect(err).To(BeNil())
			Expect(deployment.DeployedAt).Should(Equal(now))

			imm := dstImmutables()
			imm.HashLock = hashlock.HashSecret(secrets[1])
			_, err = ledger.DeployDst(ctx, imm, now.Add(121*time.Second))
			Expect(err).To(BeNil())
			Expect(b.Sent()).Should(Equal([]string{"approve", "deployDst", "deployDst"}))

			esc, err := ledger.Immutables(ctx, deployment.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Side).Should(Equal(timelock.Dst))
			Expect(esc.Window(now.Add(10 * time.Second))).Should(Equal(timelock.PrivateWithdrawal))
		})

		It("should refuse to deploy when it would outlive the source escrow", func() {
			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())
			_, err = ledger.DeployDst(ctx, dstImmutables(), now.Add(100*time.Second))
			Expect(errors.Is(err, swap.ErrTimeWindow)).Should(BeTrue())
			Expect(b.Sent()).Should(BeEmpty())
		})

		It("should refuse immutables of another taker", func() {
			imm := dstImmutables()
			imm.Taker = usdc
			_, err := ledger.DeployDst(ctx, imm, time.Now().Add(time.Hour))
			Expect(errors.Is(err, swap.ErrValidation)).Should(BeTrue())
		})
	})

	Context("when reading escrows it did not deploy", func() {
		It("should find them from the factory events", func() {
			src, err := ledger.DeploySrc(ctx, fillRequest(100, 10))
			Expect(err).To(BeNil())
			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())
			dst, err := ledger.DeployDst(ctx, dstImmutables(), now.Add(121*time.Second))
			Expect(err).To(BeNil())

			key, err := crypto.GenerateKey()
			Expect(err).To(BeNil())
			other, err := ethswap.NewLedger(ctx, options.WithLogStep(1), key, b)
			Expect(err).To(BeNil())

			esc, err := other.Immutables(ctx, src.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Side).Should(Equal(timelock.Src))
			Expect(esc.Immutables).Should(Equal(src.Immutables))

			esc, err = other.Immutables(ctx, dst.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Side).Should(Equal(timelock.Dst))
			Expect(esc.DeployedAt).Should(Equal(dst.DeployedAt))
			Expect(esc.HashLock).Should(Equal(dst.Immutables.HashLock))
			Expect(esc.Amount.Int64()).Should(Equal(int64(99)))
		})

		It("should read the secret published by a withdrawal", func() {
			src, err := ledger.DeploySrc(ctx, fillRequest(100, 10))
			Expect(err).To(BeNil())
			b.Advance(10 * time.Second)
			_, err = ledger.Withdraw(ctx, src.Ref, secrets[10])
			Expect(err).To(BeNil())

			key, err := crypto.GenerateKey()
			Expect(err).To(BeNil())
			other, err := ethswap.NewLedger(ctx, options, key, b)
			Expect(err).To(BeNil())
			esc, err := other.Immutables(ctx, src.Ref)
			Expect(err).To(BeNil())
			Expect(esc.Status).Should(Equal(escrow.StatusWithdrawn))
			Expect(esc.Secret).Should(Equal(secrets[10]))
		})

		It("should look up the escrows of the resolver by order and hash-lock", func() {
			src, err := ledger.DeploySrc(ctx, fillRequest(100, 10))
			Expect(err).To(BeNil())
			now, err := ledger.Now(ctx)
			Expect(err).To(BeNil())
			dst, err := ledger.DeployDst(ctx, dstImmutables(), now.Add(121*time.Second))
			Expect(err).To(BeNil())

			key, err := crypto.GenerateKey()
			Expect(err).To(BeNil())
			other, err := ethswap.NewLedger(ctx, options, key, b)
			Expect(err).To(BeNil())

			esc, ok, err := other.Lookup(ctx, timelock.Src, o.MustHash(), hashlock.HashSecret(secrets[10]))
			Expect(err).To(BeNil())
			Expect(ok).Should(BeTrue())
			Expect(esc.Ref).Should(Equal(src.Ref))
			Expect(esc.Status).Should(Equal(escrow.StatusActive))

			esc, ok, err = other.Lookup(ctx, timelock.Dst, common.HexToHash("0x0d"), hashlock.HashSecret(secrets[0]))
			Expect(err).To(BeNil())
			Expect(ok).Should(BeTrue())
			Expect(esc.Ref).Should(Equal(dst.Ref))

			_, ok, err = other.Lookup(ctx, timelock.Dst, o.MustHash(), hashlock.HashSecret(secrets[0]))
			Expect(err).To(BeNil())
			Expect(ok).Should(BeFalse())
		})

		It("should report unknown escrows as a desync", func() {
			_, err := ledger.Immutables(ctx, escrow.Ref(common.HexToAddress("0x0123").Hex()))
			Expect(errors.Is(err, swap.ErrDesync)).Should(BeTrue())

			_, err = ledger.Immutables(ctx, "not an address")
			Expect(errors.Is(err, swap.ErrValidation)).Should(BeTrue())
		})
	})

	It("should read the token balance of the owner", func() {
		balance, err := ledger.Balance(ctx, usdc)
		Expect(err).To(BeNil())
		Expect(balance.Int64()).Should(Equal(int64(5000)))
	})
})
