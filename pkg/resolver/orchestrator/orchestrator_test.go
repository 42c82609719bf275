package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/mock"
	"github.com/catalogfi/resolver/pkg/resolver/orchestrator"
	"github.com/catalogfi/resolver/pkg/resolver/tracker"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/catalogfi/resolver/pkg/swap/simswap"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx         context.Context
		logger      *zap.Logger
		clock       *simswap.Clock
		evm         *simswap.Chain
		sui         *simswap.Chain
		secrets     [][]byte
		o           order.Order
		signature   string
		resolverSrc chain.Address
		resolverDst chain.Address
		usdc        chain.Address
		suiUSDC     chain.Address
		fills       *tracker.Memory
		disclosed   *mock.Secrets

		mu      sync.Mutex
		actions []string
		states  []orchestrator.State
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		logger, err = zap.NewDevelopment()
		Expect(err).To(BeNil())

		clock = simswap.NewClock(time.Unix(1_700_000_000, 0))
		evm = simswap.NewChain(chain.EthereumLocalnet, clock)
		sui = simswap.NewChain(chain.SuiLocalnet, clock)

		makerKey, err := crypto.GenerateKey()
		Expect(err).To(BeNil())
		maker := chain.EVMAddress(crypto.PubkeyToAddress(makerKey.PublicKey))
		resolverSrc = chain.MustParseAddress(chain.FamilyEVM, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
		resolverDst = chain.MustParseAddress(chain.FamilySui, "0x5")
		usdc = chain.MustParseAddress(chain.FamilyEVM, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
		suiUSDC = chain.MustParseAddress(chain.FamilySui, "0xc0ffee")

		secrets = make([][]byte, 11)
		for i := range secrets {
			secrets[i] = crypto.Keccak256([]byte(fmt.Sprintf("secret-%d", i)))
		}
		hl, err := hashlock.CommitMultiple(secrets)
		Expect(err).To(BeNil())
		o, err = order.Build(order.Params{
			Maker:              maker,
			Receiver:           chain.MustParseAddress(chain.FamilySui, "0xbeef"),
			MakerAsset:         usdc,
			TakerAsset:         suiUSDC,
			MakingAmount:       big.NewInt(100),
			TakingAmount:       big.NewInt(99),
			SrcChain:           chain.EthereumLocalnet,
			DstChain:           chain.SuiLocalnet,
			AllowPartialFills:  true,
			AllowMultipleFills: true,
			HashLock:           hl,
			TimeLocks:          timelock.Default(),
			SrcSafetyDeposit:   big.NewInt(3),
			DstSafetyDeposit:   big.NewInt(2),
		})
		Expect(err).To(BeNil())
		signature, err = o.SignEVM(makerKey)
		Expect(err).To(BeNil())

		evm.Mint(usdc, maker, big.NewInt(100))
		evm.Mint(evm.Native(), resolverSrc, big.NewInt(10))
		sui.Mint(suiUSDC, resolverDst, big.NewInt(99))
		sui.Mint(sui.Native(), resolverDst, big.NewInt(10))

		fills = tracker.NewMemory()
		disclosed = mock.NewSecrets()
		actions = nil
		states = nil
	})

	// recording wraps a simulated ledger and logs the settlement calls in the order they happen across both chains.
	recording := func(name string, ledger escrow.Ledger) *mock.Ledger {
		l := mock.NewLedger(ledger)
		l.FuncWithdraw = func(ctx context.Context, ref escrow.Ref, secret []byte) (string, error) {
			txHash, err := ledger.Withdraw(ctx, ref, secret)
			if err == nil {
				mu.Lock()
				actions = append(actions, "withdraw "+name)
				mu.Unlock()
			}
			return txHash, err
		}
		l.FuncCancel = func(ctx context.Context, ref escrow.Ref) (string, error) {
			txHash, err := ledger.Cancel(ctx, ref)
			if err == nil {
				mu.Lock()
				actions = append(actions, "cancel "+name)
				mu.Unlock()
			}
			return txHash, err
		}
		return l
	}

	newOrchestrator := func(amount int64, index int) *orchestrator.Orchestrator {
		_, proof, err := hashlock.ProveLeaf(secrets, index)
		Expect(err).To(BeNil())
		s, err := orchestrator.NewSwap(o, signature, big.NewInt(amount), index, hashlock.HashSecret(secrets[index]), proof)
		Expect(err).To(BeNil())
		orc, err := orchestrator.New(logger, s, orchestrator.Config{
			Src:     recording("src", evm.Ledger(resolverSrc)),
			Dst:     recording("dst", sui.Ledger(resolverDst)),
			Tracker: fills,
			Secrets: disclosed,
			Observer: orchestrator.ObserverFunc(func(s orchestrator.Swap, from orchestrator.State) {
				if s.State != from {
					mu.Lock()
					states = append(states, s.State)
					mu.Unlock()
				}
			}),
			Options: orchestrator.DefaultOptions().
				WithPollInterval(time.Millisecond).
				WithRetries(3, time.Millisecond, 5*time.Millisecond),
		})
		Expect(err).To(BeNil())
		return orc
	}

	step := func(orc *orchestrator.Orchestrator, progressed bool) {
		ok, err := orc.Step(ctx)
		Expect(err).To(BeNil())
		Expect(ok).Should(Equal(progressed))
	}

	deployBoth := func(orc *orchestrator.Orchestrator) {
		step(orc, true)
		Expect(orc.Swap().State).Should(Equal(orchestrator.SrcDeployed))
		step(orc, true)
		Expect(orc.Swap().State).Should(Equal(orchestrator.DstDeployed))
	}

	It("should reject a ledger on the wrong chain", func() {
		_, proof, err := hashlock.ProveLeaf(secrets, 10)
		Expect(err).To(BeNil())
		s, err := orchestrator.NewSwap(o, signature, big.NewInt(100), 10, hashlock.HashSecret(secrets[10]), proof)
		Expect(err).To(BeNil())
		_, err = orchestrator.New(logger, s, orchestrator.Config{
			Src:     sui.Ledger(resolverDst),
			Dst:     evm.Ledger(resolverSrc),
			Tracker: fills,
			Secrets: disclosed,
		})
		Expect(err).ShouldNot(BeNil())
	})

	It("should withdraw both escrows, destination first", func() {
		orc := newOrchestrator(100, 10)
		deployBoth(orc)

		// The destination escrow is still in its finality lock.
		disclosed.Reveal(o.MustHash(), 10, secrets[10])
		step(orc, false)

		clock.Advance(time.Duration(o.TimeLocks.DstWithdrawal) * time.Second)
		Expect(orc.Run(ctx)).Should(Succeed())

		Expect(orc.Swap().State).Should(Equal(orchestrator.BothWithdrawn))
		Expect(actions).Should(Equal([]string{"withdraw dst", "withdraw src"}))
		Expect(states).Should(Equal([]orchestrator.State{
			orchestrator.SrcDeployed,
			orchestrator.DstDeployed,
			orchestrator.SecretRevealed,
			orchestrator.BothWithdrawn,
		}))

		Expect(sui.Balance(suiUSDC, o.Receiver)).Should(Equal(big.NewInt(99)))
		Expect(sui.Balance(suiUSDC, resolverDst).Sign()).Should(Equal(0))
		Expect(evm.Balance(usdc, resolverSrc)).Should(Equal(big.NewInt(100)))
		Expect(evm.Balance(usdc, o.Maker).Sign()).Should(Equal(0))
		Expect(evm.Balance(evm.Native(), resolverSrc)).Should(Equal(big.NewInt(10)))
		Expect(sui.Balance(sui.Native(), resolverDst)).Should(Equal(big.NewInt(10)))
	})

	It("should cancel both escrows once both time-locks expired", func() {
		orc := newOrchestrator(100, 10)
		deployBoth(orc)

		clock.Advance(time.Duration(o.TimeLocks.SrcCancellation) * time.Second)
		Expect(orc.Run(ctx)).Should(Succeed())

		Expect(orc.Swap().State).Should(Equal(orchestrator.BothCancelled))
		Expect(actions).Should(Equal([]string{"cancel dst", "cancel src"}))
		Expect(evm.Balance(usdc, o.Maker)).Should(Equal(big.NewInt(100)))
		Expect(sui.Balance(suiUSDC, resolverDst)).Should(Equal(big.NewInt(99)))
		Expect(evm.Balance(evm.Native(), resolverSrc)).Should(Equal(big.NewInt(10)))
		Expect(sui.Balance(sui.Native(), resolverDst)).Should(Equal(big.NewInt(10)))
	})

	It("should not cancel the destination escrow before the source escrow is cancellable", func() {
		orc := newOrchestrator(100, 10)
		deployBoth(orc)

		clock.Advance(time.Duration(o.TimeLocks.DstCancellation) * time.Second)
		step(orc, false)
		Expect(actions).Should(BeEmpty())

		clock.Advance(time.Duration(o.TimeLocks.SrcCancellation-o.TimeLocks.DstCancellation) * time.Second)
		step(orc, true)
		Expect(actions).Should(Equal([]string{"cancel dst"}))
	})

	It("should ignore a secret that does not open the escrow", func() {
		orc := newOrchestrator(100, 10)
		deployBoth(orc)
		clock.Advance(10 * time.Second)

		disclosed.Reveal(o.MustHash(), 10, secrets[9])
		step(orc, false)
		Expect(orc.Swap().State).Should(Equal(orchestrator.DstDeployed))

		disclosed.Reveal(o.MustHash(), 10, secrets[10])
		step(orc, true)
		Expect(orc.Swap().State).Should(Equal(orchestrator.SecretRevealed))
	})

	It("should retry transient chain errors", func() {
		orc := newOrchestrator(100, 10)
		evm.FailNext(simswap.OpDeploySrc, swap.Transient(errors.New("connection refused")))
		evm.FailNext(simswap.OpDeploySrc, swap.Transient(errors.New("nonce too low")))
		step(orc, true)
		Expect(orc.Swap().State).Should(Equal(orchestrator.SrcDeployed))
		Expect(evm.Transactions()).Should(HaveLen(1))
	})

	It("should withdraw once when a confirmation is lost", func() {
		orc := newOrchestrator(100, 10)
		deployBoth(orc)
		clock.Advance(10 * time.Second)
		disclosed.Reveal(o.MustHash(), 10, secrets[10])

		sui.DropReceipt(simswap.OpWithdraw, swap.Transient(errors.New("i/o timeout")))
		Expect(orc.Run(ctx)).Should(Succeed())
		Expect(orc.Swap().State).Should(Equal(orchestrator.BothWithdrawn))

		withdrawals := 0
		for _, tx := range sui.Transactions() {
			if tx.Op == simswap.OpWithdraw {
				withdrawals++
			}
		}
		Expect(withdrawals).Should(Equal(1))
		Expect(sui.Balance(suiUSDC, o.Receiver)).Should(Equal(big.NewInt(99)))
	})

	It("should carry on when a public caller withdrew the destination escrow", func() {
		orc := newOrchestrator(100, 10)
		deployBoth(orc)
		clock.Advance(time.Duration(o.TimeLocks.DstPublicWithdrawal) * time.Second)
		disclosed.Reveal(o.MustHash(), 10, secrets[10])
		step(orc, true)

		watcher := chain.MustParseAddress(chain.FamilySui, "0x77")
		_, err := sui.Ledger(watcher).Withdraw(ctx, orc.Swap().Dst.Ref, secrets[10])
		Expect(err).To(BeNil())

		Expect(orc.Run(ctx)).Should(Succeed())
		Expect(orc.Swap().State).Should(Equal(orchestrator.BothWithdrawn))
		Expect(actions).Should(Equal([]string{"withdraw src"}))
		Expect(sui.Balance(suiUSDC, o.Receiver)).Should(Equal(big.NewInt(99)))
		Expect(sui.Balance(sui.Native(), watcher)).Should(Equal(big.NewInt(2)))
		Expect(evm.Balance(usdc, resolverSrc)).Should(Equal(big.NewInt(100)))
	})

	It("should learn the secret from a public withdrawal of the destination escrow", func() {
		orc := newOrchestrator(100, 10)
		deployBoth(orc)
		clock.Advance(time.Duration(o.TimeLocks.DstPublicWithdrawal) * time.Second)
		step(orc, false)

		watcher := chain.MustParseAddress(chain.FamilySui, "0x77")
		_, err := sui.Ledger(watcher).Withdraw(ctx, orc.Swap().Dst.Ref, secrets[10])
		Expect(err).To(BeNil())

		Expect(orc.Run(ctx)).Should(Succeed())
		Expect(orc.Swap().State).Should(Equal(orchestrator.BothWithdrawn))
		Expect([]byte(orc.Swap().Secret)).Should(Equal(secrets[10]))
		Expect(actions).Should(Equal([]string{"withdraw src"}))
		Expect(states).Should(Equal([]orchestrator.State{
			orchestrator.SrcDeployed,
			orchestrator.DstDeployed,
			orchestrator.SecretRevealed,
			orchestrator.BothWithdrawn,
		}))
		Expect(sui.Balance(suiUSDC, o.Receiver)).Should(Equal(big.NewInt(99)))
		Expect(evm.Balance(usdc, resolverSrc)).Should(Equal(big.NewInt(100)))
	})

	It("should skip the destination escrow when it cannot be cancelled in time", func() {
		orc := newOrchestrator(100, 10)
		step(orc, true)

		clock.Advance(time.Duration(o.TimeLocks.SrcCancellation-o.TimeLocks.DstCancellation) * time.Second)
		step(orc, true)
		Expect(orc.Swap().DstSkipped).Should(BeTrue())
		Expect(orc.Swap().Dst.Deployed()).Should(BeFalse())
		step(orc, false)

		clock.Advance(time.Duration(o.TimeLocks.DstCancellation) * time.Second)
		step(orc, true)
		Expect(orc.Swap().State).Should(Equal(orchestrator.BothCancelled))
		Expect(actions).Should(Equal([]string{"cancel src"}))
		Expect(evm.Balance(usdc, o.Maker)).Should(Equal(big.NewInt(100)))
	})

	It("should fail only the rejected fill and release its reservation", func() {
		first := newOrchestrator(50, 4)
		step(first, true)

		// The second half must use the last secret, the factory refuses any other.
		wrong := newOrchestrator(50, 9)
		_, err := wrong.Step(ctx)
		Expect(errors.Is(err, swap.ErrFillRejected)).Should(BeTrue())
		Expect(wrong.Swap().State).Should(Equal(orchestrator.Failed))
		filled, err := fills.Filled(ctx, o.MustHash())
		Expect(err).To(BeNil())
		Expect(filled).Should(Equal(big.NewInt(50)))

		second := newOrchestrator(50, 10)
		step(second, true)
		Expect(evm.Filled(o.MustHash())).Should(Equal(big.NewInt(100)))

		exhausted := newOrchestrator(1, 0)
		_, err = exhausted.Step(ctx)
		Expect(errors.Is(err, swap.ErrFillExhausted)).Should(BeTrue())
	})

	It("should keep the reservation when the retries are exhausted", func() {
		orc := newOrchestrator(100, 10)
		for i := 0; i < 4; i++ {
			evm.FailNext(simswap.OpDeploySrc, swap.Transient(errors.New("connection refused")))
		}
		_, err := orc.Step(ctx)
		Expect(swap.IsTransient(err)).Should(BeTrue())
		Expect(orc.Swap().State).Should(Equal(orchestrator.OrderSigned))
		Expect(orc.Swap().Reserved).Should(BeTrue())
		filled, err := fills.Filled(ctx, o.MustHash())
		Expect(err).To(BeNil())
		Expect(filled).Should(Equal(big.NewInt(100)))

		step(orc, true)
		Expect(orc.Swap().State).Should(Equal(orchestrator.SrcDeployed))
		Expect(evm.Transactions()).Should(HaveLen(1))
	})

	It("should adopt the source escrow when its confirmation is lost", func() {
		orc := newOrchestrator(100, 10)
		evm.DropReceipt(simswap.OpDeploySrc, swap.Transient(errors.New("i/o timeout")))
		step(orc, true)

		Expect(orc.Swap().State).Should(Equal(orchestrator.SrcDeployed))
		Expect(orc.Swap().Reserved).Should(BeTrue())
		Expect(evm.Transactions()).Should(HaveLen(1))
		Expect(orc.Swap().Src.Ref).Should(Equal(evm.Transactions()[0].Ref))
		Expect(evm.Filled(o.MustHash())).Should(Equal(big.NewInt(100)))
		Expect(states).Should(Equal([]orchestrator.State{orchestrator.SrcDeployed}))
	})

	It("should fund a single destination escrow when its confirmation is lost", func() {
		orc := newOrchestrator(100, 10)
		step(orc, true)
		sui.DropReceipt(simswap.OpDeployDst, swap.Transient(errors.New("i/o timeout")))
		step(orc, true)

		Expect(orc.Swap().State).Should(Equal(orchestrator.DstDeployed))
		Expect(sui.Transactions()).Should(HaveLen(1))
		Expect(orc.Swap().Dst.Ref).Should(Equal(sui.Transactions()[0].Ref))
		Expect(sui.Balance(suiUSDC, resolverDst).Sign()).Should(Equal(0))

		clock.Advance(10 * time.Second)
		disclosed.Reveal(o.MustHash(), 10, secrets[10])
		Expect(orc.Run(ctx)).Should(Succeed())
		Expect(orc.Swap().State).Should(Equal(orchestrator.BothWithdrawn))
		Expect(sui.Balance(suiUSDC, o.Receiver)).Should(Equal(big.NewInt(99)))
	})

	It("should look for the destination escrow before sending it again", func() {
		orc := newOrchestrator(100, 10)
		step(orc, true)
		sui.DropReceipt(simswap.OpDeployDst, errors.New("connection reset"))
		_, err := orc.Step(ctx)
		Expect(err).ShouldNot(BeNil())
		Expect(orc.Swap().State).Should(Equal(orchestrator.SrcDeployed))
		Expect(orc.Swap().DstSubmitted).Should(BeTrue())

		step(orc, true)
		Expect(orc.Swap().State).Should(Equal(orchestrator.DstDeployed))
		Expect(sui.Transactions()).Should(HaveLen(1))
	})

	It("should be a no-op once terminal", func() {
		orc := newOrchestrator(100, 10)
		deployBoth(orc)
		clock.Advance(10 * time.Second)
		disclosed.Reveal(o.MustHash(), 10, secrets[10])
		Expect(orc.Run(ctx)).Should(Succeed())

		txs := len(sui.Transactions()) + len(evm.Transactions())
		step(orc, false)
		Expect(orc.Run(ctx)).Should(Succeed())
		Expect(len(sui.Transactions()) + len(evm.Transactions())).Should(Equal(txs))
	})
})
