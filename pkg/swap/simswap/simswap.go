// Package simswap is an in-memory chain running the escrow factory rules. It backs the orchestrator tests and the
// local demo network.
package simswap

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Op is a state changing call on the chain.
type Op string

const (
	OpDeploySrc Op = "deploySrc"
	OpDeployDst Op = "deployDst"
	OpWithdraw  Op = "withdraw"
	OpCancel    Op = "cancel"
)

// Clock is shared by chains that should move in lockstep.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now.Truncate(time.Second)}
}

func (clock *Clock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *Clock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(d)
}

// Tx is a confirmed transaction.
type Tx struct {
	Hash   string
	Op     Op
	Ref    escrow.Ref
	Caller chain.Address
}

type fault struct {
	op        Op
	err       error
	afterExec bool
}

type fillState struct {
	filled *big.Int
	leaves map[int]bool
}

// Chain holds the balances and escrows of one simulated network.
type Chain struct {
	id     chain.Chain
	native chain.Address
	clock  *Clock

	mu       sync.Mutex
	seq      uint64
	balances map[chain.Address]map[chain.Address]*big.Int
	escrows  map[escrow.Ref]*escrow.Escrow
	fills    map[common.Hash]*fillState
	faults   []fault
	txs      []Tx
}

// NewChain creates an empty chain. Safety deposits are paid in native, the zero address of the chain family.
func NewChain(id chain.Chain, clock *Clock) *Chain {
	var native chain.Address
	switch id.Family() {
	case chain.FamilySui:
		native = chain.MustParseAddress(chain.FamilySui, "0x2")
	default:
		native = chain.EVMAddress(common.Address{})
	}
	return &Chain{
		id:       id,
		native:   native,
		clock:    clock,
		balances: map[chain.Address]map[chain.Address]*big.Int{},
		escrows:  map[escrow.Ref]*escrow.Escrow{},
		fills:    map[common.Hash]*fillState{},
	}
}

func (c *Chain) ID() chain.Chain {
	return c.id
}

// Native is the token safety deposits are paid in.
func (c *Chain) Native() chain.Address {
	return c.native
}

func (c *Chain) Clock() *Clock {
	return c.clock
}

// Mint credits amount of token to holder.
func (c *Chain) Mint(token, holder chain.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(token, holder, amount)
}

func (c *Chain) Balance(token, holder chain.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if balance, ok := c.balances[token][holder]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}

// Filled returns the amount of the order already locked in source escrows.
func (c *Chain) Filled(orderHash common.Hash) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.fills[orderHash]; ok {
		return new(big.Int).Set(state.filled)
	}
	return new(big.Int)
}

// Transactions returns the confirmed transactions, oldest first.
func (c *Chain) Transactions() []Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tx(nil), c.txs...)
}

// FailNext makes the next call of op fail with err without touching the chain state.
func (c *Chain) FailNext(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, fault{op: op, err: err})
}

// DropReceipt lets the next call of op execute but return err, as if the confirmation was lost.
func (c *Chain) DropReceipt(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, fault{op: op, err: err, afterExec: true})
}

// Ledger returns a view of the chain acting as caller.
func (c *Chain) Ledger(caller chain.Address) *Ledger {
	return &Ledger{chain: c, caller: caller}
}

// Ledger implements escrow.Ledger on a simulated chain.
type Ledger struct {
	chain  *Chain
	caller chain.Address
}

func (ledger *Ledger) Chain() chain.Chain {
	return ledger.chain.id
}

func (ledger *Ledger) Address() chain.Address {
	return ledger.caller
}

func (ledger *Ledger) Now(ctx context.Context) (time.Time, error) {
	return ledger.chain.clock.Now(), nil
}

func (ledger *Ledger) DeploySrc(ctx context.Context, req escrow.FillRequest) (escrow.Deployment, error) {
	var deployment escrow.Deployment
	err := ledger.chain.exec(OpDeploySrc, func(c *Chain) (escrow.Ref, error) {
		var err error
		deployment, err = c.deploySrc(ledger.caller, req)
		return deployment.Ref, err
	})
	return deployment, err
}

func (ledger *Ledger) DeployDst(ctx context.Context, imm escrow.Immutables, srcCancellation time.Time) (escrow.Deployment, error) {
	var deployment escrow.Deployment
	err := ledger.chain.exec(OpDeployDst, func(c *Chain) (escrow.Ref, error) {
		var err error
		deployment, err = c.deployDst(ledger.caller, imm, srcCancellation)
		return deployment.Ref, err
	})
	return deployment, err
}

func (ledger *Ledger) Withdraw(ctx context.Context, ref escrow.Ref, secret []byte) (string, error) {
	var txHash string
	err := ledger.chain.exec(OpWithdraw, func(c *Chain) (escrow.Ref, error) {
		if err := c.withdraw(ledger.caller, ref, secret); err != nil {
			return ref, err
		}
		txHash = c.record(OpWithdraw, ref, ledger.caller)
		return ref, nil
	})
	return txHash, err
}

func (ledger *Ledger) Cancel(ctx context.Context, ref escrow.Ref) (string, error) {
	var txHash string
	err := ledger.chain.exec(OpCancel, func(c *Chain) (escrow.Ref, error) {
		if err := c.cancel(ledger.caller, ref); err != nil {
			return ref, err
		}
		txHash = c.record(OpCancel, ref, ledger.caller)
		return ref, nil
	})
	return txHash, err
}

func (ledger *Ledger) Immutables(ctx context.Context, ref escrow.Ref) (escrow.Escrow, error) {
	c := ledger.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	esc, ok := c.escrows[ref]
	if !ok {
		return escrow.Escrow{}, swap.Desyncf("escrow %v not found on %v", ref, c.id)
	}
	return *esc, nil
}

func (ledger *Ledger) Lookup(ctx context.Context, side timelock.Side, orderHash, hashLock common.Hash) (escrow.Escrow, bool, error) {
	c := ledger.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, esc := range c.escrows {
		if esc.Side == side && esc.OrderHash == orderHash && esc.HashLock == hashLock && esc.Taker.Equal(ledger.caller) {
			return *esc, true, nil
		}
	}
	return escrow.Escrow{}, false, nil
}

func (c *Chain) exec(op Op, fn func(c *Chain) (escrow.Ref, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, f := range c.faults {
		if f.op != op {
			continue
		}
		c.faults = append(c.faults[:i:i], c.faults[i+1:]...)
		if !f.afterExec {
			return f.err
		}
		if _, err := fn(c); err != nil {
			return err
		}
		return f.err
	}
	_, err := fn(c)
	return err
}

func (c *Chain) deploySrc(taker chain.Address, req escrow.FillRequest) (escrow.Deployment, error) {
	o := req.Order
	if o.SrcChain != c.id {
		return escrow.Deployment{}, swap.Validationf("order source chain %v, filled on %v", o.SrcChain, c.id)
	}
	if err := o.Validate(); err != nil {
		return escrow.Deployment{}, err
	}
	if !o.IsWhitelisted(taker) {
		return escrow.Deployment{}, swap.FillRejectedf("resolver %v not whitelisted", taker)
	}
	if err := o.VerifySignature(req.Signature); err != nil {
		return escrow.Deployment{}, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return escrow.Deployment{}, swap.Validationf("fill amount must be positive")
	}
	if !req.Verify() {
		return escrow.Deployment{}, fmt.Errorf("%w: leaf %v does not belong to the hash-lock", swap.ErrProofVerification, req.LeafIndex)
	}

	imm, err := req.SrcImmutables(taker)
	if err != nil {
		return escrow.Deployment{}, err
	}
	state, ok := c.fills[imm.OrderHash]
	if !ok {
		state = &fillState{filled: new(big.Int), leaves: map[int]bool{}}
	}
	remaining := new(big.Int).Sub(o.MakingAmount, state.filled)
	switch {
	case remaining.Sign() == 0:
		return escrow.Deployment{}, fmt.Errorf("%w: order %v fully filled", swap.ErrFillExhausted, imm.OrderHash.Hex())
	case req.Amount.Cmp(remaining) > 0:
		return escrow.Deployment{}, swap.FillRejectedf("fill %v exceeds remaining %v", req.Amount, remaining)
	case !o.AllowPartialFills && req.Amount.Cmp(o.MakingAmount) != 0:
		return escrow.Deployment{}, swap.FillRejectedf("order does not allow partial fills")
	case !o.AllowMultipleFills && state.filled.Sign() > 0:
		return escrow.Deployment{}, swap.FillRejectedf("order does not allow multiple fills")
	case state.leaves[req.LeafIndex]:
		return escrow.Deployment{}, swap.FillRejectedf("secret %v already used", req.LeafIndex)
	}
	if o.AllowMultipleFills {
		expected := hashlock.LeafIndexFor(o.MakingAmount, state.filled, req.Amount, o.HashLock.Parts())
		if expected != req.LeafIndex {
			return escrow.Deployment{}, swap.FillRejectedf("fill of %v after %v must use secret %v, got %v", req.Amount, state.filled, expected, req.LeafIndex)
		}
	}

	if err := c.debit(o.MakerAsset, o.Maker, req.Amount); err != nil {
		return escrow.Deployment{}, err
	}
	if err := c.debit(c.native, taker, imm.SafetyDeposit); err != nil {
		c.credit(o.MakerAsset, o.Maker, req.Amount)
		return escrow.Deployment{}, err
	}
	state.filled.Add(state.filled, req.Amount)
	state.leaves[req.LeafIndex] = true
	c.fills[imm.OrderHash] = state

	return c.create(timelock.Src, imm, OpDeploySrc, taker), nil
}

func (c *Chain) deployDst(taker chain.Address, imm escrow.Immutables, srcCancellation time.Time) (escrow.Deployment, error) {
	if !imm.Taker.Equal(taker) {
		return escrow.Deployment{}, swap.Validationf("escrow taker %v, deployed by %v", imm.Taker, taker)
	}
	if err := imm.TimeLocks.Validate(); err != nil {
		return escrow.Deployment{}, err
	}
	now := c.clock.Now()
	if cancellation := imm.TimeLocks.At(timelock.DstCancellation, now); !cancellation.Before(srcCancellation) {
		return escrow.Deployment{}, swap.TimeWindowf("destination cancellation at %v not before source cancellation at %v", cancellation.Unix(), srcCancellation.Unix())
	}
	if err := c.debit(imm.Token, taker, imm.Amount); err != nil {
		return escrow.Deployment{}, err
	}
	if err := c.debit(c.native, taker, imm.SafetyDeposit); err != nil {
		c.credit(imm.Token, taker, imm.Amount)
		return escrow.Deployment{}, err
	}
	return c.create(timelock.Dst, imm, OpDeployDst, taker), nil
}

func (c *Chain) withdraw(caller chain.Address, ref escrow.Ref, secret []byte) error {
	esc, ok := c.escrows[ref]
	if !ok {
		return swap.Desyncf("escrow %v not found on %v", ref, c.id)
	}
	if err := esc.CheckWithdraw(c.clock.Now(), esc.RoleOf(caller), secret); err != nil {
		return err
	}
	// Source funds go to the resolver, destination funds to the maker's receiver.
	recipient := esc.Taker
	if esc.Side == timelock.Dst {
		recipient = esc.Maker
	}
	c.credit(esc.Token, recipient, esc.Amount)
	c.credit(c.native, caller, esc.SafetyDeposit)
	esc.Status = escrow.StatusWithdrawn
	esc.Secret = append([]byte(nil), secret...)
	return nil
}

func (c *Chain) cancel(caller chain.Address, ref escrow.Ref) error {
	esc, ok := c.escrows[ref]
	if !ok {
		return swap.Desyncf("escrow %v not found on %v", ref, c.id)
	}
	if err := esc.CheckCancel(c.clock.Now(), esc.RoleOf(caller)); err != nil {
		return err
	}
	depositor := esc.Maker
	if esc.Side == timelock.Dst {
		depositor = esc.Taker
	}
	c.credit(esc.Token, depositor, esc.Amount)
	c.credit(c.native, caller, esc.SafetyDeposit)
	esc.Status = escrow.StatusCancelled
	return nil
}

func (c *Chain) create(side timelock.Side, imm escrow.Immutables, op Op, caller chain.Address) escrow.Deployment {
	imm.DeployedAt = c.clock.Now()
	imm.Amount = new(big.Int).Set(imm.Amount)
	imm.SafetyDeposit = new(big.Int).Set(imm.SafetyDeposit)

	c.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], c.seq)
	id := crypto.Keccak256(imm.OrderHash[:], imm.HashLock[:], []byte(c.id), seq[:])
	if c.id.IsEVM() {
		id = id[12:]
	}
	ref := escrow.Ref(hexutil.Encode(id))

	c.escrows[ref] = &escrow.Escrow{Ref: ref, Side: side, Status: escrow.StatusActive, Immutables: imm}
	txHash := c.record(op, ref, caller)
	return escrow.Deployment{Ref: ref, TxHash: txHash, DeployedAt: imm.DeployedAt, Immutables: imm}
}

func (c *Chain) record(op Op, ref escrow.Ref, caller chain.Address) string {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(c.txs)))
	hash := crypto.Keccak256Hash([]byte(c.id), []byte(op), []byte(ref), n[:]).Hex()
	c.txs = append(c.txs, Tx{Hash: hash, Op: op, Ref: ref, Caller: caller})
	return hash
}

func (c *Chain) credit(token, holder chain.Address, amount *big.Int) {
	holders, ok := c.balances[token]
	if !ok {
		holders = map[chain.Address]*big.Int{}
		c.balances[token] = holders
	}
	if _, ok := holders[holder]; !ok {
		holders[holder] = new(big.Int)
	}
	holders[holder].Add(holders[holder], amount)
}

func (c *Chain) debit(token, holder chain.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	balance, ok := c.balances[token][holder]
	if !ok || balance.Cmp(amount) < 0 {
		return swap.FillRejectedf("%v holds less than %v of %v", holder, amount, token)
	}
	balance.Sub(balance, amount)
	return nil
}
