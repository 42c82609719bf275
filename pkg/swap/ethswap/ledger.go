package ethswap

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	srcCreatedID = FactoryABI.Events["SrcEscrowCreated"].ID
	dstCreatedID = FactoryABI.Events["DstEscrowCreated"].ID
	withdrawalID = EscrowABI.Events["Withdrawal"].ID
	cancelledID  = EscrowABI.Events["EscrowCancelled"].ID
)

var _ escrow.Ledger = (*Ledger)(nil)

type tracked struct {
	escrow escrow.Escrow
	block  uint64
}

// Ledger settles escrows on an EVM chain through the resolver contract. The resolver contract is the taker of every
// escrow, the wallet key is its owner.
type Ledger struct {
	options Options
	client  Client
	wallet  *wallet

	resolver *bind.BoundContract
	factory  *bind.BoundContract

	mu      sync.RWMutex
	escrows map[escrow.Ref]tracked
}

func NewLedger(ctx context.Context, options Options, key *ecdsa.PrivateKey, client Client) (*Ledger, error) {
	// Make sure the chain ID matches our expectation, so we know we are on the right chain.
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if options.Chain.ID().Cmp(chainID) != 0 {
		return nil, fmt.Errorf("wrong chain ID, expect %v, got %v", options.Chain.ID(), chainID)
	}
	w, err := newWallet(ctx, key, chainID, client)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		options:  options,
		client:   client,
		wallet:   w,
		resolver: bind.NewBoundContract(options.ResolverAddr, ResolverABI, client, client, client),
		factory:  bind.NewBoundContract(options.FactoryAddr, FactoryABI, client, client, client),
		escrows:  map[escrow.Ref]tracked{},
	}, nil
}

func (ledger *Ledger) Chain() chain.Chain {
	return ledger.options.Chain
}

// Address of the resolver contract.
func (ledger *Ledger) Address() chain.Address {
	return chain.EVMAddress(ledger.options.ResolverAddr)
}

// Owner is the account sending the transactions.
func (ledger *Ledger) Owner() common.Address {
	return ledger.wallet.Address()
}

func (ledger *Ledger) Now(ctx context.Context) (time.Time, error) {
	header, err := ledger.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, swap.Transient(err)
	}
	return time.Unix(int64(header.Time), 0), nil
}

// Balance of the owner account, in the native token when token is zero.
func (ledger *Ledger) Balance(ctx context.Context, token chain.Address) (*big.Int, error) {
	if token.IsZero() {
		return ledger.client.BalanceAt(ctx, ledger.wallet.Address(), nil)
	}
	erc20 := bind.NewBoundContract(token.EVM(), ERC20ABI, ledger.client, ledger.client, ledger.client)
	return callUint(&bind.CallOpts{Context: ctx}, erc20, "balanceOf", ledger.wallet.Address())
}

func (ledger *Ledger) DeploySrc(ctx context.Context, req escrow.FillRequest) (escrow.Deployment, error) {
	o := req.Order
	if o.SrcChain != ledger.options.Chain {
		return escrow.Deployment{}, swap.Validationf("order source %v is not %v", o.SrcChain, ledger.options.Chain)
	}
	if err := o.Validate(); err != nil {
		return escrow.Deployment{}, err
	}
	if !o.IsWhitelisted(ledger.Address()) {
		return escrow.Deployment{}, swap.FillRejectedf("resolver %v is not whitelisted", ledger.Address())
	}
	if err := o.VerifySignature(req.Signature); err != nil {
		return escrow.Deployment{}, err
	}
	if !req.Verify() {
		return escrow.Deployment{}, fmt.Errorf("%w: secret hash %v does not match leaf %v", swap.ErrProofVerification, req.SecretHash.Hex(), req.LeafIndex)
	}
	imm, err := req.SrcImmutables(ledger.Address())
	if err != nil {
		return escrow.Deployment{}, swap.Validationf("src immutables: %v", err)
	}
	r, vs, err := compactSignature(req.Signature)
	if err != nil {
		return escrow.Deployment{}, err
	}
	traits, args, err := fillArgs(req)
	if err != nil {
		return escrow.Deployment{}, swap.Validationf("fill args: %v", err)
	}
	orderTuple, err := NewOrderTuple(o)
	if err != nil {
		return escrow.Deployment{}, swap.Validationf("order tuple: %v", err)
	}

	receipt, err := ledger.send(ctx, ledger.resolver, ledger.options.ResolverAddr, ResolverABI, imm.SafetyDeposit,
		"deploySrc", NewImmutablesTuple(imm), orderTuple, r, vs, req.Amount, traits, args)
	if err != nil {
		return escrow.Deployment{}, err
	}
	created, err := ledger.srcCreated(receipt)
	if err != nil {
		return escrow.Deployment{}, err
	}
	deployed, err := created.Immutables()
	if err != nil {
		return escrow.Deployment{}, swap.Desyncf("decode src immutables: %v", err)
	}
	addr, err := ledger.addressOfEscrowSrc(ctx, created)
	if err != nil {
		return escrow.Deployment{}, err
	}

	ref := escrow.Ref(addr.Hex())
	ledger.remember(escrow.Escrow{Ref: ref, Side: timelock.Src, Status: escrow.StatusActive, Immutables: deployed}, receipt.BlockNumber.Uint64())
	return escrow.Deployment{
		Ref:        ref,
		TxHash:     receipt.TxHash.Hex(),
		DeployedAt: deployed.DeployedAt,
		Immutables: deployed,
	}, nil
}

func (ledger *Ledger) DeployDst(ctx context.Context, imm escrow.Immutables, srcCancellation time.Time) (escrow.Deployment, error) {
	if imm.Token.Family() != chain.FamilyEVM || imm.Maker.Family() != chain.FamilyEVM {
		return escrow.Deployment{}, swap.Validationf("immutables are not for an evm chain")
	}
	if !imm.Taker.Equal(ledger.Address()) {
		return escrow.Deployment{}, swap.Validationf("taker %v is not the resolver %v", imm.Taker, ledger.Address())
	}
	now, err := ledger.Now(ctx)
	if err != nil {
		return escrow.Deployment{}, err
	}
	if cancellation := imm.TimeLocks.At(timelock.DstCancellation, now); !cancellation.Before(srcCancellation) {
		return escrow.Deployment{}, swap.TimeWindowf("destination cancellation at %v not before source cancellation at %v", cancellation.Unix(), srcCancellation.Unix())
	}

	value := new(big.Int).Set(imm.SafetyDeposit)
	if imm.Token.IsZero() {
		value.Add(value, imm.Amount)
	} else {
		token := bind.NewBoundContract(imm.Token.EVM(), ERC20ABI, ledger.client, ledger.client, ledger.client)
		if err := ledger.wallet.allowanceCheck(ctx, token, imm.Token.EVM(), ledger.options.ResolverAddr); err != nil {
			return escrow.Deployment{}, classify(err)
		}
	}

	imm.DeployedAt = time.Time{}
	receipt, err := ledger.send(ctx, ledger.resolver, ledger.options.ResolverAddr, ResolverABI, value,
		"deployDst", NewImmutablesTuple(imm), big.NewInt(srcCancellation.Unix()))
	if err != nil {
		return escrow.Deployment{}, err
	}
	addr, err := ledger.dstCreated(receipt)
	if err != nil {
		return escrow.Deployment{}, err
	}
	deployedAt, err := ledger.blockTime(ctx, receipt.BlockNumber.Uint64())
	if err != nil {
		return escrow.Deployment{}, err
	}
	imm.DeployedAt = deployedAt

	ref := escrow.Ref(addr.Hex())
	ledger.remember(escrow.Escrow{Ref: ref, Side: timelock.Dst, Status: escrow.StatusActive, Immutables: imm}, receipt.BlockNumber.Uint64())
	return escrow.Deployment{
		Ref:        ref,
		TxHash:     receipt.TxHash.Hex(),
		DeployedAt: deployedAt,
		Immutables: imm,
	}, nil
}

func (ledger *Ledger) Withdraw(ctx context.Context, ref escrow.Ref, secret []byte) (string, error) {
	esc, err := ledger.Immutables(ctx, ref)
	if err != nil {
		return "", err
	}
	now, err := ledger.Now(ctx)
	if err != nil {
		return "", err
	}
	if err := esc.CheckWithdraw(now, esc.RoleOf(ledger.Address()), secret); err != nil {
		return "", err
	}
	if len(secret) != 32 {
		return "", fmt.Errorf("%w: secret has %v bytes", swap.ErrProofVerification, len(secret))
	}

	receipt, err := ledger.send(ctx, ledger.resolver, ledger.options.ResolverAddr, ResolverABI, nil,
		"withdraw", common.HexToAddress(string(esc.Ref)), [32]byte(secret), NewImmutablesTuple(esc.Immutables))
	if err != nil {
		return "", err
	}
	ledger.settle(esc.Ref, escrow.StatusWithdrawn, secret)
	return receipt.TxHash.Hex(), nil
}

func (ledger *Ledger) Cancel(ctx context.Context, ref escrow.Ref) (string, error) {
	esc, err := ledger.Immutables(ctx, ref)
	if err != nil {
		return "", err
	}
	now, err := ledger.Now(ctx)
	if err != nil {
		return "", err
	}
	if err := esc.CheckCancel(now, esc.RoleOf(ledger.Address())); err != nil {
		return "", err
	}

	receipt, err := ledger.send(ctx, ledger.resolver, ledger.options.ResolverAddr, ResolverABI, nil,
		"cancel", common.HexToAddress(string(esc.Ref)), NewImmutablesTuple(esc.Immutables))
	if err != nil {
		return "", err
	}
	ledger.settle(esc.Ref, escrow.StatusCancelled, nil)
	return receipt.TxHash.Hex(), nil
}

// Immutables returns the escrow at ref. Escrows we did not deploy in this process are looked up from the factory
// events.
func (ledger *Ledger) Immutables(ctx context.Context, ref escrow.Ref) (escrow.Escrow, error) {
	if !common.IsHexAddress(string(ref)) {
		return escrow.Escrow{}, swap.Validationf("invalid escrow address %v", ref)
	}
	addr := common.HexToAddress(string(ref))
	ref = escrow.Ref(addr.Hex())

	ledger.mu.RLock()
	entry, ok := ledger.escrows[ref]
	ledger.mu.RUnlock()
	if !ok {
		var err error
		entry, err = ledger.find(ctx, addr)
		if err != nil {
			return escrow.Escrow{}, err
		}
		ledger.remember(entry.escrow, entry.block)
	}
	if entry.escrow.Status.Terminal() {
		return entry.escrow, nil
	}

	status, secret, err := ledger.status(ctx, addr, entry.block)
	if err != nil {
		return escrow.Escrow{}, err
	}
	entry.escrow.Status = status
	entry.escrow.Secret = secret
	ledger.settle(ref, status, secret)
	return entry.escrow, nil
}

// Lookup scans the factory events for an escrow of the resolver contract with the order hash and hash-lock.
func (ledger *Ledger) Lookup(ctx context.Context, side timelock.Side, orderHash, hashLock common.Hash) (escrow.Escrow, bool, error) {
	entry, ok, err := ledger.scan(ctx, func(c creation) bool {
		return c.side == side && c.hashLock == hashLock && c.taker == ledger.options.ResolverAddr
	}, func(esc escrow.Escrow) bool {
		return esc.OrderHash == orderHash
	})
	if err != nil || !ok {
		return escrow.Escrow{}, false, err
	}
	ledger.remember(entry.escrow, entry.block)
	esc, err := ledger.Immutables(ctx, entry.escrow.Ref)
	if err != nil {
		return escrow.Escrow{}, false, err
	}
	return esc, true, nil
}

// send simulates the call first so reverts are reported with their reason, then sends it and waits for the receipt.
func (ledger *Ledger) send(ctx context.Context, contract *bind.BoundContract, to common.Address, contractABI abi.ABI, value *big.Int, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, swap.Validationf("pack %v: %v", method, err)
	}
	msg := ethereum.CallMsg{From: ledger.wallet.Address(), To: &to, Value: value, Data: data}
	if _, err := ledger.client.CallContract(ctx, msg, nil); err != nil {
		return nil, classify(err)
	}

	tx, err := ledger.wallet.transact(ctx, contract, value, method, args...)
	if err != nil {
		return nil, classify(err)
	}
	receipt, err := bind.WaitMined(ctx, ledger.client, tx)
	if err != nil {
		return nil, swap.Transient(fmt.Errorf("wait for %v: %w", tx.Hash().Hex(), err))
	}
	if receipt.Status == types.ReceiptStatusFailed {
		// Replay the call in the block it was mined in to get the revert reason.
		if _, err := ledger.client.CallContract(ctx, msg, receipt.BlockNumber); err != nil {
			return nil, classify(err)
		}
		return nil, swap.Desyncf("tx %v reverted", receipt.TxHash.Hex())
	}
	return receipt, nil
}

func (ledger *Ledger) srcCreated(receipt *types.Receipt) (ImmutablesTuple, error) {
	for _, log := range receipt.Logs {
		if log.Address != ledger.options.FactoryAddr || len(log.Topics) == 0 || log.Topics[0] != srcCreatedID {
			continue
		}
		values, err := FactoryABI.Unpack("SrcEscrowCreated", log.Data)
		if err != nil {
			return ImmutablesTuple{}, swap.Desyncf("decode src escrow event: %v", err)
		}
		return unpackImmutables(values[0])
	}
	return ImmutablesTuple{}, swap.Desyncf("no src escrow created in tx %v", receipt.TxHash.Hex())
}

func (ledger *Ledger) dstCreated(receipt *types.Receipt) (common.Address, error) {
	for _, log := range receipt.Logs {
		if log.Address != ledger.options.FactoryAddr || len(log.Topics) == 0 || log.Topics[0] != dstCreatedID {
			continue
		}
		return dstEscrowAddress(log)
	}
	return common.Address{}, swap.Desyncf("no dst escrow created in tx %v", receipt.TxHash.Hex())
}

func dstEscrowAddress(log *types.Log) (common.Address, error) {
	values, err := FactoryABI.Unpack("DstEscrowCreated", log.Data)
	if err != nil {
		return common.Address{}, swap.Desyncf("decode dst escrow event: %v", err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, swap.Desyncf("unexpected escrow type %T", values[0])
	}
	return addr, nil
}

func (ledger *Ledger) addressOfEscrowSrc(ctx context.Context, tuple ImmutablesTuple) (common.Address, error) {
	var out []interface{}
	if err := ledger.factory.Call(&bind.CallOpts{Context: ctx}, &out, "addressOfEscrowSrc", tuple); err != nil {
		return common.Address{}, classify(err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("addressOfEscrowSrc returned %v values", len(out))
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (ledger *Ledger) blockTime(ctx context.Context, block uint64) (time.Time, error) {
	header, err := ledger.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, swap.Transient(err)
	}
	return time.Unix(int64(header.Time), 0), nil
}

// status reads the escrow events emitted since its deployment. A withdrawal also returns the secret it published.
func (ledger *Ledger) status(ctx context.Context, addr common.Address, fromBlock uint64) (escrow.Status, []byte, error) {
	logs, err := ledger.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{withdrawalID, cancelledID}},
	})
	if err != nil {
		return escrow.StatusUnknown, nil, swap.Transient(err)
	}
	for _, log := range logs {
		if len(log.Topics) == 0 {
			continue
		}
		switch log.Topics[0] {
		case withdrawalID:
			values, err := EscrowABI.Unpack("Withdrawal", log.Data)
			if err != nil || len(values) != 1 {
				return escrow.StatusUnknown, nil, swap.Desyncf("decode withdrawal of %v: %v", addr.Hex(), err)
			}
			secret, ok := values[0].([32]byte)
			if !ok {
				return escrow.StatusUnknown, nil, swap.Desyncf("unexpected secret type %T", values[0])
			}
			return escrow.StatusWithdrawn, secret[:], nil
		case cancelledID:
			return escrow.StatusCancelled, nil, nil
		}
	}
	return escrow.StatusActive, nil, nil
}

// creation is what a factory event tells about an escrow before its immutables are decoded.
type creation struct {
	side     timelock.Side
	addr     common.Address
	hashLock common.Hash
	taker    common.Address
}

// find scans the factory events for the creation of the escrow at addr.
func (ledger *Ledger) find(ctx context.Context, addr common.Address) (tracked, error) {
	entry, ok, err := ledger.scan(ctx, func(c creation) bool {
		return c.addr == addr
	}, nil)
	if err != nil {
		return tracked{}, err
	}
	if !ok {
		return tracked{}, swap.Desyncf("escrow %v not found in the last %v blocks", addr.Hex(), ledger.options.LookBack)
	}
	return entry, nil
}

// scan walks the factory events of the last LookBack blocks, oldest first. Creations passing want get their
// immutables decoded, the first escrow passing match is returned. A nil match accepts any escrow.
func (ledger *Ledger) scan(ctx context.Context, want func(creation) bool, match func(escrow.Escrow) bool) (tracked, bool, error) {
	latest, err := ledger.client.BlockNumber(ctx)
	if err != nil {
		return tracked{}, false, swap.Transient(err)
	}
	from := uint64(0)
	if latest > ledger.options.LookBack {
		from = latest - ledger.options.LookBack
	}
	step := ledger.options.LogStep
	if step == 0 {
		step = 1
	}

	for start := from; start <= latest; start += step {
		end := start + step - 1
		if end > latest {
			end = latest
		}
		logs, err := ledger.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{ledger.options.FactoryAddr},
			Topics:    [][]common.Hash{{srcCreatedID, dstCreatedID}},
		})
		if err != nil {
			return tracked{}, false, swap.Transient(err)
		}

		for i := range logs {
			log := &logs[i]
			if len(log.Topics) == 0 {
				continue
			}
			var imm escrow.Immutables
			var c creation
			switch log.Topics[0] {
			case srcCreatedID:
				values, err := FactoryABI.Unpack("SrcEscrowCreated", log.Data)
				if err != nil {
					continue
				}
				tuple, err := unpackImmutables(values[0])
				if err != nil {
					continue
				}
				if c.addr, err = ledger.addressOfEscrowSrc(ctx, tuple); err != nil {
					return tracked{}, false, err
				}
				c.side, c.hashLock, c.taker = timelock.Src, tuple.Hashlock, common.BigToAddress(tuple.Taker)
				if !want(c) {
					continue
				}
				if imm, err = tuple.Immutables(); err != nil {
					return tracked{}, false, swap.Desyncf("decode src immutables: %v", err)
				}
			case dstCreatedID:
				values, err := FactoryABI.Unpack("DstEscrowCreated", log.Data)
				if err != nil || len(values) != 3 {
					continue
				}
				addr, okAddr := values[0].(common.Address)
				hashLock, okLock := values[1].([32]byte)
				taker, okTaker := values[2].(*big.Int)
				if !okAddr || !okLock || !okTaker {
					continue
				}
				c = creation{side: timelock.Dst, addr: addr, hashLock: hashLock, taker: common.BigToAddress(taker)}
				if !want(c) {
					continue
				}
				if imm, err = ledger.dstImmutables(ctx, log); err != nil {
					return tracked{}, false, err
				}
			default:
				continue
			}
			esc := escrow.Escrow{Ref: escrow.Ref(c.addr.Hex()), Side: c.side, Status: escrow.StatusActive, Immutables: imm}
			if match != nil && !match(esc) {
				continue
			}
			return tracked{escrow: esc, block: log.BlockNumber}, true, nil
		}
	}
	return tracked{}, false, nil
}

// dstImmutables decodes the immutables from the deployDst call which created the escrow, the event only carries the
// escrow address.
func (ledger *Ledger) dstImmutables(ctx context.Context, log *types.Log) (escrow.Immutables, error) {
	tx, _, err := ledger.client.TransactionByHash(ctx, log.TxHash)
	if err != nil {
		return escrow.Immutables{}, swap.Transient(err)
	}
	data := tx.Data()
	if len(data) < 4 {
		return escrow.Immutables{}, swap.Desyncf("escrow created by a transfer in tx %v", log.TxHash.Hex())
	}
	method, err := ResolverABI.MethodById(data[:4])
	if err != nil || method.Name != "deployDst" {
		return escrow.Immutables{}, swap.Desyncf("escrow was not created by the resolver in tx %v", log.TxHash.Hex())
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return escrow.Immutables{}, swap.Desyncf("decode deployDst call: %v", err)
	}
	tuple, err := unpackImmutables(values[0])
	if err != nil {
		return escrow.Immutables{}, swap.Desyncf("decode dst immutables: %v", err)
	}
	deployedAt, err := ledger.blockTime(ctx, log.BlockNumber)
	if err != nil {
		return escrow.Immutables{}, err
	}
	if tuple, err = tuple.WithDeployedAt(deployedAt); err != nil {
		return escrow.Immutables{}, swap.Desyncf("decode dst time-locks: %v", err)
	}
	return tuple.Immutables()
}

func (ledger *Ledger) remember(esc escrow.Escrow, block uint64) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.escrows[esc.Ref] = tracked{escrow: esc, block: block}
}

func (ledger *Ledger) settle(ref escrow.Ref, status escrow.Status, secret []byte) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if entry, ok := ledger.escrows[ref]; ok {
		entry.escrow.Status = status
		entry.escrow.Secret = append([]byte(nil), secret...)
		ledger.escrows[ref] = entry
	}
}
