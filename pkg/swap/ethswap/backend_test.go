package ethswap_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/swap/ethswap"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// revertError mimics the json-rpc error returned by a node for a reverted call.
type revertError struct {
	data string
}

func (err revertError) Error() string {
	return "execution reverted"
}

func (err revertError) ErrorCode() int {
	return 3
}

func (err revertError) ErrorData() interface{} {
	return err.data
}

type complementTuple struct {
	Maker         *big.Int
	Amount        *big.Int
	Token         *big.Int
	SafetyDeposit *big.Int
	ChainId       *big.Int
}

// backend is an in-memory chain running the resolver and factory contracts. Every transaction is mined in its own
// block at the current time.
type backend struct {
	mu sync.Mutex

	chainID  *big.Int
	resolver common.Address
	factory  common.Address

	now   uint64
	block uint64
	times map[uint64]uint64
	nonce uint64

	txs       map[common.Hash]*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	logs      []types.Log
	allowance map[common.Address]*big.Int

	// reverts makes calls of the method revert with the named contract error.
	reverts map[string]string
	sent    []string
	args    map[string][]interface{}
}

func newBackend(chainID *big.Int, resolver, factory common.Address) *backend {
	return &backend{
		chainID:   chainID,
		resolver:  resolver,
		factory:   factory,
		now:       1_700_000_000,
		times:     map[uint64]uint64{0: 1_700_000_000},
		txs:       map[common.Hash]*types.Transaction{},
		receipts:  map[common.Hash]*types.Receipt{},
		allowance: map[common.Address]*big.Int{},
		reverts:   map[string]string{},
		args:      map[string][]interface{}{},
	}
}

func (b *backend) Advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now += uint64(d / time.Second)
}

// BumpNonce simulates a transaction sent by the same account from somewhere else.
func (b *backend) BumpNonce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonce++
}

func (b *backend) Revert(method, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == "" {
		delete(b.reverts, method)
		return
	}
	b.reverts[method] = reason
}

func (b *backend) Sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.sent...)
}

func (b *backend) Args(method string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.args[method]
}

func escrowAddress(tuple ethswap.ImmutablesTuple) common.Address {
	packed, err := ethswap.FactoryABI.Methods["addressOfEscrowSrc"].Inputs.Pack(tuple)
	if err != nil {
		panic(err)
	}
	return common.BytesToAddress(crypto.Keccak256(packed)[12:])
}

func toTuple(value interface{}) ethswap.ImmutablesTuple {
	return *abi.ConvertType(value, new(ethswap.ImmutablesTuple)).(*ethswap.ImmutablesTuple)
}

func (b *backend) ChainID(ctx context.Context) (*big.Int, error) {
	return b.chainID, nil
}

func (b *backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (b *backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if number == nil {
		return &types.Header{Number: new(big.Int).SetUint64(b.block), Time: b.now}, nil
	}
	at, ok := b.times[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: new(big.Int).Set(number), Time: at}, nil
}

func (b *backend) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{1}, nil
}

func (b *backend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{1}, nil
}

func (b *backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (b *backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (b *backend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 300_000, nil
}

func (b *backend) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions are not supported")
}

func (b *backend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *backend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (b *backend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var logs []types.Log
	for _, log := range b.logs {
		if query.FromBlock != nil && log.BlockNumber < query.FromBlock.Uint64() {
			continue
		}
		if query.ToBlock != nil && log.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		if len(query.Addresses) > 0 && !containsAddress(query.Addresses, log.Address) {
			continue
		}
		if len(query.Topics) > 0 && len(query.Topics[0]) > 0 && !containsHash(query.Topics[0], log.Topics[0]) {
			continue
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func (b *backend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if call.To == nil || len(call.Data) < 4 {
		return nil, nil
	}
	switch *call.To {
	case b.factory:
		method, err := ethswap.FactoryABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		values, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(escrowAddress(toTuple(values[0])))
	case b.resolver:
		method, err := ethswap.ResolverABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		if reason, ok := b.reverts[method.Name]; ok {
			id := ethswap.ResolverABI.Errors[reason].ID
			return nil, revertError{data: hexutil.Encode(id[:4])}
		}
		return nil, nil
	default:
		method, err := ethswap.ERC20ABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		switch method.Name {
		case "allowance":
			allowance, ok := b.allowance[*call.To]
			if !ok {
				allowance = new(big.Int)
			}
			return method.Outputs.Pack(allowance)
		case "totalSupply":
			return method.Outputs.Pack(big.NewInt(1e18))
		case "balanceOf":
			return method.Outputs.Pack(big.NewInt(5000))
		}
		return nil, nil
	}
}

func (b *backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tx.Nonce() < b.nonce {
		return errors.New("nonce too low")
	}
	if tx.Nonce() > b.nonce {
		return fmt.Errorf("nonce gap, expect %v, got %v", b.nonce, tx.Nonce())
	}
	b.nonce++
	b.block++
	b.times[b.block] = b.now

	logs, err := b.execute(tx)
	if err != nil {
		return err
	}
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
	}
	for i := range logs {
		logs[i].TxHash = tx.Hash()
		logs[i].BlockNumber = b.block
		logs[i].Index = uint(i)
		receipt.Logs = append(receipt.Logs, &logs[i])
	}
	b.logs = append(b.logs, logs...)
	b.txs[tx.Hash()] = tx
	b.receipts[tx.Hash()] = receipt
	return nil
}

func (b *backend) execute(tx *types.Transaction) ([]types.Log, error) {
	data := tx.Data()
	if *tx.To() != b.resolver {
		method, err := ethswap.ERC20ABI.MethodById(data[:4])
		if err != nil {
			return nil, err
		}
		b.sent = append(b.sent, method.Name)
		if method.Name == "approve" {
			values, err := method.Inputs.Unpack(data[4:])
			if err != nil {
				return nil, err
			}
			b.allowance[*tx.To()] = values[1].(*big.Int)
		}
		return nil, nil
	}

	method, err := ethswap.ResolverABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	b.sent = append(b.sent, method.Name)
	b.args[method.Name] = values

	switch method.Name {
	case "deploySrc":
		tuple, err := toTuple(values[0]).WithDeployedAt(time.Unix(int64(b.now), 0))
		if err != nil {
			return nil, err
		}
		complement := complementTuple{
			Maker:         new(big.Int),
			Amount:        new(big.Int),
			Token:         new(big.Int),
			SafetyDeposit: new(big.Int),
			ChainId:       big.NewInt(101),
		}
		event := ethswap.FactoryABI.Events["SrcEscrowCreated"]
		logData, err := event.Inputs.Pack(tuple, complement)
		if err != nil {
			return nil, err
		}
		return []types.Log{{Address: b.factory, Topics: []common.Hash{event.ID}, Data: logData}}, nil
	case "deployDst":
		tuple, err := toTuple(values[0]).WithDeployedAt(time.Unix(int64(b.now), 0))
		if err != nil {
			return nil, err
		}
		event := ethswap.FactoryABI.Events["DstEscrowCreated"]
		logData, err := event.Inputs.Pack(escrowAddress(tuple), tuple.Hashlock, tuple.Taker)
		if err != nil {
			return nil, err
		}
		return []types.Log{{Address: b.factory, Topics: []common.Hash{event.ID}, Data: logData}}, nil
	case "withdraw":
		event := ethswap.EscrowABI.Events["Withdrawal"]
		logData, err := event.Inputs.Pack(values[1])
		if err != nil {
			return nil, err
		}
		return []types.Log{{Address: values[0].(common.Address), Topics: []common.Hash{event.ID}, Data: logData}}, nil
	case "cancel":
		event := ethswap.EscrowABI.Events["EscrowCancelled"]
		return []types.Log{{Address: values[0].(common.Address), Topics: []common.Hash{event.ID}}}, nil
	}
	return nil, nil
}

func containsAddress(addrs []common.Address, addr common.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func containsHash(hashes []common.Hash, hash common.Hash) bool {
	for _, h := range hashes {
		if h == hash {
			return true
		}
	}
	return false
}
