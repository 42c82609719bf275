package ethswap

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Client is the part of ethclient.Client the ledger needs.
type Client interface {
	bind.ContractBackend
	bind.DeployBackend

	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// wallet signs and sends the transactions of the resolver owner key. The nonce is managed locally so concurrent swaps
// do not race on it.
type wallet struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
	client  Client

	mu    *sync.Mutex
	addr  common.Address
	nonce uint64

	// approved caches the tokens with a max allowance for the resolver contract.
	approved map[common.Address]bool
}

func newWallet(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, client Client) (*wallet, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &wallet{
		key:      key,
		chainID:  chainID,
		client:   client,
		mu:       new(sync.Mutex),
		addr:     addr,
		nonce:    nonce,
		approved: map[common.Address]bool{},
	}, nil
}

func (wallet *wallet) Address() common.Address {
	return wallet.addr
}

// transact sends a call to the contract with the next nonce.
func (wallet *wallet) transact(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, args ...interface{}) (*types.Transaction, error) {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()

	transactor, err := wallet.transactor(ctx)
	if err != nil {
		return nil, err
	}
	transactor.Value = value

	tx, err := contract.Transact(transactor, method, args...)
	if err != nil {
		if strings.Contains(err.Error(), "nonce too low") {
			if inErr := wallet.calibrateNonce(); inErr != nil {
				return nil, fmt.Errorf("%v failed = %w, reset nonce failed = %v", method, err, inErr)
			}
		}
		return nil, err
	}
	wallet.nonce++
	return tx, nil
}

// allowanceCheck makes sure the spender can pull the token from the wallet, approving the max amount when the
// allowance is below the total supply. It only sends a transaction once per token.
func (wallet *wallet) allowanceCheck(ctx context.Context, token *bind.BoundContract, tokenAddr, spender common.Address) error {
	wallet.mu.Lock()
	approved := wallet.approved[tokenAddr]
	wallet.mu.Unlock()
	if approved {
		return nil
	}

	callOpts := &bind.CallOpts{Context: ctx}
	allowance, err := callUint(callOpts, token, "allowance", wallet.addr, spender)
	if err != nil {
		return err
	}
	totalSupply, err := callUint(callOpts, token, "totalSupply")
	if err != nil {
		return err
	}

	// Do a large approval when the allowance is low, we should only need to do this once.
	if allowance.Cmp(totalSupply) == -1 {
		max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
		tx, err := wallet.transact(ctx, token, nil, "approve", spender, max)
		if err != nil {
			return err
		}
		receipt, err := bind.WaitMined(ctx, wallet.client, tx)
		if err != nil {
			return err
		}
		if receipt.Status == types.ReceiptStatusFailed {
			return fmt.Errorf("tx reverted, hash = %v", receipt.TxHash.Hex())
		}
	}

	wallet.mu.Lock()
	wallet.approved[tokenAddr] = true
	wallet.mu.Unlock()
	return nil
}

func (wallet *wallet) calibrateNonce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nonce, err := wallet.client.PendingNonceAt(ctx, wallet.addr)
	if err != nil {
		return err
	}
	wallet.nonce = nonce
	return nil
}

func (wallet *wallet) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	transactor, err := bind.NewKeyedTransactorWithChainID(wallet.key, wallet.chainID)
	if err != nil {
		return nil, err
	}
	transactor.Nonce = new(big.Int).SetUint64(wallet.nonce)
	transactor.Context = ctx
	return transactor, nil
}

func callUint(opts *bind.CallOpts, contract *bind.BoundContract, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(opts, &out, method, args...); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%v returned %v values", method, len(out))
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}
