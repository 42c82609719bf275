package suiswap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/chain/suikey"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const module = "escrow_factory"

// Caller is the json-rpc transport, satisfied by *rpc.Client.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Ledger settles escrows through the escrow_factory Move module. The resolver key owns the coins funding the
// destination escrows and the safety deposits.
type Ledger struct {
	options Options
	client  Caller
	key     *suikey.Key

	// mu serializes submissions so concurrent swaps never select the same coins.
	mu *sync.Mutex
}

var _ escrow.Ledger = (*Ledger)(nil)

func NewLedger(options Options, key *suikey.Key, client Caller) (*Ledger, error) {
	if !options.Chain.IsSui() {
		return nil, fmt.Errorf("not a sui chain = %v", options.Chain)
	}
	if options.PackageID == "" || options.FactoryID == "" {
		return nil, fmt.Errorf("missing escrow factory package or object id")
	}
	return &Ledger{
		options: options,
		client:  client,
		key:     key,
		mu:      new(sync.Mutex),
	}, nil
}

func (ledger *Ledger) Chain() chain.Chain {
	return ledger.options.Chain
}

func (ledger *Ledger) Address() chain.Address {
	return ledger.key.Address()
}

// Now is the timestamp of the latest checkpoint.
func (ledger *Ledger) Now(ctx context.Context) (time.Time, error) {
	var seq string
	if err := ledger.client.CallContext(ctx, &seq, "sui_getLatestCheckpointSequenceNumber"); err != nil {
		return time.Time{}, swap.Transient(err)
	}
	var checkpoint Checkpoint
	if err := ledger.client.CallContext(ctx, &checkpoint, "sui_getCheckpoint", seq); err != nil {
		return time.Time{}, swap.Transient(err)
	}
	return parseMillis(checkpoint.TimestampMs)
}

// Balance of the resolver in the coin of token, the zero address reads SUI.
func (ledger *Ledger) Balance(ctx context.Context, token chain.Address) (*big.Int, error) {
	coinType := SuiCoinType
	if !token.IsZero() {
		var err error
		if coinType, err = ledger.options.coinType(token); err != nil {
			return nil, err
		}
	}
	var balance struct {
		TotalBalance string `json:"totalBalance"`
	}
	if err := ledger.client.CallContext(ctx, &balance, "suix_getBalance", ledger.Address().String(), coinType); err != nil {
		return nil, classify(err)
	}
	total, ok := new(big.Int).SetString(balance.TotalBalance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", balance.TotalBalance)
	}
	return total, nil
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
	coinType, err := ledger.options.coinType(imm.Token)
	if err != nil {
		return escrow.Deployment{}, swap.Validationf("%v", err)
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return escrow.Deployment{}, swap.Validationf("decode signature: %v", err)
	}
	amounts, err := u64s(o.MakingAmount, imm.Amount, imm.SafetyDeposit)
	if err != nil {
		return escrow.Deployment{}, err
	}
	proof := make([]Bytes, len(req.Proof))
	for i, node := range req.Proof {
		proof[i] = Bytes(node.Bytes())
	}
	hashLock := o.HashLock.Packed()

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	safetyCoin, err := ledger.pickCoin(ctx, SuiCoinType, imm.SafetyDeposit)
	if err != nil {
		return escrow.Deployment{}, err
	}
	resp, err := ledger.execute(ctx, "deploy_src", []string{coinType}, []interface{}{
		ledger.options.FactoryID,
		Bytes(imm.OrderHash.Bytes()),
		Bytes(hashLock.Bytes()),
		imm.Maker.String(),
		imm.Taker.String(),
		imm.Token.String(),
		amounts[0],
		amounts[1],
		amounts[2],
		timeLocksBytes(imm.TimeLocks),
		strconv.Itoa(req.LeafIndex),
		Bytes(req.SecretHash.Bytes()),
		proof,
		Bytes(signature),
		safetyCoin,
		ClockID,
	})
	if err != nil {
		return escrow.Deployment{}, err
	}
	return deployment(resp, imm)
}

func (ledger *Ledger) DeployDst(ctx context.Context, imm escrow.Immutables, srcCancellation time.Time) (escrow.Deployment, error) {
	if imm.Token.Family() != chain.FamilySui || imm.Maker.Family() != chain.FamilySui {
		return escrow.Deployment{}, swap.Validationf("immutables are not for a sui chain")
	}
	if !imm.Taker.Equal(ledger.Address()) {
		return escrow.Deployment{}, swap.Validationf("taker %v is not the resolver %v", imm.Taker, ledger.Address())
	}
	coinType, err := ledger.options.coinType(imm.Token)
	if err != nil {
		return escrow.Deployment{}, swap.Validationf("%v", err)
	}
	amounts, err := u64s(imm.Amount, imm.SafetyDeposit)
	if err != nil {
		return escrow.Deployment{}, err
	}
	now, err := ledger.Now(ctx)
	if err != nil {
		return escrow.Deployment{}, err
	}
	if cancellation := imm.TimeLocks.At(timelock.DstCancellation, now); !cancellation.Before(srcCancellation) {
		return escrow.Deployment{}, swap.TimeWindowf("destination cancellation at %v not before source cancellation at %v", cancellation.Unix(), srcCancellation.Unix())
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	depositCoin, err := ledger.pickCoin(ctx, coinType, imm.Amount)
	if err != nil {
		return escrow.Deployment{}, err
	}
	safetyCoin, err := ledger.pickCoin(ctx, SuiCoinType, imm.SafetyDeposit, depositCoin)
	if err != nil {
		return escrow.Deployment{}, err
	}
	resp, err := ledger.execute(ctx, "deploy_escrow", []string{coinType}, []interface{}{
		ledger.options.FactoryID,
		Bytes(imm.OrderHash.Bytes()),
		Bytes(imm.HashLock.Bytes()),
		imm.Maker.String(),
		imm.Taker.String(),
		imm.Token.String(),
		amounts[0],
		amounts[1],
		timeLocksBytes(imm.TimeLocks),
		strconv.FormatInt(srcCancellation.UnixMilli(), 10),
		depositCoin,
		safetyCoin,
		ClockID,
	})
	if err != nil {
		return escrow.Deployment{}, err
	}
	return deployment(resp, imm)
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
	coinType, err := ledger.options.coinType(esc.Token)
	if err != nil {
		return "", swap.Validationf("%v", err)
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	resp, err := ledger.execute(ctx, "withdraw", []string{coinType}, []interface{}{string(esc.Ref), Bytes(secret), ClockID})
	if err != nil {
		return "", err
	}
	return resp.Digest, nil
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
	coinType, err := ledger.options.coinType(esc.Token)
	if err != nil {
		return "", swap.Validationf("%v", err)
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	resp, err := ledger.execute(ctx, "cancel", []string{coinType}, []interface{}{string(esc.Ref), ClockID})
	if err != nil {
		return "", err
	}
	return resp.Digest, nil
}

// Immutables reads the escrow object.
func (ledger *Ledger) Immutables(ctx context.Context, ref escrow.Ref) (escrow.Escrow, error) {
	id, err := chain.ParseAddress(chain.FamilySui, string(ref))
	if err != nil {
		return escrow.Escrow{}, swap.Validationf("invalid escrow id %v", ref)
	}
	ref = escrow.Ref(id.String())

	var resp ObjectResponse
	if err := ledger.client.CallContext(ctx, &resp, "sui_getObject", string(ref), map[string]bool{"showContent": true}); err != nil {
		return escrow.Escrow{}, classify(err)
	}
	if resp.Error != nil || resp.Data == nil {
		return escrow.Escrow{}, swap.Desyncf("escrow %v not found", ref)
	}
	return parseEscrow(ref, resp.Data.Content.Fields)
}

// Lookup pages through the EscrowCreated events for an escrow of the resolver with the order hash and hash-lock.
func (ledger *Ledger) Lookup(ctx context.Context, side timelock.Side, orderHash, hashLock common.Hash) (escrow.Escrow, bool, error) {
	query := map[string]string{"MoveEventType": ledger.options.PackageID + "::" + module + "::EscrowCreated"}
	var cursor *EventID
	for page := 0; page < ledger.options.LookBackPages; page++ {
		var events EventPage
		if err := ledger.client.CallContext(ctx, &events, "suix_queryEvents", query, cursor, 50, true); err != nil {
			return escrow.Escrow{}, false, classify(err)
		}
		for _, event := range events.Data {
			var created EscrowCreated
			if err := json.Unmarshal(event.ParsedJSON, &created); err != nil {
				continue
			}
			if created.IsSrc != (side == timelock.Src) || common.BytesToHash(created.OrderHash) != orderHash || common.BytesToHash(created.HashLock) != hashLock {
				continue
			}
			if taker, err := chain.ParseAddress(chain.FamilySui, created.Taker); err != nil || !taker.Equal(ledger.Address()) {
				continue
			}
			esc, err := ledger.Immutables(ctx, escrow.Ref(created.EscrowID))
			if err != nil {
				return escrow.Escrow{}, false, err
			}
			return esc, true, nil
		}
		if !events.HasNextPage || events.NextCursor == nil {
			break
		}
		cursor = events.NextCursor
	}
	return escrow.Escrow{}, false, nil
}

// execute builds the move call on the node, signs it and waits for its local execution.
func (ledger *Ledger) execute(ctx context.Context, function string, typeArgs []string, args []interface{}) (*TransactionResponse, error) {
	var tx TransactionBytes
	err := ledger.client.CallContext(ctx, &tx, "unsafe_moveCall",
		ledger.Address().String(), ledger.options.PackageID, module, function, typeArgs, args, nil,
		strconv.FormatUint(ledger.options.GasBudget, 10))
	if err != nil {
		return nil, classify(err)
	}
	txBytes, err := base64.StdEncoding.DecodeString(tx.TxBytes)
	if err != nil {
		return nil, fmt.Errorf("decode transaction bytes: %w", err)
	}
	signature, err := ledger.key.SignTransaction(txBytes)
	if err != nil {
		return nil, err
	}

	var resp TransactionResponse
	err = ledger.client.CallContext(ctx, &resp, "sui_executeTransactionBlock",
		tx.TxBytes, []string{signature}, map[string]bool{"showEffects": true, "showEvents": true}, "WaitForLocalExecution")
	if err != nil {
		return nil, classify(err)
	}
	if resp.Effects.Status.Status != "success" {
		return nil, abortError(resp.Effects.Status)
	}
	return &resp, nil
}

// pickCoin returns a coin of the resolver holding at least min, skipping the excluded coins.
func (ledger *Ledger) pickCoin(ctx context.Context, coinType string, min *big.Int, exclude ...string) (string, error) {
	var cursor *string
	for {
		var page CoinPage
		if err := ledger.client.CallContext(ctx, &page, "suix_getCoins", ledger.Address().String(), coinType, cursor, 50); err != nil {
			return "", classify(err)
		}
		for _, coin := range page.Data {
			if contains(exclude, coin.CoinObjectID) {
				continue
			}
			balance, ok := new(big.Int).SetString(coin.Balance, 10)
			if ok && balance.Cmp(min) >= 0 {
				return coin.CoinObjectID, nil
			}
		}
		if !page.HasNextPage || page.NextCursor == nil {
			return "", swap.FillRejectedf("no %v coin with a balance of %v", coinType, min)
		}
		cursor = page.NextCursor
	}
}

func deployment(resp *TransactionResponse, imm escrow.Immutables) (escrow.Deployment, error) {
	var created EscrowCreated
	found := false
	for _, event := range resp.Events {
		if strings.HasSuffix(event.Type, "::"+module+"::EscrowCreated") {
			if err := json.Unmarshal(event.ParsedJSON, &created); err != nil {
				return escrow.Deployment{}, swap.Desyncf("decode escrow event: %v", err)
			}
			found = true
			break
		}
	}
	if !found || created.EscrowID == "" {
		return escrow.Deployment{}, swap.Desyncf("no escrow created in tx %v", resp.Digest)
	}
	deployedAt, err := parseMillis(created.DeployedAt)
	if err != nil {
		return escrow.Deployment{}, err
	}
	id, err := chain.ParseAddress(chain.FamilySui, created.EscrowID)
	if err != nil {
		return escrow.Deployment{}, swap.Desyncf("invalid escrow id %v", created.EscrowID)
	}
	imm.DeployedAt = deployedAt
	return escrow.Deployment{
		Ref:        escrow.Ref(id.String()),
		TxHash:     resp.Digest,
		DeployedAt: deployedAt,
		Immutables: imm,
	}, nil
}

func parseEscrow(ref escrow.Ref, fields EscrowFields) (escrow.Escrow, error) {
	var addrs [3]chain.Address
	for i, s := range []string{fields.Maker, fields.Taker, fields.Token} {
		addr, err := chain.ParseAddress(chain.FamilySui, s)
		if err != nil {
			return escrow.Escrow{}, swap.Desyncf("escrow %v: %v", ref, err)
		}
		addrs[i] = addr
	}
	amount, ok := new(big.Int).SetString(fields.Amount, 10)
	if !ok {
		return escrow.Escrow{}, swap.Desyncf("escrow %v: invalid amount %q", ref, fields.Amount)
	}
	deposit, ok := new(big.Int).SetString(fields.SafetyDeposit, 10)
	if !ok {
		return escrow.Escrow{}, swap.Desyncf("escrow %v: invalid safety deposit %q", ref, fields.SafetyDeposit)
	}
	if len(fields.TimeLocks) > 32 || len(fields.OrderHash) != common.HashLength || len(fields.HashLock) != common.HashLength {
		return escrow.Escrow{}, swap.Desyncf("escrow %v: malformed hashes or time-locks", ref)
	}
	timeLocks, _ := timelock.Unpack(new(uint256.Int).SetBytes(fields.TimeLocks))
	deployedAt, err := parseMillis(fields.DeployedAt)
	if err != nil {
		return escrow.Escrow{}, err
	}

	side := timelock.Dst
	if fields.IsSrc {
		side = timelock.Src
	}
	status := escrow.StatusUnknown
	switch fields.Status {
	case statusActive:
		status = escrow.StatusActive
	case statusWithdrawn:
		status = escrow.StatusWithdrawn
	case statusCancelled:
		status = escrow.StatusCancelled
	}
	var secret []byte
	if status == escrow.StatusWithdrawn && len(fields.Secret) > 0 {
		secret = append(secret, fields.Secret...)
	}
	return escrow.Escrow{
		Ref:    ref,
		Side:   side,
		Status: status,
		Secret: secret,
		Immutables: escrow.Immutables{
			OrderHash:     common.BytesToHash(fields.OrderHash),
			HashLock:      common.BytesToHash(fields.HashLock),
			Maker:         addrs[0],
			Taker:         addrs[1],
			Token:         addrs[2],
			Amount:        amount,
			SafetyDeposit: deposit,
			TimeLocks:     timeLocks,
			DeployedAt:    deployedAt,
		},
	}, nil
}

// timeLocksBytes is the packed time-locks word without deployment time, the escrow records it separately.
func timeLocksBytes(tl timelock.TimeLocks) Bytes {
	word := tl.Pack(time.Time{}).Bytes32()
	return Bytes(word[:])
}

func parseMillis(ms string) (time.Time, error) {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ms, err)
	}
	return time.UnixMilli(v), nil
}

// u64s renders the amounts as Move u64 arguments.
func u64s(amounts ...*big.Int) ([]string, error) {
	out := make([]string, len(amounts))
	for i, amount := range amounts {
		if amount.Sign() < 0 || !amount.IsUint64() {
			return nil, swap.Validationf("amount %v does not fit in u64", amount)
		}
		out[i] = amount.String()
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
