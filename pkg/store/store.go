package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/catalogfi/resolver/pkg/resolver/orchestrator"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/gorm"
)

// DefaultExpiry is how long an order stays fillable after submission.
const DefaultExpiry = time.Hour

var ErrNotFound = errors.New("not found")

type OrderStatus uint

// dont change the sequence, statuses are persisted as numbers
const (
	Active OrderStatus = iota
	Completed
	Cancelled
	Expired
)

func (status OrderStatus) String() string {
	switch status {
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("OrderStatus(%d)", uint(status))
	}
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	for status := Active; status <= Expired; status++ {
		if status.String() == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", s)
}

type Order struct {
	gorm.Model

	OrderHash    string `gorm:"uniqueIndex"`
	SrcChain     string
	DstChain     string
	Maker        string `gorm:"index"`
	Signature    string
	SecretHashes string
	Data         string
	Status       OrderStatus `gorm:"index"`
	Collected    string
	Error        string
	ExpiresAt    time.Time
}

// Decode returns the signed order.
func (o Order) Decode() (order.Order, error) {
	var decoded order.Order
	if err := json.Unmarshal([]byte(o.Data), &decoded); err != nil {
		return order.Order{}, fmt.Errorf("decode order %v: %w", o.OrderHash, err)
	}
	return decoded, nil
}

// Hashes returns the published secret hashes, in leaf order.
func (o Order) Hashes() []common.Hash {
	if o.SecretHashes == "" {
		return nil
	}
	parts := strings.Split(o.SecretHashes, ",")
	hashes := make([]common.Hash, len(parts))
	for i, part := range parts {
		hashes[i] = common.HexToHash(part)
	}
	return hashes
}

type Secret struct {
	gorm.Model

	OrderHash  string `gorm:"index:,unique,composite:order_leaf"`
	LeafIndex  int    `gorm:"index:,unique,composite:order_leaf"`
	SecretHash string
	Secret     string
}

type Swap struct {
	gorm.Model

	SwapID    string `gorm:"uniqueIndex"`
	OrderHash string `gorm:"index"`
	LeafIndex int
	Amount    string
	State     orchestrator.State `gorm:"index"`
	Data      string
	Error     string
}

func (s Swap) Decode() (orchestrator.Swap, error) {
	var decoded orchestrator.Swap
	if err := json.Unmarshal([]byte(s.Data), &decoded); err != nil {
		return orchestrator.Swap{}, fmt.Errorf("decode swap %v: %w", s.SwapID, err)
	}
	return decoded, nil
}

type OrderFilter struct {
	Maker  string
	Status *OrderStatus
	Limit  int
}

type Store interface {
	// PutOrder stores a signed order with the hashes of its secrets. The hashes must open the order hash-lock.
	PutOrder(o order.Order, signature string, secretHashes []common.Hash) (Order, error)

	Order(orderHash common.Hash) (Order, error)

	Orders(filter OrderFilter) ([]Order, error)

	// PutSecret stores a secret disclosed by the maker after checking it against the published hash.
	PutSecret(orderHash common.Hash, leafIndex int, secret []byte) error

	// Secret implements orchestrator.SecretSource.
	Secret(ctx context.Context, orderHash common.Hash, leafIndex int) ([]byte, error)

	// PutSwap saves the progress of a swap. Terminal swaps update the status of their order.
	PutSwap(s orchestrator.Swap) error

	Swaps(orderHash common.Hash) ([]orchestrator.Swap, error)

	// PendingSwaps returns the swaps which are not in a terminal state.
	PendingSwaps() ([]orchestrator.Swap, error)

	// ReservedSwaps returns the swaps holding a part of their order, in creation order. Failed swaps and swaps which
	// did not reserve their fill yet are left out.
	ReservedSwaps() ([]orchestrator.Swap, error)

	UpdateOrderStatus(orderHash common.Hash, status OrderStatus, err error) error

	// ExpireOrders marks active orders past their expiry, it returns the number of expired orders.
	ExpireOrders(now time.Time) (int64, error)
}

type store struct {
	mu     *sync.Mutex
	db     *gorm.DB
	expiry time.Duration
}

func NewStore(dialector gorm.Dialector, opts ...gorm.Option) (Store, error) {
	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, err
	}
	return New(db)
}

func New(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&Order{}, &Secret{}, &Swap{}); err != nil {
		return nil, err
	}

	// Set max connections
	sqlDb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDb.SetMaxIdleConns(5)
	sqlDb.SetMaxOpenConns(5)
	sqlDb.SetConnMaxIdleTime(10 * time.Minute)
	return &store{mu: new(sync.Mutex), db: db, expiry: DefaultExpiry}, nil
}

func (store *store) PutOrder(o order.Order, signature string, secretHashes []common.Hash) (Order, error) {
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	if err := checkSecretHashes(o.HashLock, secretHashes); err != nil {
		return Order{}, err
	}
	orderHash, err := o.Hash()
	if err != nil {
		return Order{}, err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return Order{}, err
	}
	hashes := make([]string, len(secretHashes))
	for i, hash := range secretHashes {
		hashes[i] = hash.Hex()
	}

	model := Order{
		OrderHash:    orderHash.Hex(),
		SrcChain:     string(o.SrcChain),
		DstChain:     string(o.DstChain),
		Maker:        o.Maker.String(),
		Signature:    signature,
		SecretHashes: strings.Join(hashes, ","),
		Data:         string(data),
		Status:       Active,
		Collected:    "0",
		ExpiresAt:    time.Now().Add(store.expiry),
	}
	if err := store.db.Create(&model).Error; err != nil {
		return Order{}, err
	}
	return model, nil
}

func (store *store) Order(orderHash common.Hash) (Order, error) {
	var model Order
	if err := store.db.Where("order_hash = ?", orderHash.Hex()).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Order{}, fmt.Errorf("order %v: %w", orderHash.Hex(), ErrNotFound)
		}
		return Order{}, err
	}
	return model, nil
}

func (store *store) Orders(filter OrderFilter) ([]Order, error) {
	tx := store.db.Order("id desc")
	if filter.Maker != "" {
		tx = tx.Where("maker = ?", filter.Maker)
	}
	if filter.Status != nil {
		tx = tx.Where("status = ?", *filter.Status)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var orders []Order
	if err := tx.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (store *store) PutSecret(orderHash common.Hash, leafIndex int, secret []byte) error {
	model, err := store.Order(orderHash)
	if err != nil {
		return err
	}
	hashes := model.Hashes()
	if leafIndex < 0 || leafIndex >= len(hashes) {
		return swap.Validationf("secret index %v out of range [0, %v)", leafIndex, len(hashes))
	}
	secretHash := hashlock.HashSecret(secret)
	if secretHash != hashes[leafIndex] {
		return fmt.Errorf("%w: secret does not match hash %v", swap.ErrProofVerification, hashes[leafIndex].Hex())
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	var existing Secret
	err = store.db.Where("order_hash = ? AND leaf_index = ?", orderHash.Hex(), leafIndex).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return store.db.Create(&Secret{
		OrderHash:  orderHash.Hex(),
		LeafIndex:  leafIndex,
		SecretHash: secretHash.Hex(),
		Secret:     hexutil.Encode(secret),
	}).Error
}

func (store *store) Secret(ctx context.Context, orderHash common.Hash, leafIndex int) ([]byte, error) {
	var secret Secret
	err := store.db.WithContext(ctx).Where("order_hash = ? AND leaf_index = ?", orderHash.Hex(), leafIndex).First(&secret).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return hexutil.Decode(secret.Secret)
}

func (store *store) PutSwap(s orchestrator.Swap) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	return store.db.Transaction(func(tx *gorm.DB) error {
		var model Swap
		err := tx.Where("swap_id = ?", s.ID).First(&model).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			model = Swap{SwapID: s.ID, OrderHash: s.OrderHash.Hex(), LeafIndex: s.LeafIndex, Amount: s.Amount.String()}
		case err != nil:
			return err
		}
		wasTerminal := model.ID != 0 && model.State.Terminal()
		model.State = s.State
		model.Data = string(data)
		model.Error = s.Error
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		if wasTerminal || !s.State.Terminal() {
			return nil
		}
		return settle(tx, s)
	})
}

// settle updates the order of a swap which just reached a terminal state.
func settle(tx *gorm.DB, s orchestrator.Swap) error {
	var model Order
	if err := tx.Where("order_hash = ?", s.OrderHash.Hex()).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	switch s.State {
	case orchestrator.BothWithdrawn:
		collected, ok := new(big.Int).SetString(model.Collected, 10)
		if !ok {
			collected = new(big.Int)
		}
		collected.Add(collected, s.Amount)
		model.Collected = collected.String()
		if collected.Cmp(s.Order.MakingAmount) >= 0 {
			model.Status = Completed
		}
	case orchestrator.BothCancelled:
		var pending int64
		if err := tx.Model(&Swap{}).
			Where("order_hash = ? AND swap_id <> ? AND state < ?", model.OrderHash, s.ID, orchestrator.BothWithdrawn).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending == 0 && model.Collected == "0" && model.Status == Active {
			model.Status = Cancelled
		}
	default:
		return nil
	}
	return tx.Save(&model).Error
}

func (store *store) Swaps(orderHash common.Hash) ([]orchestrator.Swap, error) {
	var models []Swap
	if err := store.db.Where("order_hash = ?", orderHash.Hex()).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	return decodeSwaps(models)
}

func (store *store) PendingSwaps() ([]orchestrator.Swap, error) {
	var models []Swap
	if err := store.db.Where("state < ?", orchestrator.BothWithdrawn).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	return decodeSwaps(models)
}

func (store *store) ReservedSwaps() ([]orchestrator.Swap, error) {
	var models []Swap
	if err := store.db.Where("state <> ?", orchestrator.Failed).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	swaps, err := decodeSwaps(models)
	if err != nil {
		return nil, err
	}
	reserved := swaps[:0]
	for _, s := range swaps {
		if s.Reserved || s.Src.Deployed() {
			reserved = append(reserved, s)
		}
	}
	return reserved, nil
}

func (store *store) UpdateOrderStatus(orderHash common.Hash, status OrderStatus, err error) error {
	tx := store.db.Table("orders").Where("order_hash = ?", orderHash.Hex())
	if err != nil {
		return tx.Updates(map[string]interface{}{"status": status, "error": err.Error()}).Error
	}
	return tx.Update("status", status).Error
}

func (store *store) ExpireOrders(now time.Time) (int64, error) {
	tx := store.db.Table("orders").
		Where("status = ? AND expires_at <= ? AND deleted_at IS NULL", Active, now).
		Update("status", Expired)
	return tx.RowsAffected, tx.Error
}

func decodeSwaps(models []Swap) ([]orchestrator.Swap, error) {
	swaps := make([]orchestrator.Swap, 0, len(models))
	for _, model := range models {
		s, err := model.Decode()
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, s)
	}
	return swaps, nil
}

func checkSecretHashes(hl hashlock.HashLock, secretHashes []common.Hash) error {
	if len(secretHashes) != hl.Leaves {
		return swap.Validationf("order commits to %v secrets, got %v hashes", hl.Leaves, len(secretHashes))
	}
	if !hl.IsMultiple() {
		if secretHashes[0] != hl.Value {
			return swap.Validationf("secret hash %v does not match the hash-lock", secretHashes[0].Hex())
		}
		return nil
	}
	rebuilt, err := hashlock.MultipleFromHashes(secretHashes)
	if err != nil {
		return err
	}
	if rebuilt.Value != hl.Value {
		return swap.Validationf("secret hashes do not match the merkle root %v", hl.Value.Hex())
	}
	return nil
}
