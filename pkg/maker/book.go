package maker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/gorm"
)

// ErrUnknownOrder is returned by the book for orders the maker never created.
var ErrUnknownOrder = errors.New("unknown order")

// Book keeps the orders created by the maker together with their secrets.
type Book interface {
	Save(created Created) error
	Load(orderHash common.Hash) (Created, error)
	List() ([]Created, error)

	// MarkDisclosed records the leaf secret has been handed to the resolvers.
	MarkDisclosed(orderHash common.Hash, leafIndex int) error
	Disclosed(orderHash common.Hash) (map[int]bool, error)
}

type BookEntry struct {
	gorm.Model

	OrderHash string `gorm:"uniqueIndex"`
	Data      string
}

type Disclosure struct {
	gorm.Model

	OrderHash string `gorm:"index:,unique,composite:order_leaf"`
	LeafIndex int    `gorm:"index:,unique,composite:order_leaf"`
}

type createdJSON struct {
	Order        order.Order     `json:"order"`
	Signature    string          `json:"signature"`
	Secrets      []hexutil.Bytes `json:"secrets"`
	SecretHashes []common.Hash   `json:"secretHashes"`
}

type book struct {
	db *gorm.DB
}

func NewBook(dialector gorm.Dialector) (Book, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&BookEntry{}, &Disclosure{}); err != nil {
		return nil, err
	}
	return &book{db: db}, nil
}

func (b *book) Save(created Created) error {
	orderHash, err := created.Order.Hash()
	if err != nil {
		return err
	}
	if len(created.Secrets) != len(created.SecretHashes) {
		return fmt.Errorf("%v secrets for %v hashes", len(created.Secrets), len(created.SecretHashes))
	}
	secrets := make([]hexutil.Bytes, len(created.Secrets))
	for i := range created.Secrets {
		secrets[i] = created.Secrets[i]
	}
	data, err := json.Marshal(createdJSON{
		Order:        created.Order,
		Signature:    created.Signature,
		Secrets:      secrets,
		SecretHashes: created.SecretHashes,
	})
	if err != nil {
		return err
	}
	return b.db.Create(&BookEntry{OrderHash: orderHash.Hex(), Data: string(data)}).Error
}

func (b *book) Load(orderHash common.Hash) (Created, error) {
	var entry BookEntry
	if err := b.db.Where("order_hash = ?", orderHash.Hex()).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Created{}, fmt.Errorf("%w %v", ErrUnknownOrder, orderHash.Hex())
		}
		return Created{}, err
	}
	return entry.decode()
}

func (b *book) List() ([]Created, error) {
	var entries []BookEntry
	if err := b.db.Order("id desc").Find(&entries).Error; err != nil {
		return nil, err
	}
	created := make([]Created, len(entries))
	for i, entry := range entries {
		var err error
		if created[i], err = entry.decode(); err != nil {
			return nil, err
		}
	}
	return created, nil
}

func (b *book) MarkDisclosed(orderHash common.Hash, leafIndex int) error {
	var count int64
	if err := b.db.Model(&Disclosure{}).
		Where("order_hash = ? AND leaf_index = ?", orderHash.Hex(), leafIndex).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return b.db.Create(&Disclosure{OrderHash: orderHash.Hex(), LeafIndex: leafIndex}).Error
}

func (b *book) Disclosed(orderHash common.Hash) (map[int]bool, error) {
	var disclosures []Disclosure
	if err := b.db.Where("order_hash = ?", orderHash.Hex()).Find(&disclosures).Error; err != nil {
		return nil, err
	}
	leaves := make(map[int]bool, len(disclosures))
	for _, d := range disclosures {
		leaves[d.LeafIndex] = true
	}
	return leaves, nil
}

func (entry BookEntry) decode() (Created, error) {
	var decoded createdJSON
	if err := json.Unmarshal([]byte(entry.Data), &decoded); err != nil {
		return Created{}, fmt.Errorf("decode order %v: %w", entry.OrderHash, err)
	}
	secrets := make([][]byte, len(decoded.Secrets))
	for i := range decoded.Secrets {
		secrets[i] = decoded.Secrets[i]
	}
	return Created{
		Order:        decoded.Order,
		Signature:    decoded.Signature,
		Secrets:      secrets,
		SecretHashes: decoded.SecretHashes,
	}, nil
}
