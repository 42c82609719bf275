package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"

	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

// Redis is a Tracker shared by several resolver processes. Each order is a hash of leaf index to reserved amount,
// updates run in optimistic transactions watching that key.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// NewRedisFromURL connects to the redis server at redisURL, e.g. redis://:password@localhost:6379.
func NewRedisFromURL(redisURL, prefix string) (*Redis, error) {
	parsedURL, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}
	redisPassword, _ := parsedURL.User.Password()
	client := redis.NewClient(&redis.Options{
		Addr:     parsedURL.Host,
		Password: redisPassword,
		DB:       0,
	})
	return NewRedis(client, prefix), nil
}

func (r *Redis) key(orderHash common.Hash) string {
	return fmt.Sprintf("%vfills:%v", r.prefix, orderHash.Hex())
}

func (r *Redis) Reserve(ctx context.Context, limits order.Limits, leafIndex int, amount *big.Int) error {
	key := r.key(limits.OrderHash)
	field := strconv.Itoa(leafIndex)
	return r.update(ctx, key, func(tx *redis.Tx, leaves map[string]string) error {
		filled, err := sum(leaves)
		if err != nil {
			return err
		}
		used := func(i int) bool {
			_, ok := leaves[strconv.Itoa(i)]
			return ok
		}
		if err := check(limits, filled, used, len(leaves), leafIndex, amount); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, amount.String())
			return nil
		})
		return err
	})
}

func (r *Redis) Release(ctx context.Context, orderHash common.Hash, leafIndex int, amount *big.Int) error {
	key := r.key(orderHash)
	field := strconv.Itoa(leafIndex)
	return r.update(ctx, key, func(tx *redis.Tx, leaves map[string]string) error {
		if reserved, ok := leaves[field]; !ok || reserved != amount.String() {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, field)
			return nil
		})
		return err
	})
}

func (r *Redis) Filled(ctx context.Context, orderHash common.Hash) (*big.Int, error) {
	leaves, err := r.client.HGetAll(ctx, r.key(orderHash)).Result()
	if err != nil {
		return nil, err
	}
	return sum(leaves)
}

// update runs fn in a transaction watching key, retrying when another resolver changed the order concurrently.
func (r *Redis) update(ctx context.Context, key string, fn func(tx *redis.Tx, leaves map[string]string) error) error {
	txf := func(tx *redis.Tx) error {
		leaves, err := tx.HGetAll(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return fn(tx, leaves)
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %v: too many concurrent updates", key)
}

func sum(leaves map[string]string) (*big.Int, error) {
	total := new(big.Int)
	for field, value := range leaves {
		amount, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q for leaf %v", value, field)
		}
		total.Add(total, amount)
	}
	return total, nil
}
