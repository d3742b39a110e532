package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	balanceKeyPrefix    = "stockledger:balance"
	generationKeyPrefix = "stockledger:balance-gen"
)

// storeIfCurrent writes the balance only while the key's generation still
// matches the one read before the load started. A missing generation is "".
var storeIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '' end
if gen ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Cache keeps recently read balances in Redis. Entries are deleted after every
// committed movement on their key and otherwise expire after the TTL. Every
// invalidation bumps the key's generation so a load that raced a commit never
// stores its stale result.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

func balanceCacheKey(key Key) string {
	return fmt.Sprintf("%s:%d:%d", balanceKeyPrefix, key.ProductID, key.LocationID)
}

func generationKey(key Key) string {
	return fmt.Sprintf("%s:%d:%d", generationKeyPrefix, key.ProductID, key.LocationID)
}

// Fetch returns the cached balance or loads it. Concurrent misses for one key
// share a single load.
func (c *Cache) Fetch(ctx context.Context, key Key, loader func(context.Context) (StockBalance, error)) (StockBalance, error) {
	if loader == nil {
		return StockBalance{}, errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	cacheKey := balanceCacheKey(key)
	payload, err := c.client.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var balance StockBalance
		if err := json.Unmarshal(payload, &balance); err == nil {
			return balance, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis trouble degrades to a direct read.
		return loader(ctx)
	}

	genKey := generationKey(key)
	ch := c.group.DoChan(cacheKey, func() (interface{}, error) {
		gen, err := c.client.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return loader(ctx)
		}
		balance, err := loader(ctx)
		if err != nil {
			return StockBalance{}, err
		}
		if raw, err := json.Marshal(balance); err == nil {
			_ = storeIfCurrent.Run(ctx, c.client, []string{cacheKey, genKey}, gen, raw, c.ttl.Milliseconds()).Err()
		}
		return balance, nil
	})
	select {
	case <-ctx.Done():
		return StockBalance{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return StockBalance{}, res.Err
		}
		return res.Val.(StockBalance), nil
	}
}

// Invalidate removes the cached balances for keys and advances their
// generations in one MULTI block.
func (c *Cache) Invalidate(ctx context.Context, keys ...Key) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, generationKey(key))
			pipe.Del(ctx, balanceCacheKey(key))
		}
		return nil
	})
	return err
}
