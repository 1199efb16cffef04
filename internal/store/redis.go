package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/metals-ledger/internal/model"
)

// setIfNewer writes ARGV[1] with a TTL of ARGV[3] ms unless the stored
// row carries a version above ARGV[2]. Returns 1 when written.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, row = pcall(cjson.decode, cur)
	if ok and type(row) == 'table' and tonumber(row['version']) and tonumber(row['version']) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// RedisCache is a BalanceCache shared by every instance of the service.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a Redis-backed balance cache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) GetBalance(ctx context.Context, accountID, asset string) (*model.Balance, error) {
	data, err := c.rdb.Get(ctx, redisBalanceKey(accountID, asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get balance: %w", err)
	}
	var b model.Balance
	if err := json.Unmarshal(data, &b); err != nil {
		// A corrupt entry is treated as a miss; the next write replaces it.
		return nil, nil
	}
	return &b, nil
}

func (c *RedisCache) SetBalance(ctx context.Context, b *model.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	keys := []string{redisBalanceKey(b.AccountID, b.Asset)}
	if err := setIfNewer.Run(ctx, c.rdb, keys, data, b.Version, c.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis set balance: %w", err)
	}
	return nil
}

func (c *RedisCache) DeleteBalance(ctx context.Context, accountID, asset string) error {
	if err := c.rdb.Del(ctx, redisBalanceKey(accountID, asset)).Err(); err != nil {
		return fmt.Errorf("redis delete balance: %w", err)
	}
	return nil
}

func redisBalanceKey(accountID, asset string) string {
	return fmt.Sprintf("balance:%s:%s", accountID, asset)
}
