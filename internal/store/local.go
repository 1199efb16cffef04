package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/atmx/metals-ledger/internal/model"
)

// LocalCache is an in-process BalanceCache for single-instance deployments.
type LocalCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewLocalCache creates a ristretto-backed balance cache holding roughly
// maxEntries balances.
func NewLocalCache(maxEntries int64, ttl time.Duration) (*LocalCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	return &LocalCache{cache: cache, ttl: ttl}, nil
}

func (c *LocalCache) GetBalance(_ context.Context, accountID, asset string) (*model.Balance, error) {
	v, ok := c.cache.Get(balanceKey(accountID, asset))
	if !ok {
		return nil, nil
	}
	b, ok := v.(model.Balance)
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// SetBalance replaces the entry unless the cached row is newer. The old
// entry is deleted first: ristretto drops a buffered insert for a key that
// is already admitted, and the delete keeps the buffer in write order.
func (c *LocalCache) SetBalance(_ context.Context, b *model.Balance) error {
	key := balanceKey(b.AccountID, b.Asset)
	if v, ok := c.cache.Get(key); ok {
		if cur, ok := v.(model.Balance); ok && cur.Version > b.Version {
			return nil
		}
	}
	c.cache.Del(key)
	c.cache.SetWithTTL(key, *b, 1, c.ttl)
	return nil
}

func (c *LocalCache) DeleteBalance(_ context.Context, accountID, asset string) error {
	c.cache.Del(balanceKey(accountID, asset))
	return nil
}

// Wait blocks until buffered writes are applied. Ristretto sets are
// asynchronous.
func (c *LocalCache) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *LocalCache) Close() {
	c.cache.Close()
}
