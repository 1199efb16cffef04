package store

import (
	"context"
	"log/slog"

	"github.com/atmx/metals-ledger/internal/lock"
	"github.com/atmx/metals-ledger/internal/model"
)

// BalanceCache is a best-effort cache of balance rows keyed by
// (account, asset). GetBalance returns (nil, nil) on a miss. SetBalance
// must not replace an entry whose Version is higher than b.Version.
type BalanceCache interface {
	GetBalance(ctx context.Context, accountID, asset string) (*model.Balance, error)
	SetBalance(ctx context.Context, b *model.Balance) error
	DeleteBalance(ctx context.Context, accountID, asset string) error
}

// CachedStore wraps a primary Store with a read-through balance cache.
// Writes go to the primary store and then replace the cached row with the
// post-change balance; reads check the cache first then fall back to the
// primary. Cache failures never fail the call.
//
// Fills and writes for the same key are serialized in-process, and the
// cache refuses to go back to an older Version, so a read that raced a
// write cannot leave the pre-write row behind.
//
// Settlement decisions are made inside the primary's ApplyChange, never on
// a cached value.
type CachedStore struct {
	Store
	cache BalanceCache
	keys  *lock.KeyedMutex
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, cache BalanceCache) *CachedStore {
	return &CachedStore{Store: primary, cache: cache, keys: lock.NewKeyedMutex()}
}

func (s *CachedStore) GetOrCreateBalance(ctx context.Context, accountID, asset string) (*model.Balance, error) {
	b, err := s.cache.GetBalance(ctx, accountID, asset)
	if err != nil {
		slog.Warn("balance cache read failed", "account_id", accountID, "asset", asset, "err", err)
	}
	if b != nil {
		return b, nil
	}

	release := s.keys.Acquire(balanceKey(accountID, asset))
	defer release()

	b, err = s.Store.GetOrCreateBalance(ctx, accountID, asset)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetBalance(ctx, b); err != nil {
		slog.Warn("balance cache fill failed", "account_id", accountID, "asset", asset, "err", err)
	}
	return b, nil
}

func (s *CachedStore) ApplyChange(ctx context.Context, req model.ChangeRequest) (*model.Balance, *model.BalanceChange, error) {
	release := s.keys.Acquire(balanceKey(req.AccountID, req.Asset))
	defer release()

	b, change, err := s.Store.ApplyChange(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := s.cache.SetBalance(ctx, b); err != nil {
		slog.Warn("balance cache write-through failed", "account_id", req.AccountID, "asset", req.Asset, "err", err)
		if err := s.cache.DeleteBalance(ctx, req.AccountID, req.Asset); err != nil {
			slog.Warn("balance cache invalidation failed", "account_id", req.AccountID, "asset", req.Asset, "err", err)
		}
	}
	return b, change, nil
}
