package quote_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/quote"
)

func TestMemoryStore_SelfExpires(t *testing.T) {
	s := quote.NewMemoryStore()
	ctx := context.Background()
	q := &model.Quote{ID: "q-1", Quantity: d(1)}

	require.NoError(t, s.Put(ctx, q, 20*time.Millisecond))
	_, err := s.Get(ctx, "q-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = s.Get(ctx, "q-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.Take(ctx, "q-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func storeContract(t *testing.T, s quote.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	q := &model.Quote{ID: id, Symbol: "XAU-s", Side: model.SideBuy, Quantity: d(2), LockedPrice: d(2010)}
	require.NoError(t, s.Put(ctx, q, time.Minute))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LockedPrice.Equal(d(2010)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	taken := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, id); err == nil {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, taken)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_TakeIsAtomic(t *testing.T) {
	storeContract(t, quote.NewMemoryStore())
}

func TestRedisStore_TakeIsAtomic(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	storeContract(t, quote.NewRedisStore(rdb))
}
