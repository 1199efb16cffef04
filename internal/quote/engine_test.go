package quote_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/asset"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/oracle"
	"github.com/atmx/metals-ledger/internal/pricing"
	"github.com/atmx/metals-ledger/internal/quote"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

// countingStore records how many quotes were persisted.
type countingStore struct {
	quote.Store
	puts int
}

func (s *countingStore) Put(ctx context.Context, q *model.Quote, ttl time.Duration) error {
	s.puts++
	return s.Store.Put(ctx, q, ttl)
}

// brokenStore fails every write.
type brokenStore struct{ quote.Store }

func (brokenStore) Put(context.Context, *model.Quote, time.Duration) error {
	return errors.New("connection refused")
}

func registry(t *testing.T) *asset.Registry {
	t.Helper()
	reg, err := asset.NewRegistry([]asset.Asset{
		{Code: "PAXG", Kind: asset.KindCustody, Pair: "XAU-s"},
		{Code: "XAU-s", Kind: asset.KindSynthetic, Pair: "PAXG", OracleSymbol: "XAU"},
		{Code: "USD", Kind: asset.KindCash},
	})
	require.NoError(t, err)
	return reg
}

type testEnv struct {
	engine *quote.Engine
	store  *quote.MemoryStore
	prices *oracle.StaticOracle
	clock  *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	spread, err := pricing.NewSpread(50)
	require.NoError(t, err)

	env := &testEnv{
		store:  quote.NewMemoryStore(),
		prices: oracle.NewStaticOracle(map[string]decimal.Decimal{"XAU": d(2000)}),
		clock:  &clock{t: time.Now().UTC()},
	}
	env.engine = quote.NewEngine(env.store, env.prices, registry(t), nil, quote.Options{
		LockWindow:  600 * time.Second,
		Spread:      spread,
		MinQuantity: d(0.0001),
		MaxQuantity: d(1000),
		Now:         env.clock.Now,
	})
	return env
}

func TestRequestQuote_SellTwoGold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q, err := env.engine.RequestQuote(ctx, "XAU-s", model.SideSell, d(2), "alice")
	require.NoError(t, err)

	assert.True(t, q.BasePrice.Equal(d(2000)))
	assert.Equal(t, int64(50), q.SpreadBps)
	assert.True(t, q.LockedPrice.Equal(d(1990)), "locked = %s", q.LockedPrice)
	assert.True(t, q.TotalAmount.Equal(d(3980)), "total = %s", q.TotalAmount)
	assert.Equal(t, "USD", q.Currency)
	assert.Equal(t, 600*time.Second, q.ExpiresAt.Sub(q.CreatedAt))

	// Confirming after expiresAt fails Expired and removes the quote.
	env.clock.Advance(601 * time.Second)
	_, err = env.engine.ConfirmQuote(ctx, q.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrExpired)

	_, err = env.engine.ConfirmQuote(ctx, q.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRequestQuote_BuyAddsSpread(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.engine.RequestQuote(context.Background(), "XAU-s", model.SideBuy, d(0.5), "")
	require.NoError(t, err)
	assert.True(t, q.LockedPrice.Equal(d(2010)))
	assert.True(t, q.TotalAmount.Equal(d(1005)))
}

func TestRequestQuote_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		symbol   string
		side     model.Side
		quantity decimal.Decimal
	}{
		{"custody symbol", "PAXG", model.SideBuy, d(1)},
		{"unknown symbol", "BTC", model.SideBuy, d(1)},
		{"zero quantity", "XAU-s", model.SideBuy, decimal.Zero},
		{"negative quantity", "XAU-s", model.SideSell, d(-1)},
		{"above ceiling", "XAU-s", model.SideBuy, d(1000.5)},
		{"below minimum", "XAU-s", model.SideSell, d(0.00005)},
		{"bad side", "XAU-s", "HOLD", d(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.RequestQuote(context.Background(), tt.symbol, tt.side, tt.quantity, "")
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestRequestQuote_RejectsZeroTotal(t *testing.T) {
	tests := []struct {
		name      string
		spreadBps int64
		side      model.Side
		quantity  decimal.Decimal
	}{
		{"dust quantity rounds to nothing", 50, model.SideSell, decimal.RequireFromString("0.000000000001")},
		{"full spread on sell", 10000, model.SideSell, d(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spread, err := pricing.NewSpread(tt.spreadBps)
			require.NoError(t, err)
			st := &countingStore{Store: quote.NewMemoryStore()}
			prices := oracle.NewStaticOracle(map[string]decimal.Decimal{"XAU": d(2000)})
			engine := quote.NewEngine(st, prices, registry(t), nil, quote.Options{
				Spread: spread, MaxQuantity: d(1000),
			})

			q, err := engine.RequestQuote(context.Background(), "XAU-s", tt.side, tt.quantity, "alice")
			assert.Nil(t, q)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Zero(t, st.puts, "no quote may be stored")
		})
	}
}

func TestRequestQuote_OracleUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.prices.Remove("XAU")

	_, err := env.engine.RequestQuote(context.Background(), "XAU-s", model.SideBuy, d(1), "")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.True(t, apperr.Retryable(err))
}

func TestRequestQuote_StoreFailureSurfaces(t *testing.T) {
	spread, _ := pricing.NewSpread(50)
	prices := oracle.NewStaticOracle(map[string]decimal.Decimal{"XAU": d(2000)})
	engine := quote.NewEngine(brokenStore{quote.NewMemoryStore()}, prices, registry(t), nil, quote.Options{
		Spread: spread, MaxQuantity: d(1000),
	})

	q, err := engine.RequestQuote(context.Background(), "XAU-s", model.SideBuy, d(1), "")
	assert.Nil(t, q)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestConfirmQuote_ExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q, err := env.engine.RequestQuote(ctx, "XAU-s", model.SideBuy, d(1), "alice")
	require.NoError(t, err)

	conf, err := env.engine.ConfirmQuote(ctx, q.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, q.ID, conf.QuoteID)
	assert.True(t, conf.FinalPrice.Equal(q.LockedPrice))
	assert.True(t, conf.TotalAmount.Equal(q.TotalAmount))

	_, err = env.engine.ConfirmQuote(ctx, q.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConfirmQuote_ConcurrentCallersRaceSafely(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q, err := env.engine.RequestQuote(ctx, "XAU-s", model.SideBuy, d(1), "")
	require.NoError(t, err)

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.ConfirmQuote(ctx, q.ID, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	}
	assert.Equal(t, 1, succeeded)
}

func TestConfirmQuote_ForbiddenDoesNotConsume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q, err := env.engine.RequestQuote(ctx, "XAU-s", model.SideBuy, d(1), "alice")
	require.NoError(t, err)

	_, err = env.engine.ConfirmQuote(ctx, q.ID, "mallory")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = env.engine.ConfirmQuote(ctx, q.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = env.engine.ConfirmQuote(ctx, q.ID, "alice")
	assert.NoError(t, err)
}

func TestConsume_SetsConsumedAt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q, err := env.engine.RequestQuote(ctx, "XAU-s", model.SideSell, d(1), "")
	require.NoError(t, err)

	consumed, conf, err := env.engine.Consume(ctx, q.ID, "bob")
	require.NoError(t, err)
	require.NotNil(t, consumed.ConsumedAt)
	assert.Equal(t, model.QuoteConsumed, consumed.Status(env.clock.Now()))
	assert.Equal(t, conf.ConfirmedAt, *consumed.ConsumedAt)
}

func TestGetQuote_ReportsVirtualExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q, err := env.engine.RequestQuote(ctx, "XAU-s", model.SideBuy, d(1), "")
	require.NoError(t, err)

	got, status, err := env.engine.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteActive, status)
	assert.Equal(t, q.ID, got.ID)

	env.clock.Advance(600 * time.Second)
	_, status, err = env.engine.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteExpired, status)

	// Reading never consumes.
	_, _, err = env.engine.GetQuote(ctx, q.ID)
	assert.NoError(t, err)

	_, _, err = env.engine.GetQuote(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
