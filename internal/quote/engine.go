// Package quote produces time-bounded, spread-adjusted price locks and
// consumes them exactly once.
package quote

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/asset"
	"github.com/atmx/metals-ledger/internal/events"
	"github.com/atmx/metals-ledger/internal/limits"
	"github.com/atmx/metals-ledger/internal/metrics"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/oracle"
	"github.com/atmx/metals-ledger/internal/pricing"
)

// DefaultLockWindow is how long a quote stays confirmable.
const DefaultLockWindow = 600 * time.Second

// Options configures an Engine.
type Options struct {
	LockWindow  time.Duration
	Spread      pricing.Spread
	MinQuantity decimal.Decimal
	MaxQuantity decimal.Decimal
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Engine issues and confirms quotes.
type Engine struct {
	store     Store
	prices    oracle.Oracle
	assets    *asset.Registry
	publisher events.Publisher

	spread   pricing.Spread
	window   time.Duration
	quantity limits.Limits
	now      func() time.Time
}

// NewEngine creates a quote engine. publisher may be nil.
func NewEngine(store Store, prices oracle.Oracle, assets *asset.Registry, publisher events.Publisher, opts Options) *Engine {
	if opts.LockWindow <= 0 {
		opts.LockWindow = DefaultLockWindow
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		store:     store,
		prices:    prices,
		assets:    assets,
		publisher: publisher,
		spread:    opts.Spread,
		window:    opts.LockWindow,
		quantity:  limits.New(opts.MinQuantity, opts.MaxQuantity),
		now:       opts.Now,
	}
}

// RequestQuote locks a price for quantity of symbol. The oracle is called
// before anything is persisted; an oracle or store failure returns
// ServiceUnavailable and no quote exists afterwards.
func (e *Engine) RequestQuote(ctx context.Context, symbol string, side model.Side, quantity decimal.Decimal, ownerID string) (*model.Quote, error) {
	if side != model.SideBuy && side != model.SideSell {
		return nil, apperr.Validation("side must be BUY or SELL, got %q", side)
	}
	syn, err := e.assets.Synthetic(symbol)
	if err != nil {
		return nil, err
	}
	if err := e.quantity.Check(quantity); err != nil {
		metrics.QuotesTotal.WithLabelValues(symbol, "rejected").Inc()
		return nil, err
	}

	spot, err := e.prices.SpotPrice(ctx, syn.OracleSymbol)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnavailable {
			err = apperr.Unavailable(err, "price for %s", symbol)
		}
		return nil, err
	}

	locked := e.spread.Apply(spot.Value, side)
	total := pricing.Total(locked, quantity)
	if !total.IsPositive() {
		metrics.QuotesTotal.WithLabelValues(symbol, "rejected").Inc()
		return nil, apperr.Validation("quantity %s of %s is worth nothing at %s", quantity, symbol, locked)
	}

	now := e.now()
	q := &model.Quote{
		ID:          uuid.New().String(),
		Symbol:      symbol,
		Side:        side,
		Quantity:    quantity,
		BasePrice:   spot.Value,
		SpreadBps:   e.spread.Bps(),
		LockedPrice: locked,
		TotalAmount: total,
		Currency:    e.assets.Cash().Code,
		OwnerID:     ownerID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.window),
	}

	if err := e.store.Put(ctx, q, e.window); err != nil {
		return nil, apperr.Unavailable(err, "quote store")
	}

	metrics.QuotesTotal.WithLabelValues(symbol, "requested").Inc()
	slog.Info("quote issued",
		"quote_id", q.ID,
		"symbol", symbol,
		"side", side,
		"quantity", quantity.String(),
		"locked_price", locked.String(),
		"expires_at", q.ExpiresAt,
	)
	return q, nil
}

// GetQuote reads a quote without consuming it. The status is computed
// against the engine clock, so a quote past ExpiresAt reports EXPIRED even
// if the store has not evicted it yet.
func (e *Engine) GetQuote(ctx context.Context, id string) (*model.Quote, model.QuoteStatus, error) {
	q, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, "", classifyStoreErr(err)
	}
	return q, q.Status(e.now()), nil
}

// ConfirmQuote consumes a quote exactly once.
func (e *Engine) ConfirmQuote(ctx context.Context, id, ownerID string) (*model.Confirmation, error) {
	_, conf, err := e.Consume(ctx, id, ownerID)
	return conf, err
}

// Consume checks ownership and expiry, then removes the quote from the
// store in one atomic step. It returns the consumed quote with ConsumedAt
// set. A second call for the same id fails with NotFound.
func (e *Engine) Consume(ctx context.Context, id, ownerID string) (*model.Quote, *model.Confirmation, error) {
	peek, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}
	if peek.OwnerID != "" && peek.OwnerID != ownerID {
		return nil, nil, apperr.ErrForbidden.Explain("quote %s belongs to another owner", id)
	}
	if e.expired(peek) {
		if err := e.store.Delete(ctx, id); err != nil {
			slog.Warn("expired quote delete failed", "quote_id", id, "err", err)
		}
		metrics.QuotesTotal.WithLabelValues(peek.Symbol, "expired").Inc()
		return nil, nil, apperr.ErrExpired.Explain("quote %s expired at %s", id, peek.ExpiresAt.Format(time.RFC3339))
	}

	q, err := e.store.Take(ctx, id)
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}
	// The window may have closed between peek and take.
	if e.expired(q) {
		metrics.QuotesTotal.WithLabelValues(q.Symbol, "expired").Inc()
		return nil, nil, apperr.ErrExpired.Explain("quote %s expired at %s", id, q.ExpiresAt.Format(time.RFC3339))
	}

	now := e.now()
	q.ConsumedAt = &now
	conf := &model.Confirmation{
		ID:          uuid.New().String(),
		QuoteID:     q.ID,
		FinalPrice:  q.LockedPrice,
		TotalAmount: q.TotalAmount,
		ConfirmedAt: now,
	}

	metrics.QuotesTotal.WithLabelValues(q.Symbol, "confirmed").Inc()
	slog.Info("quote confirmed", "quote_id", q.ID, "confirmation_id", conf.ID, "owner_id", ownerID)
	events.Emit(ctx, e.publisher, events.New(events.QuoteConfirmed, q.ID, conf))
	return q, conf, nil
}

func (e *Engine) expired(q *model.Quote) bool {
	return !e.now().Before(q.ExpiresAt)
}

// classifyStoreErr passes lifecycle errors through and reports anything
// else as the store being unavailable.
func classifyStoreErr(err error) error {
	if apperr.KindOf(err) == apperr.KindNotFound {
		return err
	}
	return apperr.Unavailable(err, "quote store")
}
