// Package oracle abstracts the external spot-price feed.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
)

// Price is a reference price and the time it was observed.
type Price struct {
	Value decimal.Decimal `json:"value"`
	AsOf  time.Time       `json:"as_of"`
}

// Oracle provides reference prices. Implementations return an Unavailable
// error when no usable price exists.
type Oracle interface {
	SpotPrice(ctx context.Context, symbol string) (Price, error)
}

// StaticOracle serves prices set by the operator or a test. Prices are
// stamped with the time they were set.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]Price
	now    func() time.Time
}

// NewStaticOracle creates an oracle seeded with prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{
		prices: make(map[string]Price, len(prices)),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for sym, v := range prices {
		o.Set(sym, v)
	}
	return o
}

// Set records the current price of symbol.
func (o *StaticOracle) Set(symbol string, value decimal.Decimal) {
	o.SetAt(symbol, value, o.now())
}

// SetAt records a price observed at asOf.
func (o *StaticOracle) SetAt(symbol string, value decimal.Decimal, asOf time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = Price{Value: value, AsOf: asOf}
}

// Remove drops symbol so subsequent lookups fail.
func (o *StaticOracle) Remove(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, symbol)
}

func (o *StaticOracle) SpotPrice(ctx context.Context, symbol string) (Price, error) {
	if err := ctx.Err(); err != nil {
		return Price{}, apperr.Unavailable(err, "price for %s", symbol)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[symbol]
	if !ok {
		return Price{}, apperr.Unavailable(nil, "no price for %s", symbol)
	}
	return p, nil
}

// Guarded rejects prices that are non-positive or older than maxAge.
type Guarded struct {
	next   Oracle
	maxAge time.Duration
	now    func() time.Time
}

// NewGuarded wraps next with staleness and sanity checks.
func NewGuarded(next Oracle, maxAge time.Duration) *Guarded {
	return &Guarded{
		next:   next,
		maxAge: maxAge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *Guarded) SpotPrice(ctx context.Context, symbol string) (Price, error) {
	p, err := g.next.SpotPrice(ctx, symbol)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnavailable {
			return Price{}, err
		}
		return Price{}, apperr.Unavailable(err, "price for %s", symbol)
	}
	if !p.Value.IsPositive() {
		return Price{}, apperr.Unavailable(nil, "price for %s is not positive: %s", symbol, p.Value)
	}
	if age := g.now().Sub(p.AsOf); age > g.maxAge {
		return Price{}, apperr.Unavailable(nil, "price for %s is stale (%s old)", symbol, age.Round(time.Second))
	}
	return p, nil
}
