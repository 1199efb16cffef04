// Package pricing implements spread-adjusted price locks and cross-synthetic
// conversion rates.
//
// All arithmetic is done in shopspring/decimal. Amounts credited to users are
// truncated, never rounded up, so the platform never pays out more than the
// locked price allows.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/model"
)

var (
	// ErrInvalidSpread is returned when bps is negative or above 100%.
	ErrInvalidSpread = errors.New("pricing: spread must be within [0, 10000] bps")

	// ErrInvalidPrice is returned for non-positive reference prices.
	ErrInvalidPrice = errors.New("pricing: reference price must be positive")

	// PriceScale is the number of decimal places for price/amount rounding.
	PriceScale int32 = 8

	bpsDenominator = decimal.NewFromInt(10000)
	one            = decimal.NewFromInt(1)
)

// Spread is a symmetric bid/ask spread around a reference price.
// It is stateless; prices are passed as arguments.
type Spread struct {
	bps int64
}

// NewSpread creates a spread of bps basis points.
func NewSpread(bps int64) (Spread, error) {
	if bps < 0 || bps > 10000 {
		return Spread{}, ErrInvalidSpread
	}
	return Spread{bps: bps}, nil
}

// Bps returns the spread in basis points.
func (s Spread) Bps() int64 {
	return s.bps
}

// factor returns the multiplier applied to the reference price:
//
//	BUY:  1 + bps/10000
//	SELL: 1 - bps/10000
func (s Spread) factor(side model.Side) decimal.Decimal {
	adj := decimal.NewFromInt(s.bps).Div(bpsDenominator)
	if side == model.SideSell {
		return one.Sub(adj)
	}
	return one.Add(adj)
}

// Apply locks a price for side: the user pays above the reference on BUY
// and receives below it on SELL. The result is clamped at zero.
func (s Spread) Apply(base decimal.Decimal, side model.Side) decimal.Decimal {
	price := base.Mul(s.factor(side)).Round(PriceScale)
	if price.IsNegative() {
		return decimal.Zero
	}
	return price
}

// Total is the notional of quantity at price.
func Total(price, quantity decimal.Decimal) decimal.Decimal {
	return price.Mul(quantity).Round(PriceScale)
}

// Fee charges rate on amount. Negative rates are treated as zero.
func Fee(amount, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(rate).Round(PriceScale)
}

// CrossRate is the number of units of the target synthetic received per
// unit of the source synthetic. The user sells the source at its bid and
// buys the target at its ask:
//
//	rate = (fromPrice × (1 - bps/10000)) / (toPrice × (1 + bps/10000))
func (s Spread) CrossRate(fromPrice, toPrice decimal.Decimal) (decimal.Decimal, error) {
	if !fromPrice.IsPositive() || !toPrice.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	bid := s.Apply(fromPrice, model.SideSell)
	ask := s.Apply(toPrice, model.SideBuy)
	return bid.Div(ask).Truncate(PriceScale), nil
}

// Convert returns the amount of the target received for amount of the
// source at rate.
func Convert(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Truncate(PriceScale)
}
