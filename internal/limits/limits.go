// Package limits enforces per-trade amount bounds.
//
// Bounds are checked before any balance lock is taken, so a rejected
// request never touches the ledger.
package limits

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
)

// Limits bounds a single amount. A zero Max means no upper bound.
type Limits struct {
	// Min is the smallest accepted amount, inclusive.
	Min decimal.Decimal

	// Max is the largest accepted amount, inclusive.
	Max decimal.Decimal
}

// New creates bounds [min, max].
func New(min, max decimal.Decimal) Limits {
	return Limits{Min: min, Max: max}
}

// Check returns a validation error if amount is non-positive or outside the
// bounds.
func (l Limits) Check(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Validation("amount must be positive, got %s", amount)
	}
	if amount.LessThan(l.Min) {
		return apperr.Validation("amount %s below minimum %s", amount, l.Min)
	}
	if l.Max.IsPositive() && amount.GreaterThan(l.Max) {
		return apperr.Validation("amount %s above maximum %s", amount, l.Max)
	}
	return nil
}

// Table holds default bounds with per-asset overrides.
type Table struct {
	Default Limits
	ByAsset map[string]Limits
}

// For returns the bounds that apply to asset.
func (t Table) For(asset string) Limits {
	if l, ok := t.ByAsset[asset]; ok {
		return l
	}
	return t.Default
}

// Check validates amount of asset.
func (t Table) Check(asset string, amount decimal.Decimal) error {
	return t.For(asset).Check(amount)
}
