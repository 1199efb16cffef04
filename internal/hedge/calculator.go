// Package hedge measures platform exposure to user-held synthetics and
// rebalances the hedge positions that offset it.
//
// The calculator reads user balances but never writes them. Hedge
// positions are platform inventory and change only through Rebalance,
// which holds a per-asset lock while it re-reads exposure and mutates.
package hedge

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/asset"
	"github.com/atmx/metals-ledger/internal/events"
	"github.com/atmx/metals-ledger/internal/lock"
	"github.com/atmx/metals-ledger/internal/metrics"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/oracle"
	"github.com/atmx/metals-ledger/internal/store"
)

var one = decimal.NewFromInt(1)

// Options configures a Calculator. Exposure within TargetRatio ± Tolerance
// needs no action.
type Options struct {
	TargetRatio decimal.Decimal
	Tolerance   decimal.Decimal
	Now         func() time.Time
}

// Calculator computes exposure and executes rebalances.
type Calculator struct {
	store     store.Store
	assets    *asset.Registry
	prices    oracle.Oracle
	locker    lock.Locker
	publisher events.Publisher

	target    decimal.Decimal
	tolerance decimal.Decimal
	now       func() time.Time
}

// NewCalculator creates a hedge calculator. publisher may be nil.
func NewCalculator(
	st store.Store,
	assets *asset.Registry,
	prices oracle.Oracle,
	locker lock.Locker,
	publisher events.Publisher,
	opts Options,
) *Calculator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Calculator{
		store:     st,
		assets:    assets,
		prices:    prices,
		locker:    locker,
		publisher: publisher,
		target:    opts.TargetRatio,
		tolerance: opts.Tolerance,
		now:       opts.Now,
	}
}

// TargetRatio is the configured target hedge ratio.
func (c *Calculator) TargetRatio() decimal.Decimal {
	return c.target
}

// Recommend compares ratio with the band target ± tolerance.
func Recommend(ratio, target, tolerance decimal.Decimal) model.HedgeAction {
	switch {
	case ratio.LessThan(target.Sub(tolerance)):
		return model.HedgeIncrease
	case ratio.GreaterThan(target.Add(tolerance)):
		return model.HedgeDecrease
	}
	return model.HedgeNone
}

// ComputeExposure totals user synthetic holdings of code against active
// hedge positions.
func (c *Calculator) ComputeExposure(ctx context.Context, code string) (*model.ExposureSummary, error) {
	if _, err := c.assets.Synthetic(code); err != nil {
		return nil, err
	}
	sum, _, err := c.exposure(ctx, code)
	return sum, err
}

// exposure also returns the active positions it summed, oldest first.
func (c *Calculator) exposure(ctx context.Context, code string) (*model.ExposureSummary, []model.HedgePosition, error) {
	synthetic, err := c.store.SumBalances(ctx, code, model.AccountTrading)
	if err != nil {
		return nil, nil, err
	}
	positions, err := c.store.ListActiveHedgePositions(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	hedged := decimal.Zero
	for _, p := range positions {
		hedged = hedged.Add(p.Quantity)
	}

	ratio := decimal.Zero
	if synthetic.IsPositive() {
		ratio = hedged.DivRound(synthetic, 8)
	}
	sum := &model.ExposureSummary{
		Asset:                code,
		TotalSyntheticAmount: synthetic,
		TotalHedgedAmount:    hedged,
		NetExposure:          synthetic.Sub(hedged),
		HedgeRatio:           ratio,
		RecommendedAction:    Recommend(ratio, c.target, c.tolerance),
	}
	if !synthetic.IsPositive() {
		// Nothing to hedge: only leftover positions call for action.
		sum.RecommendedAction = model.HedgeNone
		if hedged.IsPositive() {
			sum.RecommendedAction = model.HedgeDecrease
		}
	}

	metrics.ExposureSynthetic.WithLabelValues(code).Set(synthetic.InexactFloat64())
	metrics.ExposureHedged.WithLabelValues(code).Set(hedged.InexactFloat64())
	metrics.HedgeRatio.WithLabelValues(code).Set(ratio.InexactFloat64())
	return sum, positions, nil
}

// Positions lists the active hedge positions of code, oldest first.
func (c *Calculator) Positions(ctx context.Context, code string) ([]model.HedgePosition, error) {
	if _, err := c.assets.Synthetic(code); err != nil {
		return nil, err
	}
	return c.store.ListActiveHedgePositions(ctx, code)
}

// RebalanceResult reports a simulated or executed rebalance.
// RequiredAdjustment is target × synthetic − hedged; positive means more
// hedge is needed.
type RebalanceResult struct {
	Asset              string                 `json:"asset"`
	Action             model.HedgeAction      `json:"action"`
	TargetRatio        decimal.Decimal        `json:"target_ratio"`
	RequiredAdjustment decimal.Decimal        `json:"required_adjustment"`
	Executed           bool                   `json:"executed"`
	Before             model.ExposureSummary  `json:"before"`
	After              *model.ExposureSummary `json:"after,omitempty"`
	Opened             *model.HedgePosition   `json:"opened,omitempty"`
	Closed             []model.HedgePosition  `json:"closed,omitempty"`
	Reduced            []model.HedgePosition  `json:"reduced,omitempty"`
}

// Rebalance simulates moving code's hedge to targetRatio and, when execute
// is set, applies it. INCREASE_HEDGE opens one position for the whole
// shortfall. DECREASE_HEDGE closes active positions oldest-first and
// reduces the last one in place if it is larger than what remains.
func (c *Calculator) Rebalance(ctx context.Context, code string, action model.HedgeAction, targetRatio decimal.Decimal, execute bool) (*RebalanceResult, error) {
	syn, err := c.assets.Synthetic(code)
	if err != nil {
		return nil, err
	}
	if targetRatio.IsNegative() || targetRatio.GreaterThan(one) {
		return nil, apperr.Validation("target ratio must be within [0, 1], got %s", targetRatio)
	}
	switch action {
	case model.HedgeNone, model.HedgeIncrease, model.HedgeDecrease:
	default:
		return nil, apperr.Validation("unknown hedge action %q", action)
	}

	if !execute || action == model.HedgeNone {
		sum, _, err := c.exposure(ctx, code)
		if err != nil {
			return nil, err
		}
		c.countAction(code, action, false)
		return newResult(*sum, action, targetRatio), nil
	}

	// The oracle is never called under the lock.
	var entry decimal.Decimal
	if action == model.HedgeIncrease {
		spot, err := c.prices.SpotPrice(ctx, syn.OracleSymbol)
		if err != nil {
			if apperr.KindOf(err) != apperr.KindUnavailable {
				err = apperr.Unavailable(err, "price for %s", code)
			}
			return nil, err
		}
		entry = spot.Value
	}

	res, committed, err := c.execute(ctx, syn, action, targetRatio, entry)
	// Events go out after the lock is released, including those for
	// changes that committed before a later read failed.
	for _, evt := range committed {
		events.Emit(ctx, c.publisher, evt)
	}
	if err != nil {
		return nil, err
	}
	c.countAction(code, action, true)

	slog.Info("hedge rebalanced",
		"asset", code,
		"action", action,
		"target_ratio", targetRatio.String(),
		"adjustment", res.RequiredAdjustment.String(),
		"ratio_before", res.Before.HedgeRatio.String(),
		"ratio_after", res.After.HedgeRatio.String(),
	)
	return res, nil
}

// execute applies a rebalance under the asset's lock and returns the events
// for whatever it committed.
func (c *Calculator) execute(ctx context.Context, syn asset.Asset, action model.HedgeAction, targetRatio, entry decimal.Decimal) (*RebalanceResult, []events.Event, error) {
	code := syn.Code
	unlock, err := c.locker.Lock(ctx, "hedge:"+code)
	if err != nil {
		return nil, nil, apperr.Unavailable(err, "rebalance lock for %s", code)
	}
	defer unlock()

	sum, positions, err := c.exposure(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	res := newResult(*sum, action, targetRatio)
	required := res.RequiredAdjustment

	var committed []events.Event
	switch action {
	case model.HedgeIncrease:
		if !required.IsPositive() {
			return nil, nil, apperr.Validation("%s hedge is already at or above target (adjustment %s)", code, required)
		}
		pos, err := c.open(ctx, syn, required, entry, *sum)
		if err != nil {
			return nil, nil, err
		}
		res.Opened = pos
		committed = append(committed, events.New(events.HedgeOpened, code, pos))
	case model.HedgeDecrease:
		if !required.IsNegative() {
			return nil, nil, apperr.Validation("%s hedge is already at or below target (adjustment %s)", code, required)
		}
		if err := c.reduce(ctx, res, positions, required.Neg()); err != nil {
			return nil, nil, err
		}
		for _, p := range res.Closed {
			committed = append(committed, events.New(events.HedgeClosed, p.Asset, p))
		}
		for _, p := range res.Reduced {
			committed = append(committed, events.New(events.HedgeReduced, p.Asset, p))
		}
	}

	after, _, err := c.exposure(ctx, code)
	if err != nil {
		return nil, committed, err
	}
	res.After = after
	res.Executed = true
	return res, committed, nil
}

func newResult(sum model.ExposureSummary, action model.HedgeAction, target decimal.Decimal) *RebalanceResult {
	return &RebalanceResult{
		Asset:              sum.Asset,
		Action:             action,
		TargetRatio:        target,
		RequiredAdjustment: target.Mul(sum.TotalSyntheticAmount).Sub(sum.TotalHedgedAmount),
		Before:             sum,
	}
}

func (c *Calculator) open(ctx context.Context, syn asset.Asset, qty, entry decimal.Decimal, sum model.ExposureSummary) (*model.HedgePosition, error) {
	instrument := syn.HedgeInstrument
	if instrument == "" {
		instrument = syn.Code
	}
	ratio := sum.TotalHedgedAmount.Add(qty).DivRound(sum.TotalSyntheticAmount, 8)
	if ratio.GreaterThan(one) {
		ratio = one
	}
	pos := &model.HedgePosition{
		ID:         uuid.New().String(),
		Asset:      syn.Code,
		Instrument: instrument,
		Quantity:   qty,
		EntryPrice: entry,
		HedgeRatio: ratio,
		IsActive:   true,
		OpenedAt:   c.now(),
	}
	if err := c.store.CreateHedgePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// reduce absorbs excess from positions, which must be oldest first. Every
// close and the trailing reduce are applied as one store adjustment, so on
// error no position has changed.
func (c *Calculator) reduce(ctx context.Context, res *RebalanceResult, positions []model.HedgePosition, excess decimal.Decimal) error {
	adj := store.HedgeAdjustment{ClosedAt: c.now()}
	var closed, reduced []model.HedgePosition

	remaining := excess
	for _, p := range positions {
		if !remaining.IsPositive() {
			break
		}
		if p.Quantity.LessThanOrEqual(remaining) {
			remaining = remaining.Sub(p.Quantity)
			closedAt := adj.ClosedAt
			p.IsActive = false
			p.ClosedAt = &closedAt
			adj.Close = append(adj.Close, p.ID)
			closed = append(closed, p)
			continue
		}
		left := p.Quantity.Sub(remaining)
		adj.Reduce = map[string]decimal.Decimal{p.ID: left}
		p.Quantity = left
		remaining = decimal.Zero
		reduced = append(reduced, p)
	}

	if err := c.store.AdjustHedgePositions(ctx, adj); err != nil {
		slog.Error("hedge reduction rolled back",
			"asset", res.Asset,
			"closing", adj.Close,
			"reducing", len(adj.Reduce),
			"err", err,
		)
		return err
	}
	res.Closed = closed
	res.Reduced = reduced
	return nil
}

func (c *Calculator) countAction(code string, action model.HedgeAction, executed bool) {
	label := "false"
	if executed {
		label = "true"
	}
	metrics.RebalanceActions.WithLabelValues(code, string(action), label).Inc()
}
