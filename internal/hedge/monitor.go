package hedge

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/metals-ledger/internal/asset"
	"github.com/atmx/metals-ledger/internal/model"
)

// Monitor periodically recomputes exposure for every synthetic asset and,
// when autoExecute is set, applies the recommended rebalance.
type Monitor struct {
	calc        *Calculator
	assets      *asset.Registry
	interval    time.Duration
	autoExecute bool
}

// NewMonitor creates a monitor. A non-positive interval defaults to one
// minute.
func NewMonitor(calc *Calculator, assets *asset.Registry, interval time.Duration, autoExecute bool) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{calc: calc, assets: assets, interval: interval, autoExecute: autoExecute}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("exposure monitor started", "interval", m.interval, "auto_execute", m.autoExecute)
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("exposure monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one pass and returns the summaries it computed. Failures on one
// asset are logged and do not stop the others.
func (m *Monitor) Tick(ctx context.Context) []model.ExposureSummary {
	var out []model.ExposureSummary
	for _, a := range m.assets.Synthetics() {
		sum, err := m.calc.ComputeExposure(ctx, a.Code)
		if err != nil {
			slog.Error("exposure computation failed", "asset", a.Code, "err", err)
			continue
		}
		out = append(out, *sum)
		if sum.RecommendedAction == model.HedgeNone {
			continue
		}

		slog.Warn("hedge outside tolerance",
			"asset", a.Code,
			"ratio", sum.HedgeRatio.String(),
			"synthetic", sum.TotalSyntheticAmount.String(),
			"hedged", sum.TotalHedgedAmount.String(),
			"action", sum.RecommendedAction,
		)
		if !m.autoExecute {
			continue
		}
		if _, err := m.calc.Rebalance(ctx, a.Code, sum.RecommendedAction, m.calc.TargetRatio(), true); err != nil {
			slog.Error("auto rebalance failed", "asset", a.Code, "action", sum.RecommendedAction, "err", err)
		}
	}
	return out
}
