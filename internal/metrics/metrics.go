// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts settlements by pair kind and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Total number of settlements attempted",
	}, []string{"pair", "status"})

	// SettlementLatency tracks end-to-end settlement time.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"pair"})

	// TradeVolume tracks cumulative amount sold per asset.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trade_volume_total",
		Help: "Cumulative amount sold per asset",
	}, []string{"asset"})

	// QuotesTotal counts quote lifecycle transitions.
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_quotes_total",
		Help: "Quotes by lifecycle event (requested, confirmed, expired, rejected)",
	}, []string{"symbol", "event"})

	// Rollbacks counts settlements undone by compensating changes.
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlement_rollbacks_total",
		Help: "Settlements rolled back after a partial failure",
	}, []string{"stage"})

	// DoubleFaults counts compensations that themselves failed. Any
	// increase requires manual reconciliation.
	DoubleFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settlement_double_faults_total",
		Help: "Compensating changes that failed after a partial settlement",
	})

	// ExposureSynthetic is the platform-wide synthetic balance per asset.
	ExposureSynthetic = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_exposure_synthetic",
		Help: "Total user-held synthetic amount",
	}, []string{"asset"})

	// ExposureHedged is the active hedge quantity per asset.
	ExposureHedged = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_exposure_hedged",
		Help: "Total active hedge quantity",
	}, []string{"asset"})

	// HedgeRatio is hedged / synthetic per asset.
	HedgeRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_hedge_ratio",
		Help: "Hedged fraction of synthetic exposure",
	}, []string{"asset"})

	// RebalanceActions counts executed hedge adjustments.
	RebalanceActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rebalance_actions_total",
		Help: "Hedge rebalances by asset and action",
	}, []string{"asset", "action", "executed"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
