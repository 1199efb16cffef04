// Package api exposes the ledger over HTTP. Handlers are thin: they decode
// the request, call one service operation and encode the result.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/hedge"
	"github.com/atmx/metals-ledger/internal/ledger"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/quote"
	"github.com/atmx/metals-ledger/internal/trade"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	ledger *ledger.Service
	quotes *quote.Engine
	trades *trade.Service
	hedge  *hedge.Calculator
}

// NewHandler creates the HTTP handler set.
func NewHandler(l *ledger.Service, q *quote.Engine, t *trade.Service, h *hedge.Calculator) *Handler {
	return &Handler{ledger: l, quotes: q, trades: t, hedge: h}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts/{ownerID}", h.OpenAccounts)
	r.Get("/accounts/{ownerID}/balances", h.GetBalances)
	r.Get("/accounts/{ownerID}/balances/{asset}", h.GetBalance)
	r.Get("/accounts/{ownerID}/balances/{asset}/journal", h.GetJournal)
	r.Post("/deposits", h.Deposit)
	r.Post("/withdrawals", h.Withdraw)
	r.Post("/locks", h.Lock)
	r.Post("/unlocks", h.Unlock)

	r.Post("/quotes", h.RequestQuote)
	r.Get("/quotes/{quoteID}", h.GetQuote)
	r.Post("/quotes/{quoteID}/confirm", h.ConfirmQuote)
	r.Post("/quotes/{quoteID}/execute", h.ExecuteQuote)

	r.Post("/convert", h.Convert)
	r.Get("/trades/{ownerID}", h.ListTrades)

	r.Get("/exposure/{asset}", h.GetExposure)
	r.Get("/hedge/{asset}/positions", h.ListHedgePositions)
	r.Post("/hedge/{asset}/rebalance", h.Rebalance)
}

// --- Request/Response types ---

// MovementRequest is the body of POST /deposits, /withdrawals, /locks and
// /unlocks.
type MovementRequest struct {
	OwnerID   string          `json:"owner_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// QuoteRequest is the body of POST /quotes.
type QuoteRequest struct {
	Symbol   string          `json:"symbol"`
	Side     model.Side      `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	OwnerID  string          `json:"owner_id,omitempty"`
}

// QuoteResponse pairs a quote with its status at read time.
type QuoteResponse struct {
	Quote  *model.Quote      `json:"quote"`
	Status model.QuoteStatus `json:"status"`
}

// OwnerRequest is the body of quote confirm/execute.
type OwnerRequest struct {
	OwnerID string `json:"owner_id"`
}

// ConvertRequest is the body of POST /convert.
type ConvertRequest struct {
	OwnerID string          `json:"owner_id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Amount  decimal.Decimal `json:"amount"`
}

// RebalanceRequest is the body of POST /hedge/{asset}/rebalance. A missing
// target ratio uses the configured one.
type RebalanceRequest struct {
	Action      model.HedgeAction `json:"action"`
	TargetRatio *decimal.Decimal  `json:"target_ratio,omitempty"`
	Execute     bool              `json:"execute"`
}

// --- Accounts and balances ---

func (h *Handler) OpenAccounts(w http.ResponseWriter, r *http.Request) {
	accs, err := h.ledger.OpenAccounts(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accs)
}

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.ledger.Balances(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if balances == nil {
		balances = []model.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.ledger.Balance(r.Context(), chi.URLParam(r, "ownerID"), chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	changes, err := h.ledger.Journal(r.Context(), chi.URLParam(r, "ownerID"), chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	if changes == nil {
		changes = []model.BalanceChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.ledger.Deposit(r.Context(), req.OwnerID, req.Asset, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.ledger.Withdraw(r.Context(), req.OwnerID, req.Asset, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.ledger.Lock(r.Context(), req.OwnerID, req.Asset, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.ledger.Unlock(r.Context(), req.OwnerID, req.Asset, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Quotes ---

func (h *Handler) RequestQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !decode(w, r, &req) {
		return
	}
	q, err := h.quotes.RequestQuote(r.Context(), req.Symbol, req.Side, req.Quantity, req.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, status, err := h.quotes.GetQuote(r.Context(), chi.URLParam(r, "quoteID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{Quote: q, Status: status})
}

func (h *Handler) ConfirmQuote(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	conf, err := h.quotes.ConfirmQuote(r.Context(), chi.URLParam(r, "quoteID"), req.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (h *Handler) ExecuteQuote(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.trades.ExecuteFromQuote(r.Context(), req.OwnerID, chi.URLParam(r, "quoteID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Trades ---

func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		writeError(w, apperr.Validation("owner_id is required"))
		return
	}
	t, err := h.trades.Convert(r.Context(), req.OwnerID, req.From, req.To, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trades.Trades(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Exposure and hedging ---

func (h *Handler) GetExposure(w http.ResponseWriter, r *http.Request) {
	sum, err := h.hedge.ComputeExposure(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListHedgePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.hedge.Positions(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.HedgePosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handler) Rebalance(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if !decode(w, r, &req) {
		return
	}
	target := h.hedge.TargetRatio()
	if req.TargetRatio != nil {
		target = *req.TargetRatio
	}
	res, err := h.hedge.Rebalance(r.Context(), chi.URLParam(r, "asset"), req.Action, target, req.Execute)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

// writeError maps err to its status. Internal failures are logged and
// reported without detail.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	message := "internal error"

	var e *apperr.Error
	switch {
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
	case errors.As(err, &e):
		message = string(e.Kind)
		if e.Message != "" {
			message += ": " + e.Message
		}
	}
	writeJSON(w, status, map[string]string{"error": message})
}
