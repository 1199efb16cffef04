// Package model defines the core domain types shared across the ledger.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind separates custody holdings from synthetic trading holdings.
type AccountKind string

const (
	AccountFunding AccountKind = "FUNDING"
	AccountTrading AccountKind = "TRADING"
)

// Account is created once per (owner, kind) at onboarding and never modified.
type Account struct {
	ID        string      `json:"id" db:"id"`
	OwnerID   string      `json:"owner_id" db:"owner_id"`
	Kind      AccountKind `json:"kind" db:"kind"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Balance is one row per (account, asset), created lazily at zero.
// Invariant: Amount >= 0 and 0 <= LockedAmount <= Amount.
type Balance struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Asset        string          `json:"asset" db:"asset"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	LockedAmount decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	Version      int64           `json:"version" db:"version"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Available is the spendable part of the balance.
func (b Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.LockedAmount)
}

// ChangeKind enumerates the balance mutations.
type ChangeKind string

const (
	ChangeDebit  ChangeKind = "DEBIT"
	ChangeCredit ChangeKind = "CREDIT"
	ChangeLock   ChangeKind = "LOCK"
	ChangeUnlock ChangeKind = "UNLOCK"
	ChangeMint   ChangeKind = "MINT"
	ChangeBurn   ChangeKind = "BURN"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeDebit, ChangeCredit, ChangeLock, ChangeUnlock, ChangeMint, ChangeBurn:
		return true
	}
	return false
}

// BalanceChange is an append-only journal row. Exactly one is written per
// balance mutation, in the same unit of work as the mutation itself.
//
// Delta is signed in the direction of the field it moved: negative for
// DEBIT/BURN (amount) and UNLOCK (locked), positive otherwise.
type BalanceChange struct {
	ID             string          `json:"id" db:"id"`
	BalanceID      string          `json:"balance_id" db:"balance_id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Asset          string          `json:"asset" db:"asset"`
	Kind           ChangeKind      `json:"kind" db:"kind"`
	Delta          decimal.Decimal `json:"delta" db:"delta"`
	PreviousAmount decimal.Decimal `json:"previous_amount" db:"previous_amount"`
	NewAmount      decimal.Decimal `json:"new_amount" db:"new_amount"`
	PreviousLocked decimal.Decimal `json:"previous_locked" db:"previous_locked"`
	NewLocked      decimal.Decimal `json:"new_locked" db:"new_locked"`
	Reference      string          `json:"reference" db:"reference"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// ChangeRequest is the input to the single balance mutation entry point.
type ChangeRequest struct {
	AccountID string
	Asset     string
	Kind      ChangeKind
	Delta     decimal.Decimal // always positive; direction comes from Kind
	Reference string
}

// Side of a quote, from the user's point of view.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// QuoteStatus is derived from timestamps, never stored.
type QuoteStatus string

const (
	QuoteActive   QuoteStatus = "ACTIVE"
	QuoteConsumed QuoteStatus = "CONSUMED"
	QuoteExpired  QuoteStatus = "EXPIRED"
)

// Quote is an immutable, time-bounded price lock.
type Quote struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	BasePrice   decimal.Decimal `json:"base_price"`
	SpreadBps   int64           `json:"spread_bps"`
	LockedPrice decimal.Decimal `json:"locked_price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	OwnerID     string          `json:"owner_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ConsumedAt  *time.Time      `json:"consumed_at,omitempty"`
}

// Status reports the lifecycle state of q at now.
func (q Quote) Status(now time.Time) QuoteStatus {
	if q.ConsumedAt != nil {
		return QuoteConsumed
	}
	if !now.Before(q.ExpiresAt) {
		return QuoteExpired
	}
	return QuoteActive
}

// Confirmation is returned once, when a quote is consumed.
type Confirmation struct {
	ID          string          `json:"id"`
	QuoteID     string          `json:"quote_id"`
	FinalPrice  decimal.Decimal `json:"final_price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// TradeStatus of a settled trade.
type TradeStatus string

const (
	TradeFilled   TradeStatus = "FILLED"
	TradeRejected TradeStatus = "REJECTED"
)

// Trade is an immutable record of a successful settlement.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	FromAccountID string          `json:"from_account_id" db:"from_account_id"`
	ToAccountID   string          `json:"to_account_id" db:"to_account_id"`
	AssetSold     string          `json:"asset_sold" db:"asset_sold"`
	AssetBought   string          `json:"asset_bought" db:"asset_bought"`
	AmountSold    decimal.Decimal `json:"amount_sold" db:"amount_sold"`
	AmountBought  decimal.Decimal `json:"amount_bought" db:"amount_bought"`
	Price         decimal.Decimal `json:"price" db:"price"`
	FeeAmount     decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	FeeAsset      string          `json:"fee_asset" db:"fee_asset"`
	Status        TradeStatus     `json:"status" db:"status"`
	Reference     string          `json:"reference" db:"reference"`
	ExecutedAt    time.Time       `json:"executed_at" db:"executed_at"`
}

// HedgePosition is platform inventory offsetting user synthetic exposure.
// IsActive=false is terminal.
type HedgePosition struct {
	ID         string          `json:"id" db:"id"`
	Asset      string          `json:"asset" db:"asset"`
	Instrument string          `json:"instrument" db:"instrument"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	HedgeRatio decimal.Decimal `json:"hedge_ratio" db:"hedge_ratio"` // hedged fraction at open time
	IsActive   bool            `json:"is_active" db:"is_active"`
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// HedgeAction is a rebalancing recommendation.
type HedgeAction string

const (
	HedgeNone     HedgeAction = "NONE"
	HedgeIncrease HedgeAction = "INCREASE_HEDGE"
	HedgeDecrease HedgeAction = "DECREASE_HEDGE"
)

// ExposureSummary is derived on demand; never persisted.
type ExposureSummary struct {
	Asset                string          `json:"asset"`
	TotalSyntheticAmount decimal.Decimal `json:"total_synthetic_amount"`
	TotalHedgedAmount    decimal.Decimal `json:"total_hedged_amount"`
	NetExposure          decimal.Decimal `json:"net_exposure"`
	HedgeRatio           decimal.Decimal `json:"hedge_ratio"`
	RecommendedAction    HedgeAction     `json:"recommended_action"`
}
