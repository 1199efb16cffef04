// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), an in-memory store
// (tests and development) and a read-through balance cache wrapper backed
// by Redis or an in-process cache.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/model"
)

// AccountStore persists the immutable funding/trading account pairs.
type AccountStore interface {
	// CreateAccount persists a new account. Conflict if the owner already
	// has an account of that kind.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetAccountByOwner retrieves the owner's account of the given kind.
	GetAccountByOwner(ctx context.Context, ownerID string, kind model.AccountKind) (*model.Account, error)
}

// BalanceStore holds per-account, per-asset balances and their journal.
type BalanceStore interface {
	// GetOrCreateBalance returns the existing balance or materializes a
	// zero one. Idempotent.
	GetOrCreateBalance(ctx context.Context, accountID, asset string) (*model.Balance, error)

	// ListBalances returns every balance row of an account.
	ListBalances(ctx context.Context, accountID string) ([]model.Balance, error)

	// ApplyChange is the only mutation entry point. The balance update and
	// its journal row are written as one all-or-nothing unit, serialized
	// against other changes to the same (account, asset).
	ApplyChange(ctx context.Context, req model.ChangeRequest) (*model.Balance, *model.BalanceChange, error)

	// ListBalanceChanges returns the journal of one balance, oldest first.
	ListBalanceChanges(ctx context.Context, accountID, asset string) ([]model.BalanceChange, error)

	// SumBalances totals the amount of asset across all accounts of kind.
	SumBalances(ctx context.Context, asset string, kind model.AccountKind) (decimal.Decimal, error)
}

// TradeStore is the append-only trade log.
type TradeStore interface {
	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByOwner returns an owner's trades, oldest first.
	ListTradesByOwner(ctx context.Context, ownerID string) ([]model.Trade, error)
}

// HedgeStore persists platform hedge positions.
type HedgeStore interface {
	// CreateHedgePosition persists a newly opened position.
	CreateHedgePosition(ctx context.Context, pos *model.HedgePosition) error

	// GetHedgePosition retrieves a position by ID.
	GetHedgePosition(ctx context.Context, id string) (*model.HedgePosition, error)

	// ListActiveHedgePositions returns active positions for asset, oldest
	// first, ties broken by insertion order.
	ListActiveHedgePositions(ctx context.Context, asset string) ([]model.HedgePosition, error)

	// AdjustHedgePositions applies every close and reduce in adj, or none
	// of them. Conflict if a named position is not active.
	AdjustHedgePositions(ctx context.Context, adj HedgeAdjustment) error
}

// HedgeAdjustment is one rebalance step against active hedge positions.
type HedgeAdjustment struct {
	Close    []string
	ClosedAt time.Time
	// Reduce maps a position ID to its new quantity, which must be positive
	// and below the current one.
	Reduce map[string]decimal.Decimal
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; balance reads may go through a cache layer.
type Store interface {
	AccountStore
	BalanceStore
	TradeStore
	HedgeStore
}
