package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/model"
)

// validateChange rejects malformed requests before any lock is taken.
func validateChange(req model.ChangeRequest) error {
	if req.AccountID == "" {
		return apperr.Validation("account_id is required")
	}
	if req.Asset == "" {
		return apperr.Validation("asset is required")
	}
	if !req.Kind.Valid() {
		return apperr.Validation("unknown change kind %q", req.Kind)
	}
	if !req.Delta.IsPositive() {
		return apperr.Validation("delta must be positive, got %s", req.Delta)
	}
	return nil
}

// applyChange computes the next balance state and its journal row. It is
// shared by every Store implementation so the arithmetic and the
// 0 <= locked <= amount invariant live in one place.
func applyChange(cur model.Balance, req model.ChangeRequest, now time.Time) (model.Balance, model.BalanceChange, error) {
	next := cur
	delta := req.Delta
	signed := delta

	switch req.Kind {
	case model.ChangeDebit, model.ChangeBurn:
		if cur.Available().LessThan(delta) {
			return cur, model.BalanceChange{}, apperr.InsufficientFunds(
				"%s %s: available %s < %s", req.Asset, req.Kind, cur.Available(), delta)
		}
		next.Amount = cur.Amount.Sub(delta)
		signed = delta.Neg()
	case model.ChangeCredit, model.ChangeMint:
		next.Amount = cur.Amount.Add(delta)
	case model.ChangeLock:
		if cur.Available().LessThan(delta) {
			return cur, model.BalanceChange{}, apperr.InsufficientFunds(
				"%s LOCK: available %s < %s", req.Asset, cur.Available(), delta)
		}
		next.LockedAmount = cur.LockedAmount.Add(delta)
	case model.ChangeUnlock:
		if cur.LockedAmount.LessThan(delta) {
			return cur, model.BalanceChange{}, apperr.InsufficientFunds(
				"%s UNLOCK: locked %s < %s", req.Asset, cur.LockedAmount, delta)
		}
		next.LockedAmount = cur.LockedAmount.Sub(delta)
		signed = delta.Neg()
	default:
		return cur, model.BalanceChange{}, apperr.Validation("unknown change kind %q", req.Kind)
	}

	if next.Amount.IsNegative() || next.LockedAmount.IsNegative() || next.LockedAmount.GreaterThan(next.Amount) {
		return cur, model.BalanceChange{}, apperr.Internal(nil,
			"balance invariant violated for %s/%s", cur.AccountID, cur.Asset)
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = now

	change := model.BalanceChange{
		ID:             uuid.New().String(),
		BalanceID:      cur.ID,
		AccountID:      cur.AccountID,
		Asset:          cur.Asset,
		Kind:           req.Kind,
		Delta:          signed,
		PreviousAmount: cur.Amount,
		NewAmount:      next.Amount,
		PreviousLocked: cur.LockedAmount,
		NewLocked:      next.LockedAmount,
		Reference:      req.Reference,
		CreatedAt:      now,
	}
	return next, change, nil
}

func zeroBalance(accountID, asset string, now time.Time) model.Balance {
	return model.Balance{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Asset:        asset,
		Amount:       decimal.Zero,
		LockedAmount: decimal.Zero,
		UpdatedAt:    now,
	}
}

func balanceKey(accountID, asset string) string {
	return accountID + "/" + asset
}
