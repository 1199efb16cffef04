// Package ledger exposes owner-level account and balance operations on top
// of the balance store. Assets are routed to the owner's funding or trading
// account by kind.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/asset"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/store"
)

// Accounts is an owner's funding/trading pair.
type Accounts struct {
	Funding *model.Account `json:"funding"`
	Trading *model.Account `json:"trading"`
}

// For returns the account of kind.
func (a Accounts) For(kind model.AccountKind) *model.Account {
	if kind == model.AccountFunding {
		return a.Funding
	}
	return a.Trading
}

// Service owns account onboarding and direct balance movements.
type Service struct {
	store  store.Store
	assets *asset.Registry
}

// NewService creates a ledger service.
func NewService(st store.Store, assets *asset.Registry) *Service {
	return &Service{store: st, assets: assets}
}

// OpenAccounts creates the owner's funding and trading accounts. Calling it
// again returns the existing pair.
func (s *Service) OpenAccounts(ctx context.Context, ownerID string) (*Accounts, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner_id is required")
	}
	funding, err := s.openAccount(ctx, ownerID, model.AccountFunding)
	if err != nil {
		return nil, err
	}
	trading, err := s.openAccount(ctx, ownerID, model.AccountTrading)
	if err != nil {
		return nil, err
	}
	return &Accounts{Funding: funding, Trading: trading}, nil
}

func (s *Service) openAccount(ctx context.Context, ownerID string, kind model.AccountKind) (*model.Account, error) {
	existing, err := s.store.GetAccountByOwner(ctx, ownerID, kind)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	a := &model.Account{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	err = s.store.CreateAccount(ctx, a)
	if errors.Is(err, apperr.ErrConflict) {
		// Lost a race with a concurrent onboarding call.
		return s.store.GetAccountByOwner(ctx, ownerID, kind)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("account opened", "owner_id", ownerID, "kind", kind, "account_id", a.ID)
	return a, nil
}

// Accounts returns the owner's account pair. NotFound if the owner was
// never onboarded.
func (s *Service) Accounts(ctx context.Context, ownerID string) (*Accounts, error) {
	funding, err := s.store.GetAccountByOwner(ctx, ownerID, model.AccountFunding)
	if err != nil {
		return nil, err
	}
	trading, err := s.store.GetAccountByOwner(ctx, ownerID, model.AccountTrading)
	if err != nil {
		return nil, err
	}
	return &Accounts{Funding: funding, Trading: trading}, nil
}

// AccountFor resolves the account that holds code for ownerID.
func (s *Service) AccountFor(ctx context.Context, ownerID, code string) (*model.Account, asset.Asset, error) {
	a, err := s.assets.Get(code)
	if err != nil {
		return nil, asset.Asset{}, err
	}
	acc, err := s.store.GetAccountByOwner(ctx, ownerID, a.AccountKind())
	if err != nil {
		return nil, asset.Asset{}, err
	}
	return acc, a, nil
}

// Deposit credits amount of code to the owner, e.g. after an external
// custody transfer settles.
func (s *Service) Deposit(ctx context.Context, ownerID, code string, amount decimal.Decimal, reference string) (*model.Balance, error) {
	return s.move(ctx, ownerID, code, model.ChangeCredit, amount, reference)
}

// Withdraw debits amount of code from the owner's available balance.
func (s *Service) Withdraw(ctx context.Context, ownerID, code string, amount decimal.Decimal, reference string) (*model.Balance, error) {
	return s.move(ctx, ownerID, code, model.ChangeDebit, amount, reference)
}

// Lock reserves amount of code, e.g. for a pending withdrawal.
func (s *Service) Lock(ctx context.Context, ownerID, code string, amount decimal.Decimal, reference string) (*model.Balance, error) {
	return s.move(ctx, ownerID, code, model.ChangeLock, amount, reference)
}

// Unlock releases a previous Lock.
func (s *Service) Unlock(ctx context.Context, ownerID, code string, amount decimal.Decimal, reference string) (*model.Balance, error) {
	return s.move(ctx, ownerID, code, model.ChangeUnlock, amount, reference)
}

func (s *Service) move(ctx context.Context, ownerID, code string, kind model.ChangeKind, amount decimal.Decimal, reference string) (*model.Balance, error) {
	acc, _, err := s.AccountFor(ctx, ownerID, code)
	if err != nil {
		return nil, err
	}
	b, change, err := s.store.ApplyChange(ctx, model.ChangeRequest{
		AccountID: acc.ID,
		Asset:     code,
		Kind:      kind,
		Delta:     amount,
		Reference: reference,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("balance changed",
		"owner_id", ownerID,
		"account_id", acc.ID,
		"asset", code,
		"kind", kind,
		"delta", change.Delta.String(),
		"new_amount", change.NewAmount.String(),
		"reference", reference,
	)
	return b, nil
}

// Balance returns the owner's balance of code, zero if never credited.
func (s *Service) Balance(ctx context.Context, ownerID, code string) (*model.Balance, error) {
	acc, _, err := s.AccountFor(ctx, ownerID, code)
	if err != nil {
		return nil, err
	}
	return s.store.GetOrCreateBalance(ctx, acc.ID, code)
}

// Balances lists every balance across both of the owner's accounts.
func (s *Service) Balances(ctx context.Context, ownerID string) ([]model.Balance, error) {
	accs, err := s.Accounts(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	var result []model.Balance
	for _, acc := range []*model.Account{accs.Funding, accs.Trading} {
		bs, err := s.store.ListBalances(ctx, acc.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, bs...)
	}
	return result, nil
}

// Journal returns the change history of the owner's balance of code.
func (s *Service) Journal(ctx context.Context, ownerID, code string) ([]model.BalanceChange, error) {
	acc, _, err := s.AccountFor(ctx, ownerID, code)
	if err != nil {
		return nil, err
	}
	return s.store.ListBalanceChanges(ctx, acc.ID, code)
}
