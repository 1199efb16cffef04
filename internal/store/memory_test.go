package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedAccount(t *testing.T, s store.Store, id, owner string, kind model.AccountKind) *model.Account {
	t.Helper()
	a := &model.Account{ID: id, OwnerID: owner, Kind: kind, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func apply(t *testing.T, s store.Store, accountID, asset string, kind model.ChangeKind, delta float64) (*model.Balance, error) {
	t.Helper()
	b, _, err := s.ApplyChange(context.Background(), model.ChangeRequest{
		AccountID: accountID,
		Asset:     asset,
		Kind:      kind,
		Delta:     d(delta),
		Reference: "test",
	})
	return b, err
}

func TestCreateAccount_DuplicateKind(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acc-1", "alice", model.AccountFunding)

	err := ms.CreateAccount(context.Background(), &model.Account{ID: "acc-2", OwnerID: "alice", Kind: model.AccountFunding})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// Other kind is fine.
	seedAccount(t, ms, "acc-3", "alice", model.AccountTrading)
	got, err := ms.GetAccountByOwner(context.Background(), "alice", model.AccountTrading)
	require.NoError(t, err)
	assert.Equal(t, "acc-3", got.ID)
}

func TestGetOrCreateBalance_Idempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acc-1", "alice", model.AccountFunding)

	first, err := ms.GetOrCreateBalance(context.Background(), "acc-1", "PAXG")
	require.NoError(t, err)
	second, err := ms.GetOrCreateBalance(context.Background(), "acc-1", "PAXG")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Amount.IsZero())
	assert.True(t, second.LockedAmount.IsZero())
	assert.Equal(t, first.Version, second.Version)
}

func TestGetOrCreateBalance_UnknownAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	_, err := ms.GetOrCreateBalance(context.Background(), "missing", "PAXG")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestApplyChange_CreditDebitJournal(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acc-1", "alice", model.AccountFunding)

	_, err := apply(t, ms, "acc-1", "PAXG", model.ChangeCredit, 5)
	require.NoError(t, err)
	b, err := apply(t, ms, "acc-1", "PAXG", model.ChangeDebit, 2)
	require.NoError(t, err)

	assert.True(t, b.Amount.Equal(d(3)), "amount = %s", b.Amount)
	assert.Equal(t, int64(2), b.Version)

	journal, err := ms.ListBalanceChanges(context.Background(), "acc-1", "PAXG")
	require.NoError(t, err)
	require.Len(t, journal, 2)

	assert.Equal(t, model.ChangeCredit, journal[0].Kind)
	assert.True(t, journal[0].PreviousAmount.IsZero())
	assert.True(t, journal[0].NewAmount.Equal(d(5)))

	assert.Equal(t, model.ChangeDebit, journal[1].Kind)
	assert.True(t, journal[1].Delta.Equal(d(-2)))
	assert.True(t, journal[1].PreviousAmount.Equal(d(5)))
	assert.True(t, journal[1].NewAmount.Equal(d(3)))
	assert.Equal(t, b.ID, journal[1].BalanceID)
}

func TestApplyChange_InsufficientFunds(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acc-1", "alice", model.AccountTrading)

	_, err := apply(t, ms, "acc-1", "XAU-s", model.ChangeCredit, 1)
	require.NoError(t, err)

	_, err = apply(t, ms, "acc-1", "XAU-s", model.ChangeBurn, 1.5)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	// Failed change leaves no trace.
	journal, _ := ms.ListBalanceChanges(context.Background(), "acc-1", "XAU-s")
	assert.Len(t, journal, 1)
	b, _ := ms.GetOrCreateBalance(context.Background(), "acc-1", "XAU-s")
	assert.True(t, b.Amount.Equal(d(1)))
}

func TestApplyChange_LockUnlock(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acc-1", "alice", model.AccountTrading)
	_, err := apply(t, ms, "acc-1", "USD", model.ChangeCredit, 100)
	require.NoError(t, err)

	b, err := apply(t, ms, "acc-1", "USD", model.ChangeLock, 60)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(d(100)))
	assert.True(t, b.LockedAmount.Equal(d(60)))
	assert.True(t, b.Available().Equal(d(40)))

	// Locked funds cannot be debited or locked again.
	_, err = apply(t, ms, "acc-1", "USD", model.ChangeDebit, 50)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	_, err = apply(t, ms, "acc-1", "USD", model.ChangeLock, 50)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = apply(t, ms, "acc-1", "USD", model.ChangeUnlock, 61)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	b, err = apply(t, ms, "acc-1", "USD", model.ChangeUnlock, 60)
	require.NoError(t, err)
	assert.True(t, b.LockedAmount.IsZero())
	assert.True(t, b.Available().Equal(d(100)))
}

func TestApplyChange_Validation(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acc-1", "alice", model.AccountTrading)

	tests := []struct {
		name string
		req  model.ChangeRequest
	}{
		{"zero delta", model.ChangeRequest{AccountID: "acc-1", Asset: "USD", Kind: model.ChangeCredit, Delta: decimal.Zero}},
		{"negative delta", model.ChangeRequest{AccountID: "acc-1", Asset: "USD", Kind: model.ChangeCredit, Delta: d(-1)}},
		{"unknown kind", model.ChangeRequest{AccountID: "acc-1", Asset: "USD", Kind: "SWAP", Delta: d(1)}},
		{"missing asset", model.ChangeRequest{AccountID: "acc-1", Kind: model.ChangeCredit, Delta: d(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ms.ApplyChange(context.Background(), tt.req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestApplyChange_ConcurrentSameKey(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acc-1", "alice", model.AccountTrading)
	_, err := apply(t, ms, "acc-1", "XAU-s", model.ChangeCredit, 50)
	require.NoError(t, err)

	// 100 debits of 1 against 50: exactly 50 must succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := ms.ApplyChange(context.Background(), model.ChangeRequest{
				AccountID: "acc-1", Asset: "XAU-s", Kind: model.ChangeDebit, Delta: d(1),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, succeeded)
	b, err := ms.GetOrCreateBalance(context.Background(), "acc-1", "XAU-s")
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero(), "amount = %s", b.Amount)
	assert.Equal(t, int64(51), b.Version)

	journal, _ := ms.ListBalanceChanges(context.Background(), "acc-1", "XAU-s")
	assert.Len(t, journal, 51)
}

func TestSumBalances_ByAccountKind(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "t-1", "alice", model.AccountTrading)
	seedAccount(t, ms, "t-2", "bob", model.AccountTrading)
	seedAccount(t, ms, "f-1", "alice", model.AccountFunding)

	for _, c := range []struct {
		acc string
		amt float64
	}{{"t-1", 600}, {"t-2", 400}, {"f-1", 999}} {
		_, err := apply(t, ms, c.acc, "XAU-s", model.ChangeMint, c.amt)
		require.NoError(t, err)
	}

	total, err := ms.SumBalances(context.Background(), "XAU-s", model.AccountTrading)
	require.NoError(t, err)
	assert.True(t, total.Equal(d(1000)), "total = %s", total)
}

func TestHedgePositions_OldestFirstAndTerminalClose(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	newer := &model.HedgePosition{ID: "h-2", Asset: "XAU-s", Quantity: d(200), IsActive: true, OpenedAt: base.Add(time.Hour)}
	older := &model.HedgePosition{ID: "h-1", Asset: "XAU-s", Quantity: d(100), IsActive: true, OpenedAt: base}
	require.NoError(t, ms.CreateHedgePosition(ctx, newer))
	require.NoError(t, ms.CreateHedgePosition(ctx, older))

	active, err := ms.ListActiveHedgePositions(ctx, "XAU-s")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "h-1", active[0].ID)
	assert.Equal(t, "h-2", active[1].ID)

	require.NoError(t, ms.AdjustHedgePositions(ctx, store.HedgeAdjustment{
		Close: []string{"h-1"}, ClosedAt: base.Add(2 * time.Hour),
	}))
	assert.ErrorIs(t, ms.AdjustHedgePositions(ctx, store.HedgeAdjustment{Close: []string{"h-1"}, ClosedAt: base}), apperr.ErrConflict)
	assert.ErrorIs(t, ms.AdjustHedgePositions(ctx, store.HedgeAdjustment{
		Reduce: map[string]decimal.Decimal{"h-1": d(50)},
	}), apperr.ErrConflict)

	require.NoError(t, ms.AdjustHedgePositions(ctx, store.HedgeAdjustment{
		Reduce: map[string]decimal.Decimal{"h-2": d(150)},
	}))
	assert.ErrorIs(t, ms.AdjustHedgePositions(ctx, store.HedgeAdjustment{
		Reduce: map[string]decimal.Decimal{"h-2": d(150)},
	}), apperr.ErrValidation)

	p, err := ms.GetHedgePosition(ctx, "h-2")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d(150)))

	closed, err := ms.GetHedgePosition(ctx, "h-1")
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
	require.NotNil(t, closed.ClosedAt)
}

func TestAdjustHedgePositions_AllOrNothing(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, qty := range []float64{100, 50, 200} {
		require.NoError(t, ms.CreateHedgePosition(ctx, &model.HedgePosition{
			ID: fmt.Sprintf("h-%d", i+1), Asset: "XAU-s", Quantity: d(qty),
			IsActive: true, OpenedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	// The reduce is invalid, so neither close may land.
	err := ms.AdjustHedgePositions(ctx, store.HedgeAdjustment{
		Close:    []string{"h-1", "h-2"},
		ClosedAt: base.Add(3 * time.Hour),
		Reduce:   map[string]decimal.Decimal{"h-3": d(250)},
	})
	require.ErrorIs(t, err, apperr.ErrValidation)

	active, err := ms.ListActiveHedgePositions(ctx, "XAU-s")
	require.NoError(t, err)
	assert.Len(t, active, 3)

	err = ms.AdjustHedgePositions(ctx, store.HedgeAdjustment{
		Close:    []string{"h-1", "h-1"},
		ClosedAt: base.Add(3 * time.Hour),
	})
	require.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, ms.AdjustHedgePositions(ctx, store.HedgeAdjustment{
		Close:    []string{"h-1", "h-2"},
		ClosedAt: base.Add(3 * time.Hour),
		Reduce:   map[string]decimal.Decimal{"h-3": d(120)},
	}))
	active, err = ms.ListActiveHedgePositions(ctx, "XAU-s")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "h-3", active[0].ID)
	assert.True(t, active[0].Quantity.Equal(d(120)))
}

func TestTrades_AppendOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	tr := &model.Trade{ID: "t-1", OwnerID: "alice", Status: model.TradeFilled, AmountSold: d(1)}
	require.NoError(t, ms.InsertTrade(ctx, tr))
	assert.ErrorIs(t, ms.InsertTrade(ctx, tr), apperr.ErrConflict)

	trades, err := ms.ListTradesByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	_, err = ms.GetTrade(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
