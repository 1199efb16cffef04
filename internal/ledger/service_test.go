package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/asset"
	"github.com/atmx/metals-ledger/internal/ledger"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newService(t *testing.T) (*ledger.Service, *store.MemoryStore) {
	t.Helper()
	reg, err := asset.NewRegistry([]asset.Asset{
		{Code: "PAXG", Kind: asset.KindCustody, Pair: "XAU-s"},
		{Code: "XAU-s", Kind: asset.KindSynthetic, Pair: "PAXG", OracleSymbol: "XAU"},
		{Code: "USD", Kind: asset.KindCash},
	})
	require.NoError(t, err)
	ms := store.NewMemoryStore()
	return ledger.NewService(ms, reg), ms
}

func TestOpenAccounts_Idempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.OpenAccounts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.AccountFunding, first.Funding.Kind)
	assert.Equal(t, model.AccountTrading, first.Trading.Kind)

	second, err := svc.OpenAccounts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Funding.ID, second.Funding.ID)
	assert.Equal(t, first.Trading.ID, second.Trading.ID)
}

func TestOpenAccounts_ConcurrentOnboarding(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accs, err := svc.OpenAccounts(ctx, "bob")
			if assert.NoError(t, err) {
				ids <- accs.Trading.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestDeposit_RoutesByAssetKind(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	accs, err := svc.OpenAccounts(ctx, "alice")
	require.NoError(t, err)

	paxg, err := svc.Deposit(ctx, "alice", "PAXG", d(2), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, accs.Funding.ID, paxg.AccountID)

	usd, err := svc.Deposit(ctx, "alice", "USD", d(5000), "dep-2")
	require.NoError(t, err)
	assert.Equal(t, accs.Trading.ID, usd.AccountID)

	balances, err := svc.Balances(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, balances, 2)

	journal, err := svc.Journal(ctx, "alice", "PAXG")
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, "dep-1", journal[0].Reference)
}

func TestWithdrawAndLock(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.OpenAccounts(ctx, "alice")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, "alice", "PAXG", d(3), "dep")
	require.NoError(t, err)

	b, err := svc.Lock(ctx, "alice", "PAXG", d(2), "wd-pending")
	require.NoError(t, err)
	assert.True(t, b.Available().Equal(d(1)))

	_, err = svc.Withdraw(ctx, "alice", "PAXG", d(1.5), "wd")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = svc.Unlock(ctx, "alice", "PAXG", d(2), "wd-cancel")
	require.NoError(t, err)
	b, err = svc.Withdraw(ctx, "alice", "PAXG", d(1.5), "wd")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(d(1.5)))

	got, err := svc.Balance(ctx, "alice", "PAXG")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(d(1.5)))
	assert.True(t, got.LockedAmount.IsZero())
}

func TestDeposit_Errors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "ghost", "PAXG", d(1), "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.OpenAccounts(ctx, "alice")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, "alice", "DOGE", d(1), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.Deposit(ctx, "alice", "PAXG", d(-1), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.OpenAccounts(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
