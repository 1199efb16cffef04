package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/lock"
	"github.com/atmx/metals-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// mu guards the maps; keys serializes read-modify-write cycles per
// (account, asset) so unrelated balances do not contend.
type MemoryStore struct {
	mu       sync.RWMutex
	keys     *lock.KeyedMutex
	accounts map[string]*model.Account
	balances map[string]*model.Balance
	journal  []model.BalanceChange
	trades   []model.Trade
	hedges   []*model.HedgePosition

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     lock.NewKeyedMutex(),
		accounts: make(map[string]*model.Account),
		balances: make(map[string]*model.Balance),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if existing.OwnerID == a.OwnerID && existing.Kind == a.Kind {
			return apperr.ErrConflict.Explain("%s account for owner %s already exists", a.Kind, a.OwnerID)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account %s not found", id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccountByOwner(_ context.Context, ownerID string, kind model.AccountKind) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.OwnerID == ownerID && a.Kind == kind {
			copy := *a
			return &copy, nil
		}
	}
	return nil, apperr.NotFound("%s account for owner %s not found", kind, ownerID)
}

// --- Balances ---

func (s *MemoryStore) GetOrCreateBalance(_ context.Context, accountID, asset string) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, apperr.NotFound("account %s not found", accountID)
	}
	b := s.balanceLocked(accountID, asset)
	copy := *b
	return &copy, nil
}

// balanceLocked returns the stored balance, materializing it at zero.
// Caller must hold s.mu for writing.
func (s *MemoryStore) balanceLocked(accountID, asset string) *model.Balance {
	key := balanceKey(accountID, asset)
	b, ok := s.balances[key]
	if !ok {
		zero := zeroBalance(accountID, asset, s.now())
		b = &zero
		s.balances[key] = b
	}
	return b
}

func (s *MemoryStore) ListBalances(_ context.Context, accountID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Balance
	for _, b := range s.balances {
		if b.AccountID == accountID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result, nil
}

func (s *MemoryStore) ApplyChange(_ context.Context, req model.ChangeRequest) (*model.Balance, *model.BalanceChange, error) {
	if err := validateChange(req); err != nil {
		return nil, nil, err
	}

	release := s.keys.Acquire(balanceKey(req.AccountID, req.Asset))
	defer release()

	s.mu.Lock()
	if _, ok := s.accounts[req.AccountID]; !ok {
		s.mu.Unlock()
		return nil, nil, apperr.NotFound("account %s not found", req.AccountID)
	}
	cur := *s.balanceLocked(req.AccountID, req.Asset)
	s.mu.Unlock()

	next, change, err := applyChange(cur, req, s.now())
	if err != nil {
		return nil, nil, err
	}

	// Balance and journal row become visible together.
	s.mu.Lock()
	s.balances[balanceKey(req.AccountID, req.Asset)] = &next
	s.journal = append(s.journal, change)
	s.mu.Unlock()

	return &next, &change, nil
}

func (s *MemoryStore) ListBalanceChanges(_ context.Context, accountID, asset string) ([]model.BalanceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BalanceChange
	for _, c := range s.journal {
		if c.AccountID == accountID && c.Asset == asset {
			result = append(result, c)
		}
	}
	return result, nil
}

func (s *MemoryStore) SumBalances(_ context.Context, asset string, kind model.AccountKind) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, b := range s.balances {
		if b.Asset != asset {
			continue
		}
		if a, ok := s.accounts[b.AccountID]; ok && a.Kind == kind {
			total = total.Add(b.Amount)
		}
	}
	return total, nil
}

// --- Immutable trade log ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.trades {
		if existing.ID == t.ID {
			return apperr.ErrConflict.Explain("trade %s already recorded", t.ID)
		}
	}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.trades {
		if t.ID == id {
			copy := t
			return &copy, nil
		}
	}
	return nil, apperr.NotFound("trade %s not found", id)
}

func (s *MemoryStore) ListTradesByOwner(_ context.Context, ownerID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.OwnerID == ownerID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Hedge positions ---

func (s *MemoryStore) CreateHedgePosition(_ context.Context, p *model.HedgePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.hedges = append(s.hedges, &copy)
	return nil
}

func (s *MemoryStore) GetHedgePosition(_ context.Context, id string) (*model.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.hedgeLocked(id)
	if p == nil {
		return nil, apperr.NotFound("hedge position %s not found", id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListActiveHedgePositions(_ context.Context, asset string) ([]model.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HedgePosition
	for _, p := range s.hedges {
		if p.Asset == asset && p.IsActive {
			result = append(result, *p)
		}
	}
	// s.hedges is in insertion order; a stable sort keeps it as tie-breaker.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryStore) AdjustHedgePositions(_ context.Context, adj HedgeAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	closing := make(map[string]*model.HedgePosition, len(adj.Close))
	for _, id := range adj.Close {
		p, err := s.activeHedgeLocked(id)
		if err != nil {
			return err
		}
		if _, ok := closing[id]; ok {
			return apperr.Validation("hedge position %s closed twice", id)
		}
		if _, ok := adj.Reduce[id]; ok {
			return apperr.Validation("hedge position %s both closed and reduced", id)
		}
		closing[id] = p
	}
	reducing := make(map[*model.HedgePosition]decimal.Decimal, len(adj.Reduce))
	for id, quantity := range adj.Reduce {
		p, err := s.activeHedgeLocked(id)
		if err != nil {
			return err
		}
		if !quantity.IsPositive() || !quantity.LessThan(p.Quantity) {
			return apperr.Validation("reduced quantity %s must be in (0, %s)", quantity, p.Quantity)
		}
		reducing[p] = quantity
	}

	for _, p := range closing {
		at := adj.ClosedAt
		p.IsActive = false
		p.ClosedAt = &at
	}
	for p, quantity := range reducing {
		p.Quantity = quantity
	}
	return nil
}

func (s *MemoryStore) activeHedgeLocked(id string) (*model.HedgePosition, error) {
	p := s.hedgeLocked(id)
	if p == nil {
		return nil, apperr.NotFound("hedge position %s not found", id)
	}
	if !p.IsActive {
		return nil, apperr.ErrConflict.Explain("hedge position %s is not active", id)
	}
	return p, nil
}

func (s *MemoryStore) hedgeLocked(id string) *model.HedgePosition {
	for _, p := range s.hedges {
		if p.ID == id {
			return p
		}
	}
	return nil
}
