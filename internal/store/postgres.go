package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text to avoid float conversion.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, kind, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.OwnerID, string(a.Kind), a.CreatedAt,
	)
	if pgCode(err) == pgUniqueViolation {
		return apperr.ErrConflict.Explain("%s account for owner %s already exists", a.Kind, a.OwnerID)
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var kind string
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, kind, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.OwnerID, &kind, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.Kind = model.AccountKind(kind)
	return &a, nil
}

func (s *PostgresStore) GetAccountByOwner(ctx context.Context, ownerID string, kind model.AccountKind) (*model.Account, error) {
	var a model.Account
	var k string
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, kind, created_at FROM accounts WHERE owner_id = $1 AND kind = $2`,
		ownerID, string(kind)).
		Scan(&a.ID, &a.OwnerID, &k, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("%s account for owner %s not found", kind, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s account for owner %s: %w", kind, ownerID, err)
	}
	a.Kind = model.AccountKind(k)
	return &a, nil
}

// --- Balances ---

const balanceColumns = `id, account_id, asset, amount::TEXT, locked_amount::TEXT, version, updated_at`

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanBalance(row pgxRow) (model.Balance, error) {
	var b model.Balance
	var amountS, lockedS string
	if err := row.Scan(&b.ID, &b.AccountID, &b.Asset, &amountS, &lockedS, &b.Version, &b.UpdatedAt); err != nil {
		return b, err
	}
	b.Amount, _ = decimal.NewFromString(amountS)
	b.LockedAmount, _ = decimal.NewFromString(lockedS)
	return b, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ensureBalance materializes a zero row if none exists.
func (s *PostgresStore) ensureBalance(ctx context.Context, q querier, accountID, asset string) error {
	zero := zeroBalance(accountID, asset, s.now())
	_, err := q.Exec(ctx,
		`INSERT INTO balances (id, account_id, asset, amount, locked_amount, version, updated_at)
		 VALUES ($1, $2, $3, 0, 0, 0, $4)
		 ON CONFLICT (account_id, asset) DO NOTHING`,
		zero.ID, accountID, asset, zero.UpdatedAt,
	)
	if pgCode(err) == pgForeignKeyViolation {
		return apperr.NotFound("account %s not found", accountID)
	}
	if err != nil {
		return fmt.Errorf("materialize balance %s/%s: %w", accountID, asset, err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateBalance(ctx context.Context, accountID, asset string) (*model.Balance, error) {
	if err := s.ensureBalance(ctx, s.pool, accountID, asset); err != nil {
		return nil, err
	}
	b, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE account_id = $1 AND asset = $2`,
		accountID, asset))
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", accountID, asset, err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, accountID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE account_id = $1 ORDER BY asset`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var result []model.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// ApplyChange locks the balance row with SELECT ... FOR UPDATE, applies the
// change and appends the journal row in a single transaction. A failed
// journal insert rolls back the balance update.
func (s *PostgresStore) ApplyChange(ctx context.Context, req model.ChangeRequest) (*model.Balance, *model.BalanceChange, error) {
	if err := validateChange(req); err != nil {
		return nil, nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureBalance(ctx, tx, req.AccountID, req.Asset); err != nil {
		return nil, nil, err
	}

	cur, err := scanBalance(tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE account_id = $1 AND asset = $2 FOR UPDATE`,
		req.AccountID, req.Asset))
	if err != nil {
		return nil, nil, fmt.Errorf("lock balance %s/%s: %w", req.AccountID, req.Asset, err)
	}

	next, change, err := applyChange(cur, req, s.now())
	if err != nil {
		return nil, nil, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE balances
		 SET amount = $2::NUMERIC, locked_amount = $3::NUMERIC, version = $4, updated_at = $5
		 WHERE id = $1 AND version = $6`,
		next.ID, next.Amount.String(), next.LockedAmount.String(), next.Version, next.UpdatedAt, cur.Version,
	)
	if pgCode(err) == pgCheckViolation {
		return nil, nil, apperr.InsufficientFunds("%s/%s: constraint rejected change", req.AccountID, req.Asset)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, apperr.ErrConflict.Explain("balance %s changed concurrently", next.ID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balance_changes
		 (id, balance_id, account_id, asset, kind, delta, previous_amount, new_amount,
		  previous_locked, new_locked, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		change.ID, change.BalanceID, change.AccountID, change.Asset, string(change.Kind),
		change.Delta.String(), change.PreviousAmount.String(), change.NewAmount.String(),
		change.PreviousLocked.String(), change.NewLocked.String(),
		change.Reference, change.CreatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &next, &change, nil
}

func (s *PostgresStore) ListBalanceChanges(ctx context.Context, accountID, asset string) ([]model.BalanceChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, balance_id, account_id, asset, kind,
		        delta::TEXT, previous_amount::TEXT, new_amount::TEXT,
		        previous_locked::TEXT, new_locked::TEXT, reference, created_at
		 FROM balance_changes WHERE account_id = $1 AND asset = $2 ORDER BY seq`,
		accountID, asset)
	if err != nil {
		return nil, fmt.Errorf("list balance changes: %w", err)
	}
	defer rows.Close()

	var result []model.BalanceChange
	for rows.Next() {
		var c model.BalanceChange
		var kind, deltaS, prevS, newS, prevLockedS, newLockedS string
		if err := rows.Scan(&c.ID, &c.BalanceID, &c.AccountID, &c.Asset, &kind,
			&deltaS, &prevS, &newS, &prevLockedS, &newLockedS, &c.Reference, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan balance change: %w", err)
		}
		c.Kind = model.ChangeKind(kind)
		c.Delta, _ = decimal.NewFromString(deltaS)
		c.PreviousAmount, _ = decimal.NewFromString(prevS)
		c.NewAmount, _ = decimal.NewFromString(newS)
		c.PreviousLocked, _ = decimal.NewFromString(prevLockedS)
		c.NewLocked, _ = decimal.NewFromString(newLockedS)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SumBalances(ctx context.Context, asset string, kind model.AccountKind) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(b.amount), 0)::TEXT
		 FROM balances b
		 JOIN accounts a ON a.id = b.account_id
		 WHERE b.asset = $1 AND a.kind = $2`,
		asset, string(kind)).Scan(&totalS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum balances for %s: %w", asset, err)
	}
	total, err := decimal.NewFromString(totalS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance sum %q: %w", totalS, err)
	}
	return total, nil
}

// --- Immutable trade log ---

const tradeColumns = `id, owner_id, from_account_id, to_account_id, asset_sold, asset_bought,
		amount_sold::TEXT, amount_bought::TEXT, price::TEXT, fee_amount::TEXT, fee_asset,
		status, reference, executed_at`

func scanTrade(row pgxRow) (model.Trade, error) {
	var t model.Trade
	var soldS, boughtS, priceS, feeS, status string
	if err := row.Scan(&t.ID, &t.OwnerID, &t.FromAccountID, &t.ToAccountID, &t.AssetSold, &t.AssetBought,
		&soldS, &boughtS, &priceS, &feeS, &t.FeeAsset, &status, &t.Reference, &t.ExecutedAt); err != nil {
		return t, err
	}
	t.AmountSold, _ = decimal.NewFromString(soldS)
	t.AmountBought, _ = decimal.NewFromString(boughtS)
	t.Price, _ = decimal.NewFromString(priceS)
	t.FeeAmount, _ = decimal.NewFromString(feeS)
	t.Status = model.TradeStatus(status)
	return t, nil
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, owner_id, from_account_id, to_account_id, asset_sold, asset_bought,
		                     amount_sold, amount_bought, price, fee_amount, fee_asset, status, reference, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14)`,
		t.ID, t.OwnerID, t.FromAccountID, t.ToAccountID, t.AssetSold, t.AssetBought,
		t.AmountSold.String(), t.AmountBought.String(), t.Price.String(), t.FeeAmount.String(),
		t.FeeAsset, string(t.Status), t.Reference, t.ExecutedAt,
	)
	if pgCode(err) == pgUniqueViolation {
		return apperr.ErrConflict.Explain("trade %s already recorded", t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("trade %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTradesByOwner(ctx context.Context, ownerID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE owner_id = $1 ORDER BY seq`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var result []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- Hedge positions ---

const hedgeColumns = `id, asset, instrument, quantity::TEXT, entry_price::TEXT, hedge_ratio::TEXT,
		is_active, opened_at, closed_at`

func scanHedge(row pgxRow) (model.HedgePosition, error) {
	var p model.HedgePosition
	var qtyS, entryS, ratioS string
	if err := row.Scan(&p.ID, &p.Asset, &p.Instrument, &qtyS, &entryS, &ratioS,
		&p.IsActive, &p.OpenedAt, &p.ClosedAt); err != nil {
		return p, err
	}
	p.Quantity, _ = decimal.NewFromString(qtyS)
	p.EntryPrice, _ = decimal.NewFromString(entryS)
	p.HedgeRatio, _ = decimal.NewFromString(ratioS)
	return p, nil
}

func (s *PostgresStore) CreateHedgePosition(ctx context.Context, p *model.HedgePosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hedge_positions (id, asset, instrument, quantity, entry_price, hedge_ratio, is_active, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		p.ID, p.Asset, p.Instrument, p.Quantity.String(), p.EntryPrice.String(), p.HedgeRatio.String(),
		p.IsActive, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("create hedge position: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHedgePosition(ctx context.Context, id string) (*model.HedgePosition, error) {
	p, err := scanHedge(s.pool.QueryRow(ctx, `SELECT `+hedgeColumns+` FROM hedge_positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("hedge position %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get hedge position %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListActiveHedgePositions(ctx context.Context, asset string) ([]model.HedgePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+hedgeColumns+` FROM hedge_positions
		 WHERE asset = $1 AND is_active
		 ORDER BY opened_at, seq`, asset)
	if err != nil {
		return nil, fmt.Errorf("list hedge positions: %w", err)
	}
	defer rows.Close()

	var result []model.HedgePosition
	for rows.Next() {
		p, err := scanHedge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hedge position: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AdjustHedgePositions(ctx context.Context, adj HedgeAdjustment) error {
	for id, quantity := range adj.Reduce {
		if !quantity.IsPositive() {
			return apperr.Validation("reduced quantity for %s must be positive, got %s", id, quantity)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range adj.Close {
		tag, err := tx.Exec(ctx,
			`UPDATE hedge_positions SET is_active = FALSE, closed_at = $2 WHERE id = $1 AND is_active`,
			id, adj.ClosedAt)
		if err != nil {
			return fmt.Errorf("close hedge position %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.ErrConflict.Explain("hedge position %s is not active", id)
		}
	}
	for id, quantity := range adj.Reduce {
		tag, err := tx.Exec(ctx,
			`UPDATE hedge_positions SET quantity = $2::NUMERIC
			 WHERE id = $1 AND is_active AND quantity > $2::NUMERIC`,
			id, quantity.String())
		if err != nil {
			return fmt.Errorf("reduce hedge position %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.ErrConflict.Explain("hedge position %s is not active or not larger than %s", id, quantity)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
