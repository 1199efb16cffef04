// Package trade settles conversions and quoted trades as two balance legs
// plus an immutable trade record.
//
// The legs touch different (account, asset) keys, so they cannot share one
// row lock. Settlement applies the debit leg first and undoes it with an
// explicit compensating change if anything after it fails. A failed
// compensation is a double fault and needs manual reconciliation.
package trade

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/asset"
	"github.com/atmx/metals-ledger/internal/events"
	"github.com/atmx/metals-ledger/internal/ledger"
	"github.com/atmx/metals-ledger/internal/limits"
	"github.com/atmx/metals-ledger/internal/logging"
	"github.com/atmx/metals-ledger/internal/metrics"
	"github.com/atmx/metals-ledger/internal/model"
	"github.com/atmx/metals-ledger/internal/oracle"
	"github.com/atmx/metals-ledger/internal/pricing"
	"github.com/atmx/metals-ledger/internal/quote"
	"github.com/atmx/metals-ledger/internal/store"
)

// Options configures settlement. FeeRate is charged on the sold amount,
// in the sold asset. Amounts bounds the source amount of a conversion and
// Spread prices synthetic swaps.
type Options struct {
	FeeRate decimal.Decimal
	Amounts limits.Table
	Spread  pricing.Spread
	Now     func() time.Time
}

// Service executes trades.
type Service struct {
	store     store.Store
	accounts  *ledger.Service
	assets    *asset.Registry
	quotes    *quote.Engine
	prices    oracle.Oracle
	publisher events.Publisher

	feeRate decimal.Decimal
	amounts limits.Table
	spread  pricing.Spread
	now     func() time.Time
}

// NewService creates a trade service. publisher may be nil.
func NewService(
	st store.Store,
	accounts *ledger.Service,
	assets *asset.Registry,
	quotes *quote.Engine,
	prices oracle.Oracle,
	publisher events.Publisher,
	opts Options,
) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:     st,
		accounts:  accounts,
		assets:    assets,
		quotes:    quotes,
		prices:    prices,
		publisher: publisher,
		feeRate:   opts.FeeRate,
		amounts:   opts.Amounts,
		spread:    opts.Spread,
		now:       opts.Now,
	}
}

// settlement is a fully priced trade waiting to be applied.
type settlement struct {
	label     string
	ownerID   string
	reference string
	debit     model.ChangeRequest
	credit    model.ChangeRequest
	sold      decimal.Decimal
	price     decimal.Decimal
	fee       decimal.Decimal
}

// Convert exchanges amount of from for to on the owner's accounts.
// Custody/synthetic pairs settle 1:1 with no spread. Synthetic swaps are
// priced from spot with the configured spread. The fee is charged on top
// of amount, in from.
func (s *Service) Convert(ctx context.Context, ownerID, from, to string, amount decimal.Decimal) (*model.Trade, error) {
	pair, err := s.assets.ValidateConversion(from, to)
	if err != nil {
		return nil, err
	}
	if err := s.amounts.Check(from, amount); err != nil {
		return nil, err
	}

	fromAcc, src, err := s.accounts.AccountFor(ctx, ownerID, from)
	if err != nil {
		return nil, err
	}
	toAcc, dst, err := s.accounts.AccountFor(ctx, ownerID, to)
	if err != nil {
		return nil, err
	}

	// Prices are fetched before any balance is touched.
	price := decimal.NewFromInt(1)
	received := amount
	if pair == asset.PairSwap {
		price, err = s.crossRate(ctx, src, dst)
		if err != nil {
			return nil, err
		}
		received = pricing.Convert(amount, price)
		if !received.IsPositive() {
			return nil, apperr.Validation("amount %s %s is too small to convert to %s", amount, from, to)
		}
	}
	fee := pricing.Fee(amount, s.feeRate)

	return s.settle(ctx, settlement{
		label:   string(pair),
		ownerID: ownerID,
		debit: model.ChangeRequest{
			AccountID: fromAcc.ID,
			Asset:     from,
			Kind:      debitKind(src),
			Delta:     amount.Add(fee),
		},
		credit: model.ChangeRequest{
			AccountID: toAcc.ID,
			Asset:     to,
			Kind:      creditKind(dst),
			Delta:     received,
		},
		sold:  amount,
		price: price,
		fee:   fee,
	})
}

func (s *Service) crossRate(ctx context.Context, src, dst asset.Asset) (decimal.Decimal, error) {
	fromPrice, err := s.prices.SpotPrice(ctx, src.OracleSymbol)
	if err != nil {
		return decimal.Zero, unavailable(err, src.Code)
	}
	toPrice, err := s.prices.SpotPrice(ctx, dst.OracleSymbol)
	if err != nil {
		return decimal.Zero, unavailable(err, dst.Code)
	}
	rate, err := s.spread.CrossRate(fromPrice.Value, toPrice.Value)
	if err != nil {
		return decimal.Zero, apperr.Unavailable(err, "cross rate %s/%s", src.Code, dst.Code)
	}
	return rate, nil
}

func unavailable(err error, code string) error {
	if apperr.KindOf(err) == apperr.KindUnavailable {
		return err
	}
	return apperr.Unavailable(err, "price for %s", code)
}

// ExecuteFromQuote consumes the quote and settles at its locked price on
// the owner's trading account. A consumed quote is never restored, even if
// settlement then fails; the caller must request a new one.
func (s *Service) ExecuteFromQuote(ctx context.Context, ownerID, quoteID string) (*model.Trade, error) {
	accs, err := s.accounts.Accounts(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	trading := accs.Trading

	q, _, err := s.quotes.Consume(ctx, quoteID, ownerID)
	if err != nil {
		return nil, err
	}

	plan := settlement{
		label:     "QUOTE_" + string(q.Side),
		ownerID:   ownerID,
		reference: q.ID,
		price:     q.LockedPrice,
	}
	switch q.Side {
	case model.SideBuy:
		// Pay cash, receive minted synthetic. Fee in cash.
		plan.fee = pricing.Fee(q.TotalAmount, s.feeRate)
		plan.sold = q.TotalAmount
		plan.debit = model.ChangeRequest{AccountID: trading.ID, Asset: q.Currency, Kind: model.ChangeDebit, Delta: q.TotalAmount.Add(plan.fee)}
		plan.credit = model.ChangeRequest{AccountID: trading.ID, Asset: q.Symbol, Kind: model.ChangeMint, Delta: q.Quantity}
	case model.SideSell:
		// Burn synthetic, receive cash. Fee in the synthetic.
		plan.fee = pricing.Fee(q.Quantity, s.feeRate)
		plan.sold = q.Quantity
		plan.debit = model.ChangeRequest{AccountID: trading.ID, Asset: q.Symbol, Kind: model.ChangeBurn, Delta: q.Quantity.Add(plan.fee)}
		plan.credit = model.ChangeRequest{AccountID: trading.ID, Asset: q.Currency, Kind: model.ChangeCredit, Delta: q.TotalAmount}
	default:
		return nil, apperr.Internal(nil, "quote %s has unknown side %q", q.ID, q.Side)
	}

	return s.settle(ctx, plan)
}

// settle applies the debit leg, the credit leg and the trade record in
// order, compensating earlier steps when a later one fails.
func (s *Service) settle(ctx context.Context, p settlement) (*model.Trade, error) {
	start := time.Now()
	tradeID := uuid.New().String()
	legRef := "trade:" + tradeID
	p.debit.Reference = legRef
	p.credit.Reference = legRef

	_, debitChange, err := s.store.ApplyChange(ctx, p.debit)
	if err != nil {
		metrics.TradesTotal.WithLabelValues(p.label, string(model.TradeRejected)).Inc()
		return nil, err
	}

	// Once a leg is applied the settlement runs to completion or rollback
	// regardless of the caller.
	ctx = context.WithoutCancel(ctx)

	_, creditChange, err := s.store.ApplyChange(ctx, p.credit)
	if err != nil {
		metrics.Rollbacks.WithLabelValues("credit").Inc()
		s.compensate(ctx, tradeID, p.debit, model.ChangeCredit, debitChange)
		slog.Error("settlement rolled back: credit leg failed",
			"trade_id", tradeID,
			"owner_id", p.ownerID,
			"debit_account", p.debit.AccountID,
			"debit_asset", p.debit.Asset,
			"debit_before", debitChange.PreviousAmount.String(),
			"debit_after", debitChange.NewAmount.String(),
			"credit_account", p.credit.AccountID,
			"credit_asset", p.credit.Asset,
			"credit_delta", p.credit.Delta.String(),
			"err", err,
		)
		metrics.TradesTotal.WithLabelValues(p.label, string(model.TradeRejected)).Inc()
		return nil, apperr.Internal(err, "settlement %s rolled back", tradeID)
	}

	fromAsset, toAsset := p.debit.Asset, p.credit.Asset
	trade := &model.Trade{
		ID:            tradeID,
		OwnerID:       p.ownerID,
		FromAccountID: p.debit.AccountID,
		ToAccountID:   p.credit.AccountID,
		AssetSold:     fromAsset,
		AssetBought:   toAsset,
		AmountSold:    p.sold,
		AmountBought:  p.credit.Delta,
		Price:         p.price,
		FeeAmount:     p.fee,
		FeeAsset:      fromAsset,
		Status:        model.TradeFilled,
		Reference:     p.reference,
		ExecutedAt:    s.now(),
	}
	if trade.Reference == "" {
		trade.Reference = tradeID
	}

	if err := s.store.InsertTrade(ctx, trade); err != nil {
		metrics.Rollbacks.WithLabelValues("record").Inc()
		s.compensate(ctx, tradeID, p.credit, reverseKind(p.credit.Kind), creditChange)
		s.compensate(ctx, tradeID, p.debit, model.ChangeCredit, debitChange)
		slog.Error("settlement rolled back: trade record failed",
			"trade_id", tradeID,
			"owner_id", p.ownerID,
			"debit_before", debitChange.PreviousAmount.String(),
			"debit_after", debitChange.NewAmount.String(),
			"credit_before", creditChange.PreviousAmount.String(),
			"credit_after", creditChange.NewAmount.String(),
			"err", err,
		)
		metrics.TradesTotal.WithLabelValues(p.label, string(model.TradeRejected)).Inc()
		return nil, apperr.Internal(err, "settlement %s rolled back", tradeID)
	}

	metrics.TradesTotal.WithLabelValues(p.label, string(model.TradeFilled)).Inc()
	metrics.SettlementLatency.WithLabelValues(p.label).Observe(time.Since(start).Seconds())
	metrics.TradeVolume.WithLabelValues(fromAsset).Add(p.sold.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", tradeID,
		"owner_id", p.ownerID,
		"pair", p.label,
		"sold", p.sold.String()+" "+fromAsset,
		"bought", p.credit.Delta.String()+" "+toAsset,
		"price", p.price.String(),
		"fee", p.fee.String(),
		"reference", trade.Reference,
	)
	events.Emit(ctx, s.publisher, events.New(events.TradeFilled, p.ownerID, trade))
	return trade, nil
}

// compensate undoes an applied leg with kind. Failure is a double fault:
// the ledger is left inconsistent and an operator must reconcile it.
func (s *Service) compensate(ctx context.Context, tradeID string, leg model.ChangeRequest, kind model.ChangeKind, applied *model.BalanceChange) {
	_, change, err := s.store.ApplyChange(ctx, model.ChangeRequest{
		AccountID: leg.AccountID,
		Asset:     leg.Asset,
		Kind:      kind,
		Delta:     leg.Delta,
		Reference: "compensate:" + tradeID,
	})
	if err != nil {
		metrics.DoubleFaults.Inc()
		slog.Error("settlement compensation failed",
			logging.Critical(),
			"trade_id", tradeID,
			"account_id", leg.AccountID,
			"asset", leg.Asset,
			"applied_kind", leg.Kind,
			"applied_delta", leg.Delta.String(),
			"before", applied.PreviousAmount.String(),
			"after", applied.NewAmount.String(),
			"compensation_kind", kind,
			"err", err,
		)
		return
	}
	slog.Warn("settlement leg compensated",
		"trade_id", tradeID,
		"account_id", leg.AccountID,
		"asset", leg.Asset,
		"kind", kind,
		"restored_amount", change.NewAmount.String(),
	)
}

// Trades lists the owner's trades, oldest first.
func (s *Service) Trades(ctx context.Context, ownerID string) ([]model.Trade, error) {
	return s.store.ListTradesByOwner(ctx, ownerID)
}

// Trade returns one trade.
func (s *Service) Trade(ctx context.Context, id string) (*model.Trade, error) {
	return s.store.GetTrade(ctx, id)
}

// debitKind burns synthetics and debits everything else.
func debitKind(a asset.Asset) model.ChangeKind {
	if a.Kind == asset.KindSynthetic {
		return model.ChangeBurn
	}
	return model.ChangeDebit
}

// creditKind mints synthetics and credits everything else.
func creditKind(a asset.Asset) model.ChangeKind {
	if a.Kind == asset.KindSynthetic {
		return model.ChangeMint
	}
	return model.ChangeCredit
}

func reverseKind(k model.ChangeKind) model.ChangeKind {
	if k == model.ChangeMint {
		return model.ChangeBurn
	}
	return model.ChangeDebit
}
