package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"curvemint/observability"
)

// Store is the persistence surface one trade touches, scoped to a single
// transaction by the TxRunner that hands it out. GetAsset must hold an
// exclusive lock on the asset row inside Within so concurrent trades against
// the same asset serialize; missing entities map to the NotFound errors of
// this package.
type Store interface {
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
	GetAsset(ctx context.Context, assetID string) (AssetState, error)
	SetAssetSupply(ctx context.Context, assetID string, totalSupply, currentPrice decimal.Decimal) error
	FindPosition(ctx context.Context, accountID, assetID string) (Position, bool, error)
	UpsertPosition(ctx context.Context, position Position) error
	DeletePosition(ctx context.Context, accountID, assetID string) error
	AppendRecord(ctx context.Context, record Record) error
}

// TxRunner scopes a unit of work to one storage transaction. Within rolls
// back every write when the callback returns an error, including
// host-initiated cancellation mid-apply; View runs the callback without
// taking row locks and must not be used to mutate.
type TxRunner interface {
	Within(ctx context.Context, fn func(Store) error) error
	View(ctx context.Context, fn func(Store) error) error
}

// Engine coordinates one trade end to end: re-read curve state, quote, check
// sufficiency and slippage, then apply balance, supply/price, position, and
// record mutations as a single transaction.
type Engine struct {
	store     TxRunner
	tolerance decimal.Decimal
	metrics   *observability.TradeMetrics
	tracer    trace.Tracer
	nowFn     func() time.Time
	newID     func() string
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithIDSource overrides trade record identifier generation.
func WithIDSource(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithDefaultTolerance replaces the 1% default slippage tolerance.
func WithDefaultTolerance(percent decimal.Decimal) Option {
	return func(e *Engine) {
		if !percent.IsNegative() {
			e.tolerance = percent
		}
	}
}

// NewEngine constructs a trade engine over the supplied transaction scope.
func NewEngine(store TxRunner, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		tolerance: DefaultSlippageTolerance,
		metrics:   observability.Trade(),
		tracer:    otel.Tracer("curvemint/trade"),
		nowFn:     time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Quote prices a prospective trade against the asset's current curve state
// without mutating anything. Two calls with unchanged state return identical
// results.
func (e *Engine) Quote(ctx context.Context, assetID string, amount decimal.Decimal, side Side) (Quote, error) {
	start := e.nowFn()
	ctx, span := e.tracer.Start(ctx, "trade.quote", trace.WithAttributes(
		attribute.String("asset", assetID),
		attribute.String("side", string(side)),
	))
	defer span.End()

	var quote Quote
	err := func() error {
		if !side.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidSide, side)
		}
		if !amount.IsPositive() {
			return ErrInvalidAmount
		}
		return e.store.View(ctx, func(s Store) error {
			asset, err := s.GetAsset(ctx, assetID)
			if err != nil {
				return err
			}
			quote, err = ComputeQuote(asset.Params, asset.TotalSupply, amount, side)
			return err
		})
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("quote", e.nowFn().Sub(start), err)
		return Quote{}, err
	}
	span.SetStatus(codes.Ok, "quoted")
	e.metrics.Observe("quote", e.nowFn().Sub(start), nil)
	return quote, nil
}

// Execute settles one trade. It fails fast with no side effects on
// validation, missing entities, sufficiency, or slippage, and rolls the
// transaction back entirely when any of the four writes fails. A nil
// tolerance applies the engine default.
func (e *Engine) Execute(ctx context.Context, accountID, assetID string, amount decimal.Decimal, side Side, tolerance *decimal.Decimal) (*Result, error) {
	start := e.nowFn()
	ctx, span := e.tracer.Start(ctx, "trade.execute", trace.WithAttributes(
		attribute.String("asset", assetID),
		attribute.String("side", string(side)),
	))
	defer span.End()

	if !side.Valid() {
		err := fmt.Errorf("%w: %q", ErrInvalidSide, side)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("execute", e.nowFn().Sub(start), err)
		return nil, err
	}
	if !amount.IsPositive() {
		err := ErrInvalidAmount
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("execute", e.nowFn().Sub(start), err)
		return nil, err
	}
	tol := e.tolerance
	if tolerance != nil {
		tol = *tolerance
	}

	var result *Result
	err := e.store.Within(ctx, func(s Store) error {
		settled, err := e.settle(ctx, s, accountID, assetID, amount, side, tol)
		if err != nil {
			return err
		}
		result = settled
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("execute", e.nowFn().Sub(start), err)
		return nil, err
	}
	span.SetAttributes(attribute.String("record.id", result.Record.ID))
	span.SetStatus(codes.Ok, "trade settled")
	e.metrics.Observe("execute", e.nowFn().Sub(start), nil)
	slog.InfoContext(ctx, "trade settled",
		slog.String("record_id", result.Record.ID),
		slog.String("asset", assetID),
		slog.String("side", string(side)),
		slog.String("amount", amount.String()),
		slog.String("funding", result.Record.FundingAmount.String()),
		slog.String("price", result.Record.Price.String()),
	)
	return result, nil
}

// settle runs steps Load through Apply inside the transaction scope. Any
// error it returns aborts the transaction, so partially applied writes never
// survive.
func (e *Engine) settle(ctx context.Context, s Store, accountID, assetID string, amount decimal.Decimal, side Side, tolerance decimal.Decimal) (*Result, error) {
	asset, err := s.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	quote, err := ComputeQuote(asset.Params, asset.TotalSupply, amount, side)
	if err != nil {
		return nil, err
	}

	var (
		newBalance decimal.Decimal
		newSupply  decimal.Decimal
	)
	switch side {
	case SideBuy:
		if balance.LessThan(quote.FundingAmount) {
			return nil, fmt.Errorf("%w: balance %s, cost %s", ErrInsufficientFunds, balance, quote.FundingAmount)
		}
		newBalance = balance.Sub(quote.FundingAmount)
		newSupply = asset.TotalSupply.Add(amount)
	case SideSell:
		pos, ok, err := s.FindPosition(ctx, accountID, assetID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrPositionNotFound
		}
		if pos.Amount.LessThan(amount) {
			return nil, fmt.Errorf("%w: holding %s, selling %s", ErrInsufficientPosition, pos.Amount, amount)
		}
		newBalance = balance.Add(quote.FundingAmount)
		newSupply = asset.TotalSupply.Sub(amount)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if err := CheckSlippage(quote.SlippagePercent, tolerance); err != nil {
		return nil, err
	}

	if err := s.SetBalance(ctx, accountID, newBalance); err != nil {
		return nil, err
	}
	ledger := NewPositionLedger(s)
	var position *Position
	switch side {
	case SideBuy:
		increased, err := ledger.Increase(ctx, accountID, assetID, amount)
		if err != nil {
			return nil, err
		}
		position = &increased
	case SideSell:
		position, err = ledger.Decrease(ctx, accountID, assetID, amount)
		if err != nil {
			return nil, err
		}
	}
	// The committed price is always derived from the committed supply.
	newPrice, err := asset.Params.Price(newSupply)
	if err != nil {
		return nil, err
	}
	if err := s.SetAssetSupply(ctx, assetID, newSupply, newPrice); err != nil {
		return nil, err
	}
	record := Record{
		ID:            e.newID(),
		Kind:          side.recordKind(),
		AssetID:       assetID,
		AccountID:     accountID,
		AssetAmount:   amount,
		FundingAmount: quote.FundingAmount,
		Price:         quote.CurrentPrice,
		CreatedAt:     e.nowFn().UTC(),
	}
	if err := s.AppendRecord(ctx, record); err != nil {
		return nil, err
	}
	asset.TotalSupply = newSupply
	asset.CurrentPrice = newPrice
	return &Result{Balance: newBalance, Position: position, Asset: asset, Record: record}, nil
}
