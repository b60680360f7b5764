package trade

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PositionLedger centralises the create-or-increment and
// decrement-and-delete-at-zero handling of holdings so the buy and sell paths
// share identical zero semantics. A position row is never left at amount
// zero: the exact-zero remainder deletes it.
type PositionLedger struct {
	store Store
}

// NewPositionLedger wraps the transaction-scoped store.
func NewPositionLedger(store Store) PositionLedger {
	return PositionLedger{store: store}
}

// Increase creates the position on first acquisition, otherwise adds to it.
func (l PositionLedger) Increase(ctx context.Context, accountID, assetID string, amount decimal.Decimal) (Position, error) {
	if !amount.IsPositive() {
		return Position{}, ErrInvalidAmount
	}
	pos, ok, err := l.store.FindPosition(ctx, accountID, assetID)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		pos = Position{AccountID: accountID, AssetID: assetID, Amount: decimal.Zero}
	}
	pos.Amount = pos.Amount.Add(amount)
	if err := l.store.UpsertPosition(ctx, pos); err != nil {
		return Position{}, err
	}
	return pos, nil
}

// Decrease removes amount from the position. The returned position is nil
// when the remainder was exactly zero and the row was deleted.
func (l PositionLedger) Decrease(ctx context.Context, accountID, assetID string, amount decimal.Decimal) (*Position, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	pos, ok, err := l.store.FindPosition(ctx, accountID, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPositionNotFound
	}
	if pos.Amount.LessThan(amount) {
		return nil, fmt.Errorf("%w: holding %s, selling %s", ErrInsufficientPosition, pos.Amount, amount)
	}
	pos.Amount = pos.Amount.Sub(amount)
	if pos.Amount.IsZero() {
		if err := l.store.DeletePosition(ctx, accountID, assetID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := l.store.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return &pos, nil
}
