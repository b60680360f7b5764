package trade

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount rejects trades for a non-positive asset amount.
	ErrInvalidAmount = errors.New("trade: amount must be positive")
	// ErrInvalidSide rejects an unknown trade direction.
	ErrInvalidSide = errors.New("trade: invalid trade side")

	ErrAccountNotFound  = errors.New("trade: account not found")
	ErrAssetNotFound    = errors.New("trade: asset not found")
	ErrPositionNotFound = errors.New("trade: position not found")

	ErrInsufficientFunds    = errors.New("trade: insufficient balance")
	ErrInsufficientPosition = errors.New("trade: insufficient position")

	// ErrSlippageExceeded is the class every SlippageError matches.
	ErrSlippageExceeded = errors.New("trade: slippage exceeded")

	// ErrStorageConflict marks a concurrent-write rejection raised by the
	// transaction scope. The trade rolled back cleanly and may be retried
	// by the caller; the engine never retries on its own.
	ErrStorageConflict = errors.New("trade: storage conflict")
)

// SlippageError carries the computed slippage so a caller can distinguish
// "widen your tolerance and retry" from every other rejection.
type SlippageError struct {
	Computed  decimal.Decimal
	Tolerance decimal.Decimal
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("trade: slippage %s%% exceeds tolerance %s%%", e.Computed, e.Tolerance)
}

func (e *SlippageError) Unwrap() error { return ErrSlippageExceeded }
