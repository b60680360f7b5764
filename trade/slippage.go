package trade

import "github.com/shopspring/decimal"

// DefaultSlippageTolerance is applied when the caller does not name one.
var DefaultSlippageTolerance = decimal.New(1, 0) // percent

// CheckSlippage accepts the trade when the computed slippage stays within the
// tolerance, both in percent. Rejections carry the computed value so the
// caller can retry with explicit acknowledgement.
func CheckSlippage(computed, tolerance decimal.Decimal) error {
	if computed.GreaterThan(tolerance) {
		return &SlippageError{Computed: computed, Tolerance: tolerance}
	}
	return nil
}
