package trade

import (
	"fmt"

	"github.com/shopspring/decimal"

	"curvemint/curve"
)

// slippageScale bounds the fractional digits of the slippage percentage.
const slippageScale int32 = 18

var hundred = decimal.New(100, 0)

// Quote is a read-only estimate of a trade's funding cost and price impact.
type Quote struct {
	CurrentPrice    decimal.Decimal
	NewPrice        decimal.Decimal
	FundingAmount   decimal.Decimal
	SlippagePercent decimal.Decimal
}

// ComputeQuote prices a prospective trade against the supplied curve state
// without mutating anything. FundingAmount is the definite-integral cost or
// proceeds, SlippagePercent the price movement the trade itself causes.
func ComputeQuote(params curve.Params, supply, amount decimal.Decimal, side Side) (Quote, error) {
	current, err := params.Price(supply)
	if err != nil {
		return Quote{}, err
	}
	var funding, newSupply decimal.Decimal
	switch side {
	case SideBuy:
		funding, err = params.CostToBuy(supply, amount)
		newSupply = supply.Add(amount)
	case SideSell:
		funding, err = params.ProceedsFromSell(supply, amount)
		newSupply = supply.Sub(amount)
	default:
		return Quote{}, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if err != nil {
		return Quote{}, err
	}
	newPrice, err := params.Price(newSupply)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		CurrentPrice:    current,
		NewPrice:        newPrice,
		FundingAmount:   funding,
		SlippagePercent: slippagePercent(current, newPrice),
	}, nil
}

// slippagePercent is |new - current| / current * 100. A zero current price
// has no reference to slip from (the first buy on an exponential curve), so
// it reports zero.
func slippagePercent(current, newPrice decimal.Decimal) decimal.Decimal {
	if current.IsZero() {
		return decimal.Zero
	}
	return newPrice.Sub(current).Abs().Mul(hundred).DivRound(current, slippageScale)
}
