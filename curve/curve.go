package curve

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Type selects the pricing function applied to an asset's circulating supply.
// The set of curve types is closed; every evaluation switches exhaustively.
type Type string

const (
	// Linear prices the asset at slope*supply + startingPrice.
	Linear Type = "linear"
	// Exponential prices the asset at startingPrice * supply^slope.
	Exponential Type = "exponential"
)

const (
	// powPrecision bounds the fractional digits carried through
	// exponentiation and the inexact division of the exponential integral.
	powPrecision int32 = 24
	// fundingScale is the scale every amount is rounded to (half-even)
	// before it leaves this package. Repeated trades therefore cannot
	// accumulate representation drift.
	fundingScale int32 = 18
)

var (
	// ErrInvalidParams rejects curve parameters outside slope > 0,
	// startingPrice > 0, or an unknown curve type.
	ErrInvalidParams = errors.New("curve: invalid parameters")
	// ErrInvalidInput rejects non-positive amounts, negative supply, and
	// sells larger than the circulating supply.
	ErrInvalidInput = errors.New("curve: invalid trade input")
)

var half = decimal.New(5, -1)

// Params are the immutable pricing parameters assigned to an asset when it is
// created. The engine only ever reads them.
type Params struct {
	Slope         decimal.Decimal
	StartingPrice decimal.Decimal
	Type          Type
}

// Validate checks the invariants required of every curve.
func (p Params) Validate() error {
	if !p.Slope.IsPositive() {
		return fmt.Errorf("%w: slope must be positive, got %s", ErrInvalidParams, p.Slope)
	}
	if !p.StartingPrice.IsPositive() {
		return fmt.Errorf("%w: starting price must be positive, got %s", ErrInvalidParams, p.StartingPrice)
	}
	switch p.Type {
	case Linear, Exponential:
		return nil
	default:
		return fmt.Errorf("%w: unknown curve type %q", ErrInvalidParams, p.Type)
	}
}

// Price returns the instantaneous unit price at the supplied circulating
// supply.
func (p Params) Price(supply decimal.Decimal) (decimal.Decimal, error) {
	if err := p.Validate(); err != nil {
		return decimal.Zero, err
	}
	if supply.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: supply must not be negative, got %s", ErrInvalidInput, supply)
	}
	switch p.Type {
	case Linear:
		return p.Slope.Mul(supply).Add(p.StartingPrice).RoundBank(fundingScale), nil
	case Exponential:
		if supply.IsZero() {
			return decimal.Zero, nil
		}
		pow, err := supply.PowWithPrecision(p.Slope, powPrecision)
		if err != nil {
			return decimal.Zero, fmt.Errorf("curve: price power: %w", err)
		}
		return p.StartingPrice.Mul(pow).RoundBank(fundingScale), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown curve type %q", ErrInvalidParams, p.Type)
	}
}

// CostToBuy returns the funding required to mint amount units starting from
// the supplied circulating supply. It is the definite integral of the price
// function over [supply, supply+amount], so a large buy pays the average
// price over the supply range it sweeps.
func (p Params) CostToBuy(supply, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := p.Validate(); err != nil {
		return decimal.Zero, err
	}
	if supply.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: supply must not be negative, got %s", ErrInvalidInput, supply)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidInput, amount)
	}
	return p.segmentCost(supply, supply.Add(amount))
}

// ProceedsFromSell returns the funding released by burning amount units down
// from the supplied circulating supply.
func (p Params) ProceedsFromSell(supply, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := p.Validate(); err != nil {
		return decimal.Zero, err
	}
	if supply.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: supply must not be negative, got %s", ErrInvalidInput, supply)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidInput, amount)
	}
	if amount.GreaterThan(supply) {
		return decimal.Zero, fmt.Errorf("%w: sell of %s exceeds supply %s", ErrInvalidInput, amount, supply)
	}
	return p.segmentCost(supply.Sub(amount), supply)
}

// segmentCost integrates the price function over [lo, hi]. Buy and sell share
// this path so sweeping the same segment in either direction yields the same
// funding amount.
func (p Params) segmentCost(lo, hi decimal.Decimal) (decimal.Decimal, error) {
	width := hi.Sub(lo)
	switch p.Type {
	case Linear:
		// slope*(hi^2 - lo^2)/2 + startingPrice*(hi - lo), with the
		// difference of squares factored so every step stays exact.
		area := p.Slope.Mul(width).Mul(hi.Add(lo)).Mul(half)
		return area.Add(p.StartingPrice.Mul(width)).RoundBank(fundingScale), nil
	case Exponential:
		// startingPrice*(hi^(slope+1) - lo^(slope+1))/(slope+1)
		k := p.Slope.Add(decimal.New(1, 0))
		hiPow, err := powOrZero(hi, k)
		if err != nil {
			return decimal.Zero, err
		}
		loPow, err := powOrZero(lo, k)
		if err != nil {
			return decimal.Zero, err
		}
		area := p.StartingPrice.Mul(hiPow.Sub(loPow)).DivRound(k, powPrecision)
		return area.RoundBank(fundingScale), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown curve type %q", ErrInvalidParams, p.Type)
	}
}

func powOrZero(base, exponent decimal.Decimal) (decimal.Decimal, error) {
	if base.IsZero() {
		return decimal.Zero, nil
	}
	pow, err := base.PowWithPrecision(exponent, powPrecision)
	if err != nil {
		return decimal.Zero, fmt.Errorf("curve: integral power: %w", err)
	}
	return pow, nil
}
