package trade

import (
	"time"

	"github.com/shopspring/decimal"

	"curvemint/curve"
)

// Side is the direction of a trade against the curve.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the two known directions.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) recordKind() RecordKind {
	if s == SideSell {
		return RecordSell
	}
	return RecordBuy
}

// RecordKind tags entries in the append-only trade log.
type RecordKind string

const (
	RecordBuy    RecordKind = "buy"
	RecordSell   RecordKind = "sell"
	RecordCreate RecordKind = "create"
)

// AssetState is the curve state owned by one asset record. TotalSupply and
// CurrentPrice are mutated exactly once per committed trade; CurrentPrice is
// always recomputed from TotalSupply, never set independently.
type AssetState struct {
	ID           string
	Params       curve.Params
	TotalSupply  decimal.Decimal
	CurrentPrice decimal.Decimal
}

// Position is an account's holding of one asset. A row exists iff its amount
// is positive: it is created on first acquisition and deleted the moment a
// sell brings it to exactly zero.
type Position struct {
	AccountID string
	AssetID   string
	Amount    decimal.Decimal
}

// Record is one immutable entry of the trade log. Price is the unit price the
// trade executed at, read before the supply update.
type Record struct {
	ID            string
	Kind          RecordKind
	AssetID       string
	AccountID     string
	AssetAmount   decimal.Decimal
	FundingAmount decimal.Decimal
	Price         decimal.Decimal
	CreatedAt     time.Time
}

// Result bundles the state a committed trade produced. Position is nil when
// the trade closed the holding out entirely.
type Result struct {
	Balance  decimal.Decimal
	Position *Position
	Asset    AssetState
	Record   Record
}
