package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Account holds the funding-currency balance for one holder. Decimals are
// persisted as text so no driver coerces them through binary floating point.
type Account struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Balance   decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Asset carries the immutable curve parameters next to the mutable supply
// and the price derived from it.
type Asset struct {
	ID            string          `gorm:"primaryKey;size:64"`
	Symbol        string          `gorm:"uniqueIndex;size:32"`
	CurveType     string          `gorm:"size:16;not null"`
	Slope         decimal.Decimal `gorm:"type:text;not null"`
	StartingPrice decimal.Decimal `gorm:"type:text;not null"`
	TotalSupply   decimal.Decimal `gorm:"type:text;not null"`
	CurrentPrice  decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Position is one holder's stake in one asset. The composite key guarantees
// at most one row per (account, asset) pair; rows are deleted at exactly
// zero, never stored at it.
type Position struct {
	AccountID string          `gorm:"primaryKey;size:64"`
	AssetID   string          `gorm:"primaryKey;size:64"`
	Amount    decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeRecord rows are append-only. They are never updated or deleted.
type TradeRecord struct {
	ID            string          `gorm:"primaryKey;size:64"`
	Kind          string          `gorm:"size:16;index"`
	AssetID       string          `gorm:"size:64;index"`
	AccountID     string          `gorm:"size:64;index"`
	AssetAmount   decimal.Decimal `gorm:"type:text;not null"`
	FundingAmount decimal.Decimal `gorm:"type:text;not null"`
	Price         decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt     time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Asset{},
		&Position{},
		&TradeRecord{},
	)
}
