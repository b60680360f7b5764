package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"curvemint/curve"
	"curvemint/trade"
)

// Drivers supported by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Storage wraps the database handle. It implements trade.TxRunner: every
// trade settles inside one transaction that locks the asset and position
// rows it touches, so trades against the same asset serialize while trades
// on different assets proceed independently.
type Storage struct {
	db *gorm.DB
}

// Open connects to the configured database. SQLite (pure Go driver) backs
// local and test deployments, postgres the shared ones.
func Open(driver, dsn string) (*Storage, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("storage: dsn required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Migrate applies the schema.
func (s *Storage) Migrate() error {
	return AutoMigrate(s.db)
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Within runs fn inside one transaction whose reads take exclusive row
// locks. Any error from fn rolls every write back; commit happens only when
// fn returns nil. Driver-level concurrency rejections surface as
// trade.ErrStorageConflict and are safe to retry.
func (s *Storage) Within(ctx context.Context, fn func(trade.Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx, locking: true})
	})
	return mapConflict(err)
}

// View runs fn inside a transaction without taking row locks. It must not be
// used to mutate.
func (s *Storage) View(ctx context.Context, fn func(trade.Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx})
	})
	return mapConflict(err)
}

// txStore scopes the trade.Store contract to one open transaction.
type txStore struct {
	db      *gorm.DB
	locking bool
}

func (t *txStore) query(ctx context.Context) *gorm.DB {
	q := t.db.WithContext(ctx)
	if t.locking {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (t *txStore) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var account Account
	if err := t.query(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, trade.ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("storage: load account: %w", err)
	}
	return account.Balance, nil
}

func (t *txStore) SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	res := t.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{"balance": balance, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("storage: update balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return trade.ErrAccountNotFound
	}
	return nil
}

func (t *txStore) GetAsset(ctx context.Context, assetID string) (trade.AssetState, error) {
	var asset Asset
	if err := t.query(ctx).First(&asset, "id = ?", assetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return trade.AssetState{}, trade.ErrAssetNotFound
		}
		return trade.AssetState{}, fmt.Errorf("storage: load asset: %w", err)
	}
	return asset.toState(), nil
}

func (t *txStore) SetAssetSupply(ctx context.Context, assetID string, totalSupply, currentPrice decimal.Decimal) error {
	res := t.db.WithContext(ctx).Model(&Asset{}).
		Where("id = ?", assetID).
		Updates(map[string]any{
			"total_supply":  totalSupply,
			"current_price": currentPrice,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("storage: update asset supply: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return trade.ErrAssetNotFound
	}
	return nil
}

func (t *txStore) FindPosition(ctx context.Context, accountID, assetID string) (trade.Position, bool, error) {
	var position Position
	err := t.query(ctx).First(&position, "account_id = ? AND asset_id = ?", accountID, assetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return trade.Position{}, false, nil
	}
	if err != nil {
		return trade.Position{}, false, fmt.Errorf("storage: load position: %w", err)
	}
	return trade.Position{AccountID: position.AccountID, AssetID: position.AssetID, Amount: position.Amount}, true, nil
}

func (t *txStore) UpsertPosition(ctx context.Context, position trade.Position) error {
	now := time.Now().UTC()
	row := Position{
		AccountID: position.AccountID,
		AssetID:   position.AssetID,
		Amount:    position.Amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "asset_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("storage: upsert position: %w", err)
	}
	return nil
}

func (t *txStore) DeletePosition(ctx context.Context, accountID, assetID string) error {
	res := t.db.WithContext(ctx).
		Where("account_id = ? AND asset_id = ?", accountID, assetID).
		Delete(&Position{})
	if res.Error != nil {
		return fmt.Errorf("storage: delete position: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return trade.ErrPositionNotFound
	}
	return nil
}

func (t *txStore) AppendRecord(ctx context.Context, record trade.Record) error {
	row := TradeRecord{
		ID:            record.ID,
		Kind:          string(record.Kind),
		AssetID:       record.AssetID,
		AccountID:     record.AccountID,
		AssetAmount:   record.AssetAmount,
		FundingAmount: record.FundingAmount,
		Price:         record.Price,
		CreatedAt:     record.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("storage: append trade record: %w", err)
	}
	return nil
}

func (a Asset) toState() trade.AssetState {
	return trade.AssetState{
		ID: a.ID,
		Params: curve.Params{
			Slope:         a.Slope,
			StartingPrice: a.StartingPrice,
			Type:          curve.Type(a.CurveType),
		},
		TotalSupply:  a.TotalSupply,
		CurrentPrice: a.CurrentPrice,
	}
}

// mapConflict normalises driver-specific concurrent-write rejections onto
// the engine's retryable conflict class. Everything else passes unchanged.
func mapConflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", trade.ErrStorageConflict, err)
		}
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", trade.ErrStorageConflict, err)
	}
	return err
}

// CreateAccount provisions a funding account. An empty id draws a fresh
// uuid; the initial balance must not be negative.
func (s *Storage) CreateAccount(ctx context.Context, id string, initial decimal.Decimal) (Account, error) {
	if initial.IsNegative() {
		return Account{}, fmt.Errorf("storage: initial balance must not be negative, got %s", initial)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	account := Account{ID: id, Balance: initial, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return Account{}, fmt.Errorf("storage: create account: %w", err)
	}
	return account, nil
}

// Deposit credits the account's funding balance and returns the new value.
func (s *Storage) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("storage: deposit must be positive, got %s", amount)
	}
	var updated decimal.Decimal
	err := s.Within(ctx, func(store trade.Store) error {
		balance, err := store.GetBalance(ctx, accountID)
		if err != nil {
			return err
		}
		updated = balance.Add(amount)
		return store.SetBalance(ctx, accountID, updated)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return updated, nil
}

// CreateAsset registers a new asset at supply zero, prices it off the curve,
// and appends the CREATE entry to the trade log. The curve parameters are
// immutable from here on; the engine only ever reads them.
func (s *Storage) CreateAsset(ctx context.Context, symbol string, params curve.Params, creatorID string) (trade.AssetState, error) {
	if err := params.Validate(); err != nil {
		return trade.AssetState{}, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return trade.AssetState{}, errors.New("storage: asset symbol required")
	}
	initialPrice, err := params.Price(decimal.Zero)
	if err != nil {
		return trade.AssetState{}, err
	}
	now := time.Now().UTC()
	asset := Asset{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		CurveType:     string(params.Type),
		Slope:         params.Slope,
		StartingPrice: params.StartingPrice,
		TotalSupply:   decimal.Zero,
		CurrentPrice:  initialPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	record := TradeRecord{
		ID:            uuid.NewString(),
		Kind:          string(trade.RecordCreate),
		AssetID:       asset.ID,
		AccountID:     creatorID,
		AssetAmount:   decimal.Zero,
		FundingAmount: decimal.Zero,
		Price:         initialPrice,
		CreatedAt:     now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&asset).Error; err != nil {
			return fmt.Errorf("storage: create asset: %w", err)
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("storage: create asset record: %w", err)
		}
		return nil
	})
	if err != nil {
		return trade.AssetState{}, mapConflict(err)
	}
	return asset.toState(), nil
}

// GetAccount loads an account outside any trade transaction.
func (s *Storage) GetAccount(ctx context.Context, id string) (Account, error) {
	var account Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, trade.ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("storage: load account: %w", err)
	}
	return account, nil
}

// GetAsset loads the curve state outside any trade transaction.
func (s *Storage) GetAsset(ctx context.Context, id string) (trade.AssetState, error) {
	var asset Asset
	if err := s.db.WithContext(ctx).First(&asset, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return trade.AssetState{}, trade.ErrAssetNotFound
		}
		return trade.AssetState{}, fmt.Errorf("storage: load asset: %w", err)
	}
	return asset.toState(), nil
}

// FindPosition loads a holding outside any trade transaction. The boolean is
// false when no row exists.
func (s *Storage) FindPosition(ctx context.Context, accountID, assetID string) (trade.Position, bool, error) {
	store := txStore{db: s.db}
	return store.FindPosition(ctx, accountID, assetID)
}

// ListRecords returns the most recent trade log entries for an asset, newest
// first.
func (s *Storage) ListRecords(ctx context.Context, assetID string, limit int) ([]trade.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []TradeRecord
	err := s.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list records: %w", err)
	}
	records := make([]trade.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, trade.Record{
			ID:            row.ID,
			Kind:          trade.RecordKind(row.Kind),
			AssetID:       row.AssetID,
			AccountID:     row.AccountID,
			AssetAmount:   row.AssetAmount,
			FundingAmount: row.FundingAmount,
			Price:         row.Price,
			CreatedAt:     row.CreatedAt,
		})
	}
	return records, nil
}

// CountRecords reports the trade log length for an asset. Used by tests and
// reconciliation tooling.
func (s *Storage) CountRecords(ctx context.Context, assetID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("asset_id = ?", assetID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("storage: count records: %w", err)
	}
	return count, nil
}
