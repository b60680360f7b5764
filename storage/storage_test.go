package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"curvemint/curve"
	"curvemint/trade"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	require.NoError(t, err)
	return parsed
}

func linearParams(t *testing.T, slope, startingPrice string) curve.Params {
	t.Helper()
	return curve.Params{
		Type:          curve.Linear,
		Slope:         dec(t, slope),
		StartingPrice: dec(t, startingPrice),
	}
}

func TestTradeLifecycle(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	account, err := store.CreateAccount(ctx, "alice", dec(t, "1000"))
	require.NoError(t, err)
	require.Equal(t, "alice", account.ID)

	asset, err := store.CreateAsset(ctx, "meme", linearParams(t, "2", "1"), "alice")
	require.NoError(t, err)
	require.True(t, asset.TotalSupply.IsZero())
	require.True(t, asset.CurrentPrice.Equal(dec(t, "1")))

	// Asset creation writes the opening log entry.
	count, err := store.CountRecords(ctx, asset.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	engine := trade.NewEngine(store)
	wide := dec(t, "1000000")

	result, err := engine.Execute(ctx, "alice", asset.ID, dec(t, "10"), trade.SideBuy, &wide)
	require.NoError(t, err)
	require.True(t, result.Record.FundingAmount.Equal(dec(t, "110")))
	require.True(t, result.Balance.Equal(dec(t, "890")))

	reloaded, err := store.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.True(t, reloaded.TotalSupply.Equal(dec(t, "10")))
	require.True(t, reloaded.CurrentPrice.Equal(dec(t, "21")))

	position, held, err := store.FindPosition(ctx, "alice", asset.ID)
	require.NoError(t, err)
	require.True(t, held)
	require.True(t, position.Amount.Equal(dec(t, "10")))

	// Selling everything back unwinds balance and supply and removes the row.
	result, err = engine.Execute(ctx, "alice", asset.ID, dec(t, "10"), trade.SideSell, &wide)
	require.NoError(t, err)
	require.Nil(t, result.Position)
	require.True(t, result.Balance.Equal(dec(t, "1000")))
	require.True(t, result.Asset.TotalSupply.IsZero())

	_, held, err = store.FindPosition(ctx, "alice", asset.ID)
	require.NoError(t, err)
	require.False(t, held)

	count, err = store.CountRecords(ctx, asset.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	records, err := store.ListRecords(ctx, asset.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, trade.RecordSell, records[0].Kind)
	require.Equal(t, trade.RecordCreate, records[2].Kind)
}

func TestSecondBuyPricedOffCommittedSupply(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, "alice", dec(t, "1000"))
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, "bob", dec(t, "1000"))
	require.NoError(t, err)
	asset, err := store.CreateAsset(ctx, "meme", linearParams(t, "2", "1"), "alice")
	require.NoError(t, err)

	engine := trade.NewEngine(store)
	wide := dec(t, "1000000")

	first, err := engine.Execute(ctx, "alice", asset.ID, dec(t, "10"), trade.SideBuy, &wide)
	require.NoError(t, err)
	require.True(t, first.Record.FundingAmount.Equal(dec(t, "110")))

	// Bob's trade must price off the supply Alice's commit left behind, not
	// off the curve origin.
	second, err := engine.Execute(ctx, "bob", asset.ID, dec(t, "5"), trade.SideBuy, &wide)
	require.NoError(t, err)
	require.True(t, second.Record.FundingAmount.Equal(dec(t, "130")),
		"funding = %s", second.Record.FundingAmount)
	require.True(t, second.Record.Price.Equal(dec(t, "21")))
	require.True(t, second.Asset.TotalSupply.Equal(dec(t, "15")))
}

func TestRejectedTradeWritesNothing(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, "alice", dec(t, "1000"))
	require.NoError(t, err)
	asset, err := store.CreateAsset(ctx, "meme", linearParams(t, "2", "1"), "alice")
	require.NoError(t, err)

	engine := trade.NewEngine(store)

	// Default 1% tolerance rejects a trade that moves the price 2000%.
	_, err = engine.Execute(ctx, "alice", asset.ID, dec(t, "10"), trade.SideBuy, nil)
	require.ErrorIs(t, err, trade.ErrSlippageExceeded)

	account, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.True(t, account.Balance.Equal(dec(t, "1000")))

	reloaded, err := store.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.True(t, reloaded.TotalSupply.IsZero())

	count, err := store.CountRecords(ctx, asset.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestDeposit(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	account, err := store.CreateAccount(ctx, "", dec(t, "0"))
	require.NoError(t, err)
	require.NotEmpty(t, account.ID)

	balance, err := store.Deposit(ctx, account.ID, dec(t, "42.5"))
	require.NoError(t, err)
	require.True(t, balance.Equal(dec(t, "42.5")))

	_, err = store.Deposit(ctx, "missing", dec(t, "1"))
	require.ErrorIs(t, err, trade.ErrAccountNotFound)

	_, err = store.Deposit(ctx, account.ID, dec(t, "-1"))
	require.Error(t, err)
}

func TestCreateAssetValidation(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	_, err := store.CreateAsset(ctx, "meme", curve.Params{Type: curve.Type("cubic")}, "alice")
	require.ErrorIs(t, err, curve.ErrInvalidParams)

	_, err = store.CreateAsset(ctx, "  ", linearParams(t, "2", "1"), "alice")
	require.Error(t, err)

	_, err = store.CreateAsset(ctx, "meme", linearParams(t, "2", "1"), "alice")
	require.NoError(t, err)
	_, err = store.CreateAsset(ctx, "MEME", linearParams(t, "3", "1"), "bob")
	require.Error(t, err, "duplicate symbol must be rejected")
}

func TestNotFoundMappings(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	_, err := store.GetAccount(ctx, "missing")
	require.ErrorIs(t, err, trade.ErrAccountNotFound)

	_, err = store.GetAsset(ctx, "missing")
	require.ErrorIs(t, err, trade.ErrAssetNotFound)

	engine := trade.NewEngine(store)
	_, err = engine.Quote(ctx, "missing", dec(t, "1"), trade.SideBuy)
	require.ErrorIs(t, err, trade.ErrAssetNotFound)
}

func TestMapConflict(t *testing.T) {
	require.NoError(t, mapConflict(nil))

	locked := errors.New("database is locked (5) (SQLITE_BUSY)")
	require.ErrorIs(t, mapConflict(locked), trade.ErrStorageConflict)

	serialization := &pgconn.PgError{Code: "40001"}
	require.ErrorIs(t, mapConflict(serialization), trade.ErrStorageConflict)

	deadlock := &pgconn.PgError{Code: "40P01"}
	require.ErrorIs(t, mapConflict(deadlock), trade.ErrStorageConflict)

	duplicate := &pgconn.PgError{Code: "23505"}
	require.NotErrorIs(t, mapConflict(duplicate), trade.ErrStorageConflict)

	plain := errors.New("disk I/O error")
	require.NotErrorIs(t, mapConflict(plain), trade.ErrStorageConflict)
}
