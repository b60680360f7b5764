package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"curvemint/curve"
)

// memStore is an in-memory Store with snapshot-based rollback so engine
// tests exercise transactional behaviour without a database.
type memStore struct {
	balances  map[string]decimal.Decimal
	assets    map[string]AssetState
	positions map[string]Position
	records   []Record

	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		balances:  make(map[string]decimal.Decimal),
		assets:    make(map[string]AssetState),
		positions: make(map[string]Position),
	}
}

func posKey(accountID, assetID string) string { return accountID + "/" + assetID }

func (m *memStore) snapshot() *memStore {
	cp := newMemStore()
	for k, v := range m.balances {
		cp.balances[k] = v
	}
	for k, v := range m.assets {
		cp.assets[k] = v
	}
	for k, v := range m.positions {
		cp.positions[k] = v
	}
	cp.records = append(cp.records, m.records...)
	cp.appendErr = m.appendErr
	return cp
}

func (m *memStore) restore(snap *memStore) {
	m.balances = snap.balances
	m.assets = snap.assets
	m.positions = snap.positions
	m.records = snap.records
}

func (m *memStore) GetBalance(_ context.Context, accountID string) (decimal.Decimal, error) {
	balance, ok := m.balances[accountID]
	if !ok {
		return decimal.Decimal{}, ErrAccountNotFound
	}
	return balance, nil
}

func (m *memStore) SetBalance(_ context.Context, accountID string, balance decimal.Decimal) error {
	m.balances[accountID] = balance
	return nil
}

func (m *memStore) GetAsset(_ context.Context, assetID string) (AssetState, error) {
	asset, ok := m.assets[assetID]
	if !ok {
		return AssetState{}, ErrAssetNotFound
	}
	return asset, nil
}

func (m *memStore) SetAssetSupply(_ context.Context, assetID string, totalSupply, currentPrice decimal.Decimal) error {
	asset, ok := m.assets[assetID]
	if !ok {
		return ErrAssetNotFound
	}
	asset.TotalSupply = totalSupply
	asset.CurrentPrice = currentPrice
	m.assets[assetID] = asset
	return nil
}

func (m *memStore) FindPosition(_ context.Context, accountID, assetID string) (Position, bool, error) {
	pos, ok := m.positions[posKey(accountID, assetID)]
	return pos, ok, nil
}

func (m *memStore) UpsertPosition(_ context.Context, position Position) error {
	m.positions[posKey(position.AccountID, position.AssetID)] = position
	return nil
}

func (m *memStore) DeletePosition(_ context.Context, accountID, assetID string) error {
	delete(m.positions, posKey(accountID, assetID))
	return nil
}

func (m *memStore) AppendRecord(_ context.Context, record Record) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records = append(m.records, record)
	return nil
}

// memRunner rolls the whole store back to its pre-callback snapshot when the
// callback fails, mirroring the database transaction scope.
type memRunner struct {
	store *memStore
}

func (r *memRunner) Within(_ context.Context, fn func(Store) error) error {
	snap := r.store.snapshot()
	if err := fn(r.store); err != nil {
		r.store.restore(snap)
		return err
	}
	return nil
}

func (r *memRunner) View(_ context.Context, fn func(Store) error) error {
	return fn(r.store.snapshot())
}

func d(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", value, err)
	}
	return parsed
}

func linearAsset(t *testing.T, slope, startingPrice, supply string) AssetState {
	t.Helper()
	params := curve.Params{
		Type:          curve.Linear,
		Slope:         d(t, slope),
		StartingPrice: d(t, startingPrice),
	}
	price, err := params.Price(d(t, supply))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	return AssetState{ID: "meme", Params: params, TotalSupply: d(t, supply), CurrentPrice: price}
}

func fixedEngine(store TxRunner) *Engine {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return NewEngine(store,
		WithClock(func() time.Time { return at }),
		WithIDSource(func() string { return "rec-1" }),
	)
}

func wide(t *testing.T) *decimal.Decimal {
	t.Helper()
	tol := d(t, "1000000")
	return &tol
}

func TestExecuteBuy(t *testing.T) {
	store := newMemStore()
	store.assets["meme"] = linearAsset(t, "2", "1", "0")
	store.balances["alice"] = d(t, "200")
	engine := fixedEngine(&memRunner{store: store})

	result, err := engine.Execute(context.Background(), "alice", "meme", d(t, "10"), SideBuy, wide(t))
	if err != nil {
		t.Fatalf("execute buy: %v", err)
	}
	if !result.Record.FundingAmount.Equal(d(t, "110")) {
		t.Fatalf("funding = %s, want 110", result.Record.FundingAmount)
	}
	if !result.Balance.Equal(d(t, "90")) {
		t.Fatalf("balance = %s, want 90", result.Balance)
	}
	if !result.Asset.TotalSupply.Equal(d(t, "10")) {
		t.Fatalf("supply = %s, want 10", result.Asset.TotalSupply)
	}
	if !result.Asset.CurrentPrice.Equal(d(t, "21")) {
		t.Fatalf("price = %s, want 21", result.Asset.CurrentPrice)
	}
	if result.Position == nil || !result.Position.Amount.Equal(d(t, "10")) {
		t.Fatalf("position = %+v, want amount 10", result.Position)
	}
	// The record captures the pre-trade price and the injected clock/ID.
	if result.Record.ID != "rec-1" || result.Record.Kind != RecordBuy {
		t.Fatalf("record = %+v", result.Record)
	}
	if !result.Record.Price.Equal(d(t, "1")) {
		t.Fatalf("record price = %s, want 1", result.Record.Price)
	}
	if got := result.Record.CreatedAt; got != time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) {
		t.Fatalf("record time = %s", got)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
}

func TestQuoteIdempotent(t *testing.T) {
	store := newMemStore()
	store.assets["meme"] = linearAsset(t, "2", "1", "5")
	engine := fixedEngine(&memRunner{store: store})

	first, err := engine.Quote(context.Background(), "meme", d(t, "3"), SideBuy)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	second, err := engine.Quote(context.Background(), "meme", d(t, "3"), SideBuy)
	if err != nil {
		t.Fatalf("quote again: %v", err)
	}
	if !first.FundingAmount.Equal(second.FundingAmount) ||
		!first.NewPrice.Equal(second.NewPrice) ||
		!first.SlippagePercent.Equal(second.SlippagePercent) {
		t.Fatalf("quotes diverged: %+v vs %+v", first, second)
	}
	if !store.assets["meme"].TotalSupply.Equal(d(t, "5")) || len(store.records) != 0 {
		t.Fatal("quote mutated state")
	}
}

func TestSellEntirePositionDeletesRow(t *testing.T) {
	store := newMemStore()
	store.assets["meme"] = linearAsset(t, "2", "1", "10")
	store.balances["alice"] = d(t, "0")
	store.positions[posKey("alice", "meme")] = Position{AccountID: "alice", AssetID: "meme", Amount: d(t, "10")}
	engine := fixedEngine(&memRunner{store: store})

	result, err := engine.Execute(context.Background(), "alice", "meme", d(t, "10"), SideSell, wide(t))
	if err != nil {
		t.Fatalf("execute sell: %v", err)
	}
	if result.Position != nil {
		t.Fatalf("position = %+v, want nil after selling out", result.Position)
	}
	if _, held := store.positions[posKey("alice", "meme")]; held {
		t.Fatal("position row survived a full sell")
	}
	// Selling back the full segment returns exactly what buying it cost.
	if !result.Balance.Equal(d(t, "110")) {
		t.Fatalf("balance = %s, want 110", result.Balance)
	}
	if !result.Asset.TotalSupply.IsZero() {
		t.Fatalf("supply = %s, want 0", result.Asset.TotalSupply)
	}
}

func TestSlippageRejectionLeavesStateUntouched(t *testing.T) {
	store := newMemStore()
	store.assets["meme"] = linearAsset(t, "2", "1", "0")
	store.balances["alice"] = d(t, "200")
	engine := fixedEngine(&memRunner{store: store})

	tight := d(t, "0.1")
	_, err := engine.Execute(context.Background(), "alice", "meme", d(t, "10"), SideBuy, &tight)
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("err = %v, want slippage exceeded", err)
	}
	var slippage *SlippageError
	if !errors.As(err, &slippage) {
		t.Fatalf("err %v is not a SlippageError", err)
	}
	if !slippage.Computed.Equal(d(t, "2000")) {
		t.Fatalf("computed slippage = %s, want 2000", slippage.Computed)
	}
	if !store.balances["alice"].Equal(d(t, "200")) ||
		!store.assets["meme"].TotalSupply.IsZero() ||
		len(store.positions) != 0 || len(store.records) != 0 {
		t.Fatal("rejected trade left writes behind")
	}
}

func TestExecuteInsufficiency(t *testing.T) {
	store := newMemStore()
	store.assets["meme"] = linearAsset(t, "2", "1", "10")
	store.balances["alice"] = d(t, "5")
	store.positions[posKey("alice", "meme")] = Position{AccountID: "alice", AssetID: "meme", Amount: d(t, "2")}
	engine := fixedEngine(&memRunner{store: store})
	ctx := context.Background()

	if _, err := engine.Execute(ctx, "alice", "meme", d(t, "10"), SideBuy, wide(t)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("buy err = %v, want insufficient funds", err)
	}
	if _, err := engine.Execute(ctx, "alice", "meme", d(t, "3"), SideSell, wide(t)); !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("sell err = %v, want insufficient position", err)
	}
	if _, err := engine.Execute(ctx, "bob", "meme", d(t, "1"), SideSell, wide(t)); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("unknown account err = %v", err)
	}

	store.balances["bob"] = d(t, "100")
	if _, err := engine.Execute(ctx, "bob", "meme", d(t, "1"), SideSell, wide(t)); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("no-position sell err = %v", err)
	}
	if len(store.records) != 0 {
		t.Fatal("failed trades appended records")
	}
}

func TestExecuteValidation(t *testing.T) {
	store := newMemStore()
	store.assets["meme"] = linearAsset(t, "2", "1", "0")
	store.balances["alice"] = d(t, "100")
	engine := fixedEngine(&memRunner{store: store})
	ctx := context.Background()

	if _, err := engine.Execute(ctx, "alice", "meme", decimal.Zero, SideBuy, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount err = %v", err)
	}
	if _, err := engine.Execute(ctx, "alice", "meme", d(t, "-1"), SideBuy, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount err = %v", err)
	}
	if _, err := engine.Execute(ctx, "alice", "meme", d(t, "1"), Side("hodl"), nil); !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("bad side err = %v", err)
	}
	if _, err := engine.Quote(ctx, "missing", d(t, "1"), SideBuy); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("missing asset err = %v", err)
	}
}

func TestExecuteRollsBackOnRecordFailure(t *testing.T) {
	store := newMemStore()
	store.assets["meme"] = linearAsset(t, "2", "1", "0")
	store.balances["alice"] = d(t, "200")
	store.appendErr = errors.New("record store unavailable")
	engine := fixedEngine(&memRunner{store: store})

	_, err := engine.Execute(context.Background(), "alice", "meme", d(t, "10"), SideBuy, wide(t))
	if err == nil || !errors.Is(err, store.appendErr) {
		t.Fatalf("err = %v, want append failure", err)
	}
	if !store.balances["alice"].Equal(d(t, "200")) {
		t.Fatalf("balance = %s, want rollback to 200", store.balances["alice"])
	}
	if !store.assets["meme"].TotalSupply.IsZero() {
		t.Fatalf("supply = %s, want rollback to 0", store.assets["meme"].TotalSupply)
	}
	if len(store.positions) != 0 || len(store.records) != 0 {
		t.Fatal("rollback left position or record behind")
	}
}

func TestDefaultToleranceApplied(t *testing.T) {
	store := newMemStore()
	// Buying 10 moves the price 1000 -> 1010, exactly the 1% default, which
	// passes; 10.5 moves it 1.05% and the default rejects it.
	store.assets["meme"] = linearAsset(t, "1", "1000", "0")
	store.balances["alice"] = d(t, "20000")
	engine := fixedEngine(&memRunner{store: store})

	_, err := engine.Execute(context.Background(), "alice", "meme", d(t, "10.5"), SideBuy, nil)
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("err = %v, want slippage exceeded under the default tolerance", err)
	}

	result, err := engine.Execute(context.Background(), "alice", "meme", d(t, "10"), SideBuy, nil)
	if err != nil {
		t.Fatalf("at-tolerance buy: %v", err)
	}
	if !result.Record.FundingAmount.Equal(d(t, "10050")) {
		t.Fatalf("funding = %s, want 10050", result.Record.FundingAmount)
	}
}
