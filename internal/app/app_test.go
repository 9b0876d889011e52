package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/models"
)

const testSymbols = `{
  "symbols": [
    {"symbol": "aapl", "name": "Apple Inc."},
    {"symbol": "JPM", "name": "JPMorgan Chase", "exchange": "NYSE", "lot_size": 100},
    {"symbol": "OLD", "name": "Delisted", "is_active": false}
  ]
}`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	symbolsPath := filepath.Join(dir, "symbols.json")
	require.NoError(t, os.WriteFile(symbolsPath, []byte(testSymbols), 0o644))

	config := `
[storage]
driver = "sqlite"
dsn = "` + filepath.Join(dir, "data", "finstream.db") + `"
symbols_file = "` + symbolsPath + `"

[kafka]
enabled = false

[logging]
level = "error"
`
	configPath := filepath.Join(dir, "finstream.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))
	return configPath
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("FINSTREAM_KAFKA_ENABLED", "false")
	a, err := NewApp(writeTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewApp_InitializesAllServices(t *testing.T) {
	a := newTestApp(t)

	assert.NotNil(t, a.Config)
	assert.NotNil(t, a.Logger)
	assert.NotNil(t, a.Metrics)
	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Aggregation)
	assert.NotNil(t, a.Retention)
	assert.NotNil(t, a.Compression)
	assert.NotNil(t, a.Ledger)
	assert.NotNil(t, a.Query)
	assert.NotNil(t, a.JobManager)
	assert.False(t, a.StartupTime.IsZero())

	// Optional collaborators stay disabled without addresses
	assert.Nil(t, a.Cache)
	assert.Nil(t, a.Journal)
	assert.Nil(t, a.Ingest)

	assert.Equal(t, []models.Interval{models.Interval1m, models.Interval5m, models.Interval1h}, a.Aggregation.Levels())
}

func TestNewApp_ImportsSymbols(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	all, err := a.Store.ListSymbols(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 3)

	aapl, err := a.Store.GetSymbol(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultExchange, aapl.Exchange)
	assert.Equal(t, "USD", aapl.Currency)

	jpm, err := a.Store.GetSymbol(ctx, "JPM")
	require.NoError(t, err)
	assert.Equal(t, "NYSE", jpm.Exchange)
	assert.Equal(t, int64(100), jpm.LotSize)

	active, err := a.Store.ListSymbols(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestImportSymbolsFromFile_Errors(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	logger := common.NewSilentLogger()

	_, err := ImportSymbolsFromFile(ctx, a.Store.SymbolStore(), logger, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"symbols":[{"symbol":"X","tick_size":"tiny"}]}`), 0o644))
	_, err = ImportSymbolsFromFile(ctx, a.Store.SymbolStore(), logger, bad)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	blank := filepath.Join(t.TempDir(), "blank.json")
	require.NoError(t, os.WriteFile(blank, []byte(`{"symbols":[{"symbol":"  "},{"symbol":"IBM"}]}`), 0o644))
	n, err := ImportSymbolsFromFile(ctx, a.Store.SymbolStore(), logger, blank)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Trades flow through the cascade into the query layer, and the ledger trades
// against the same store.
func TestApp_EndToEnd(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	minute := time.Now().UTC().Truncate(time.Minute).Add(-10 * time.Minute)
	_, err := a.Store.AppendTrades(ctx, []models.Trade{
		{Symbol: "AAPL", Timestamp: minute, TradeID: "T-1", Price: decimal.RequireFromString("100"), Quantity: 5, Side: models.SideBuy, Exchange: "NASDAQ"},
		{Symbol: "AAPL", Timestamp: minute.Add(20 * time.Second), TradeID: "T-2", Price: decimal.RequireFromString("104"), Quantity: 5, Side: models.SideSell, Exchange: "NASDAQ"},
	})
	require.NoError(t, err)

	run, err := a.JobManager.RunOnce(ctx, models.JobTypeAggregate)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, run.Status)

	candles, err := a.Query.Candles(ctx, "AAPL", models.Interval1m, minute, minute.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, "100", candles[0].Open.String())
	assert.Equal(t, "104", candles[0].Close.String())
	assert.Equal(t, int64(10), candles[0].Volume)
	assert.Equal(t, "102", candles[0].VWAP.Decimal.String())

	p, err := a.Ledger.CreatePortfolio(ctx, "user-1", "main", decimal.Zero, true)
	require.NoError(t, err)
	assert.True(t, p.InitialCash.Equal(decimal.NewFromInt(10000)))

	buy, err := a.Ledger.ExecuteBuy(ctx, models.TradeRequest{
		PortfolioID: p.ID, Symbol: "aapl", Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.True(t, buy.RemainingCash.Equal(decimal.NewFromInt(9000)))

	_, err = a.Ledger.ExecuteBuy(ctx, models.TradeRequest{
		PortfolioID: p.ID, Symbol: "OLD", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, common.ErrInvalidSymbol)

	run, err = a.JobManager.RunOnce(ctx, models.JobTypeReconcile)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, run.Status)
}

func TestWarmCache_LoadsLatestQuotes(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	_, err := a.Store.AppendQuotes(ctx, []models.Quote{{
		Symbol: "AAPL", Timestamp: time.Now().UTC().Add(-time.Minute),
		BidPrice: decimal.RequireFromString("100.10"), BidSize: 100,
		AskPrice: decimal.RequireFromString("100.20"), AskSize: 100, Exchange: "NASDAQ",
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, warmCache(ctx, a.Query, a.Store.SymbolStore(), a.Logger))

	t.Setenv("FINSTREAM_WARM_CACHE", "off")
	assert.Equal(t, 0, warmCache(ctx, a.Query, a.Store.SymbolStore(), a.Logger))
}
