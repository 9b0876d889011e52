package query

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/storage/sqlstore"
)

var queryNow = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memCache is an in-process interfaces.Cache that ignores TTLs.
type memCache struct {
	mu    sync.Mutex
	items map[string][]byte
	hits  int
}

func newMemCache() *memCache { return &memCache{items: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[key]
	if !ok {
		return false, nil
	}
	c.hits++
	return true, json.Unmarshal(b, dest)
}

func (c *memCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = b
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), common.NewSilentLogger(), sqlstore.Options{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "query.db"),
		Policies: sqlstore.PoliciesFromConfig(common.NewDefaultConfig().Series),
		Now:      func() time.Time { return queryNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(s *sqlstore.Store, cache interfaces.Cache) *Service {
	svc := NewService(s, cache, common.CacheConfig{}, common.NewSilentLogger(), nil)
	svc.now = func() time.Time { return queryNow }
	return svc
}

func quote(symbol string, ago time.Duration, bid, ask string) models.Quote {
	return models.Quote{
		Symbol: symbol, Timestamp: queryNow.Add(-ago),
		BidPrice: dec(bid), BidSize: 100, AskPrice: dec(ask), AskSize: 100,
		Exchange: models.DefaultExchange,
	}
}

func minute(symbol string, ago time.Duration, open, close string, vol int64) models.Candle {
	o, c := dec(open), dec(close)
	high, low := decimal.Max(o, c), decimal.Min(o, c)
	return models.Candle{
		Symbol: symbol, Interval: models.Interval1m, Timestamp: models.Interval1m.BucketStart(queryNow.Add(-ago)),
		Open: o, High: high, Low: low, Close: c, Volume: vol, TradeCount: 1,
		VWAP: decimal.NewNullDecimal(c),
	}
}

func TestLatestQuote(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.AppendQuotes(ctx, []models.Quote{
		quote("AAPL", 10*time.Minute, "99.9", "100.1"),
		quote("AAPL", 5*time.Minute, "100.4", "100.6"),
		quote("MSFT", time.Minute, "400", "400.5"),
	})
	require.NoError(t, err)

	svc := newService(s, nil)
	q, err := svc.LatestQuote(ctx, "aapl")
	require.NoError(t, err)
	assert.True(t, q.BidPrice.Equal(dec("100.4")))
	assert.True(t, q.MidPrice().Equal(dec("100.5")))

	_, err = svc.LatestQuote(ctx, "TSLA")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLatestQuote_ServedFromCache(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.AppendQuotes(ctx, []models.Quote{quote("AAPL", 5*time.Minute, "100", "101")})
	require.NoError(t, err)

	cache := newMemCache()
	svc := newService(s, cache)

	first, err := svc.LatestQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Zero(t, cache.hits)

	_, err = s.AppendQuotes(ctx, []models.Quote{quote("AAPL", time.Minute, "105", "106")})
	require.NoError(t, err)

	second, err := svc.LatestQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.True(t, first.BidPrice.Equal(second.BidPrice), "cached value until the TTL lapses")
	assert.True(t, first.Timestamp.Equal(second.Timestamp))

	require.NoError(t, cache.Delete(ctx, "quote:AAPL"))
	third, err := svc.LatestQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, third.BidPrice.Equal(dec("105")))
}

func TestRecentTrades_NewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var trades []models.Trade
	for i := 0; i < 5; i++ {
		trades = append(trades, models.Trade{
			Symbol: "AAPL", Timestamp: queryNow.Add(-time.Duration(5-i) * time.Minute),
			TradeID: string(rune('a' + i)), Price: decimal.NewFromInt(int64(100 + i)), Quantity: 1,
			Side: models.SideSell, Exchange: models.DefaultExchange,
		})
	}
	_, err := s.AppendTrades(ctx, trades)
	require.NoError(t, err)

	got, err := newService(s, nil).RecentTrades(ctx, "AAPL", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].TradeID)
	assert.Equal(t, "c", got[2].TradeID)
}

func TestCandles_RangeAndValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.AppendCandles(ctx, []models.Candle{
		minute("AAPL", 3*time.Minute, "100", "101", 10),
		minute("AAPL", 2*time.Minute, "101", "102", 10),
		minute("AAPL", time.Minute, "102", "100", 10),
	})
	require.NoError(t, err)

	svc := newService(s, newMemCache())
	start := queryNow.Add(-3 * time.Minute)
	got, err := svc.Candles(ctx, "AAPL", models.Interval1m, start, queryNow.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, start.Equal(got[0].Timestamp))
	assert.True(t, got[1].Close.Equal(dec("102")))

	// Cached decode keeps decimals and null vwap handling intact.
	again, err := svc.Candles(ctx, "AAPL", models.Interval1m, start, queryNow.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.True(t, again[1].VWAP.Decimal.Equal(dec("102")))

	_, err = svc.Candles(ctx, "AAPL", models.Interval("2m"), time.Time{}, time.Time{}, 0)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = svc.Candles(ctx, "AAPL", models.Interval1m, queryNow, queryNow, 0)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestMarketSummary(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, sym := range []string{"AAPL", "MSFT"} {
		require.NoError(t, s.UpsertSymbol(ctx, models.NewSymbol(sym, sym, "")))
	}
	_, err := s.AppendCandles(ctx, []models.Candle{
		minute("AAPL", 25*time.Hour, "50", "50", 99), // outside the window
		minute("AAPL", 3*time.Hour, "100", "104", 10),
		minute("AAPL", 2*time.Hour, "104", "95", 20),
		minute("AAPL", time.Hour, "95", "110", 30),
	})
	require.NoError(t, err)

	got, err := newService(s, nil).MarketSummary(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1, "symbols without candles are omitted")

	m := got[0]
	assert.Equal(t, "AAPL", m.Symbol)
	assert.True(t, m.Open.Equal(dec("100")))
	assert.True(t, m.LastPrice.Equal(dec("110")))
	assert.True(t, m.High.Equal(dec("110")))
	assert.True(t, m.Low.Equal(dec("95")))
	assert.Equal(t, int64(60), m.Volume)
	assert.Equal(t, int64(3), m.TradeCount)
	assert.True(t, m.Change.Equal(dec("10")))
	assert.True(t, m.ChangePct.Equal(dec("10")))
}

func seedPortfolio(t *testing.T, s *sqlstore.Store, id string, public bool, cash string, holdings ...models.Holding) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreatePortfolio(ctx, &models.Portfolio{
		ID: id, UserID: "user-" + id, Name: "Portfolio " + id,
		CurrentCash: dec("10000"), InitialCash: dec("10000"), IsPublic: public,
	}))
	// Holdings reference the symbols table.
	for _, h := range holdings {
		require.NoError(t, s.UpsertSymbol(ctx, models.NewSymbol(h.Symbol, h.Symbol, "")))
	}
	err := s.WithPortfolioTx(ctx, id, func(tx interfaces.LedgerTx) error {
		for _, h := range holdings {
			if err := tx.SaveHolding(ctx, h); err != nil {
				return err
			}
		}
		return tx.UpdateCash(ctx, dec(cash), queryNow)
	})
	require.NoError(t, err)
}

func holding(symbol, qty, avg string) models.Holding {
	q, a := dec(qty), dec(avg)
	return models.Holding{Symbol: symbol, Quantity: q, AverageCost: a, TotalCost: q.Mul(a), LastTradedAt: queryNow}
}

func TestPortfolioSummary(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "p-1", true, "8000", holding("AAPL", "10", "100"), holding("MSFT", "5", "200"))

	sum, err := newService(s, nil).PortfolioSummary(ctx, "p-1", map[string]decimal.Decimal{"AAPL": dec("120")})
	require.NoError(t, err)
	require.Len(t, sum.Holdings, 2)

	aapl, msft := sum.Holdings[0], sum.Holdings[1]
	assert.True(t, aapl.Priced)
	assert.True(t, aapl.MarketValue.Equal(dec("1200")))
	assert.True(t, aapl.UnrealizedPnL.Equal(dec("200")))
	assert.True(t, aapl.UnrealizedPnLPct.Equal(dec("20")))

	assert.False(t, msft.Priced, "unpriced holdings are carried at cost")
	assert.True(t, msft.MarketValue.Equal(dec("1000")))
	assert.True(t, msft.UnrealizedPnL.IsZero())

	assert.True(t, sum.HoldingsValue.Equal(dec("2200")))
	assert.True(t, sum.TotalCost.Equal(dec("2000")))
	assert.True(t, sum.TotalValue.Equal(dec("10200")))
	assert.True(t, sum.ReturnPct.Equal(dec("2")))

	_, err = newService(s, nil).PortfolioSummary(ctx, "missing", nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLeaderboard_RanksPublicPortfolios(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "b", true, "9000", holding("AAPL", "10", "100"))
	seedPortfolio(t, s, "a", true, "10500")
	seedPortfolio(t, s, "c", true, "9500")
	seedPortfolio(t, s, "hidden", false, "50000")

	prices := map[string]decimal.Decimal{"AAPL": dec("150")}
	svc := newService(s, nil)

	board, err := svc.Leaderboard(ctx, 0, prices)
	require.NoError(t, err)
	require.Len(t, board, 3)

	// a and b tie at 10500; the id breaks the tie.
	assert.Equal(t, "a", board[0].PortfolioID)
	assert.Equal(t, "b", board[1].PortfolioID)
	assert.Equal(t, "c", board[2].PortfolioID)
	assert.Equal(t, []int{1, 2, 3}, []int{board[0].Rank, board[1].Rank, board[2].Rank})
	assert.True(t, board[1].TotalValue.Equal(dec("10500")))
	assert.True(t, board[1].ReturnPct.Equal(dec("5")))
	assert.True(t, board[2].ReturnPct.Equal(dec("-5")))

	top, err := svc.Leaderboard(ctx, 1, prices)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "a", top[0].PortfolioID)
}

func TestTransactions_UnknownPortfolio(t *testing.T) {
	s := newStore(t)
	svc := newService(s, nil)
	_, err := svc.Transactions(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, common.ErrNotFound)

	seedPortfolio(t, s, "p-1", false, "10000")
	txns, err := svc.Transactions(context.Background(), "p-1", 0)
	require.NoError(t, err)
	assert.Empty(t, txns)
}
