package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func testPolicies() map[series.Name]series.Policy {
	return map[series.Name]series.Policy{
		series.Trades:       {ChunkWidth: 24 * time.Hour, Retention: 7 * 24 * time.Hour, CompressAfter: 24 * time.Hour},
		series.Quotes:       {ChunkWidth: time.Hour, Retention: 24 * time.Hour},
		series.Candles:      {ChunkWidth: 7 * 24 * time.Hour},
		series.Alerts:       {ChunkWidth: 7 * 24 * time.Hour},
		series.Transactions: {ChunkWidth: 7 * 24 * time.Hour},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), common.NewSilentLogger(), Options{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "finstream.db"),
		Policies: testPolicies(),
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func trade(symbol, id string, ts time.Time, price string, qty int64) models.Trade {
	return models.Trade{
		Symbol:    symbol,
		Timestamp: ts,
		TradeID:   id,
		Price:     decimal.RequireFromString(price),
		Quantity:  qty,
		Side:      models.SideBuy,
		Exchange:  models.DefaultExchange,
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), common.NewSilentLogger(), Options{Driver: "oracle"})
	assert.Error(t, err)
}

func TestAppendTrades_DuplicatesAbsorbed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := testNow.Add(-2 * time.Hour)

	batch := []models.Trade{
		trade("AAPL", "T-1", base, "100", 10),
		trade("AAPL", "T-2", base.Add(time.Second), "101", 20),
		trade("MSFT", "T-1", base, "400", 5),
	}

	res, err := s.AppendTrades(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	res, err = s.AppendTrades(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.Duplicates)

	got, err := s.QueryTrades(ctx, "AAPL", time.Time{}, time.Time{}, series.Ascending, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "T-1", got[0].TradeID)
	assert.True(t, got[1].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, got[0].Timestamp.Equal(base))
}

func TestQueryRange_SpansChunksInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var batch []models.Trade
	for i := 0; i < 4; i++ {
		ts := testNow.Add(-time.Duration(i) * 24 * time.Hour)
		batch = append(batch, trade("AAPL", "T-"+string(rune('A'+i)), ts, "100", 1))
	}
	_, err := s.AppendTrades(ctx, batch)
	require.NoError(t, err)

	chunks, err := s.ListChunks(ctx, series.Trades)
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
	assert.True(t, chunks[0].Start.Before(chunks[1].Start))

	asc, err := s.QueryTrades(ctx, "AAPL", time.Time{}, time.Time{}, series.Ascending, 0)
	require.NoError(t, err)
	require.Len(t, asc, 4)
	assert.Equal(t, "T-D", asc[0].TradeID)

	desc, err := s.QueryTrades(ctx, "AAPL", time.Time{}, time.Time{}, series.Descending, 2)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "T-A", desc[0].TradeID)
	assert.Equal(t, "T-B", desc[1].TradeID)

	// Upper bound is exclusive.
	ranged, err := s.QueryTrades(ctx, "AAPL", testNow.Add(-48*time.Hour), testNow, series.Ascending, 0)
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "T-C", ranged[0].TradeID)
}

func TestQueryRange_RejectsUnknownFilter(t *testing.T) {
	s := newTestStore(t)
	_, err := s.QueryRange(context.Background(), series.Query{
		Series:  series.Trades,
		Filters: map[string]string{"venue": "X"},
	})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestAppend_ExpiredRowsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.AppendTrades(ctx, []models.Trade{
		trade("AAPL", "OLD", testNow.Add(-30*24*time.Hour), "100", 1),
		trade("AAPL", "NEW", testNow.Add(-time.Hour), "100", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Rejected)
}

func TestAppendCandles_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bucket := testNow.Truncate(time.Minute).Add(-time.Minute)

	c := models.Candle{
		Symbol: "AAPL", Interval: models.Interval1m, Timestamp: bucket,
		Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100),
		Volume: 10, TradeCount: 2, VWAP: decimal.NewNullDecimal(decimal.RequireFromString("100.5")),
	}
	_, err := s.AppendCandles(ctx, []models.Candle{c})
	require.NoError(t, err)

	c.Close = decimal.NewFromInt(102)
	c.High = decimal.NewFromInt(102)
	c.Volume = 15
	c.TradeCount = 3
	c.VWAP = decimal.NullDecimal{}
	_, err = s.AppendCandles(ctx, []models.Candle{c})
	require.NoError(t, err)

	got, err := s.QueryCandles(ctx, "AAPL", models.Interval1m, time.Time{}, time.Time{}, series.Ascending, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(decimal.NewFromInt(102)))
	assert.Equal(t, int64(15), got[0].Volume)
	assert.False(t, got[0].VWAP.Valid)

	other, err := s.QueryCandles(ctx, "AAPL", models.Interval5m, time.Time{}, time.Time{}, series.Ascending, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCompressChunk_QueriesUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := testNow.Add(-3 * 24 * time.Hour)

	_, err := s.AppendTrades(ctx, []models.Trade{
		trade("AAPL", "T-1", day, "100.12345678", 10),
		trade("AAPL", "T-2", day.Add(time.Minute), "101", 20),
		trade("MSFT", "T-3", day.Add(2*time.Minute), "400", 5),
	})
	require.NoError(t, err)

	before, err := s.QueryTrades(ctx, "", time.Time{}, time.Time{}, series.Ascending, 0)
	require.NoError(t, err)

	chunk := series.ChunkFor(series.Trades, day, 24*time.Hour)
	res, err := s.CompressChunk(ctx, chunk)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, 2, res.Segments)

	again, err := s.CompressChunk(ctx, chunk)
	require.NoError(t, err)
	assert.Nil(t, again, "second compression is a no-op")

	after, err := s.QueryTrades(ctx, "", time.Time{}, time.Time{}, series.Ascending, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	aapl, err := s.QueryTrades(ctx, "AAPL", time.Time{}, time.Time{}, series.Descending, 1)
	require.NoError(t, err)
	require.Len(t, aapl, 1)
	assert.Equal(t, "T-2", aapl[0].TradeID)

	chunks, err := s.ListChunks(ctx, series.Trades)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Compressed)
	assert.Equal(t, int64(3), chunks[0].RowCount)

	// Late rows for a compressed chunk are rejected, not lost silently.
	late, err := s.AppendTrades(ctx, []models.Trade{trade("AAPL", "T-9", day.Add(time.Hour), "99", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, late.Rejected)
}

func TestDropChunk_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := testNow.Add(-2 * 24 * time.Hour)

	_, err := s.AppendTrades(ctx, []models.Trade{
		trade("AAPL", "T-1", day, "100", 1),
		trade("AAPL", "T-2", day.Add(time.Second), "100", 1),
		trade("AAPL", "T-3", testNow.Add(-time.Hour), "100", 1),
	})
	require.NoError(t, err)

	chunk := series.ChunkFor(series.Trades, day, 24*time.Hour)
	n, err := s.DropChunk(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.DropChunk(ctx, chunk)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.QueryTrades(ctx, "AAPL", time.Time{}, time.Time{}, series.Ascending, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "T-3", got[0].TradeID)

	// A dropped chunk is recreated on the next write.
	res, err := s.AppendTrades(ctx, []models.Trade{trade("AAPL", "T-1", day, "100", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestDropChunk_Compressed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := testNow.Add(-2 * 24 * time.Hour)

	_, err := s.AppendTrades(ctx, []models.Trade{trade("AAPL", "T-1", day, "100", 1)})
	require.NoError(t, err)

	chunk := series.ChunkFor(series.Trades, day, 24*time.Hour)
	_, err = s.CompressChunk(ctx, chunk)
	require.NoError(t, err)

	n, err := s.DropChunk(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	chunks, err := s.ListChunks(ctx, series.Trades)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestAlerts_DetailsAndAcknowledgement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ack := testNow.Add(-time.Minute)

	_, err := s.AppendAlerts(ctx, []models.Alert{
		{
			AlertID: "A-1", Timestamp: testNow.Add(-time.Hour), AlertType: models.AlertPriceSpike,
			Symbol: "AAPL", Severity: models.SeverityHigh, Message: "spike",
			Details: map[string]any{"z_score": 4.5}, Acknowledged: true, AcknowledgedAt: &ack, AcknowledgedBy: "ops",
		},
		{
			AlertID: "A-2", Timestamp: testNow.Add(-30 * time.Minute), AlertType: models.AlertCustom,
			Symbol: "MSFT", Severity: models.SeverityLow, Message: "note",
		},
	})
	require.NoError(t, err)

	got, err := s.QueryAlerts(ctx, "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A-2", got[0].AlertID, "newest first")
	assert.Nil(t, got[0].Details)
	assert.Equal(t, 4.5, got[1].Details["z_score"])
	assert.True(t, got[1].Acknowledged)
	require.NotNil(t, got[1].AcknowledgedAt)
	assert.True(t, ack.Equal(*got[1].AcknowledgedAt))
}

func TestSymbols_UpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSymbol(ctx, models.NewSymbol("aapl", "Apple", "")))
	inactive := models.NewSymbol("XYZ", "Delisted", "NYSE")
	inactive.IsActive = false
	require.NoError(t, s.UpsertSymbol(ctx, inactive))

	sym, err := s.GetSymbol(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple", sym.Name)
	assert.True(t, sym.TickSize.Equal(decimal.RequireFromString("0.01")))

	_, err = s.GetSymbol(ctx, "NOPE")
	assert.ErrorIs(t, err, common.ErrNotFound)

	active, err := s.ListSymbols(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	all, err := s.ListSymbols(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func seedPortfolio(t *testing.T, s *Store, id string, cash int64) {
	t.Helper()
	require.NoError(t, s.UpsertSymbol(context.Background(), models.NewSymbol("AAPL", "Apple", "")))
	require.NoError(t, s.CreatePortfolio(context.Background(), &models.Portfolio{
		ID: id, UserID: "user-1", Name: "Main",
		CurrentCash: decimal.NewFromInt(cash), InitialCash: decimal.NewFromInt(cash), IsPublic: true,
	}))
}

func TestCreatePortfolio_Duplicate(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s, "p-1", 1000)

	err := s.CreatePortfolio(context.Background(), &models.Portfolio{
		ID: "p-1", UserID: "user-2", Name: "Again", CurrentCash: decimal.Zero, InitialCash: decimal.Zero,
	})
	assert.ErrorIs(t, err, common.ErrDuplicateRecord)

	_, err = s.GetPortfolio(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCreatePortfolio_OneDefaultPerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.Portfolio{ID: "p-1", UserID: "user-1", Name: "Main", IsDefault: true}
	require.NoError(t, s.CreatePortfolio(ctx, first))
	assert.True(t, first.IsDefault)

	second := &models.Portfolio{ID: "p-2", UserID: "user-1", Name: "Growth", IsDefault: true}
	require.NoError(t, s.CreatePortfolio(ctx, second))
	assert.False(t, second.IsDefault)

	other := &models.Portfolio{ID: "p-3", UserID: "user-2", Name: "Main", IsDefault: true}
	require.NoError(t, s.CreatePortfolio(ctx, other))
	assert.True(t, other.IsDefault)

	got, err := s.GetPortfolio(ctx, "p-2")
	require.NoError(t, err)
	assert.False(t, got.IsDefault)

	err = s.CreatePortfolio(ctx, &models.Portfolio{ID: "p-1", UserID: "user-3", Name: "Again", IsDefault: true})
	assert.ErrorIs(t, err, common.ErrDuplicateRecord)
}

func TestWithPortfolioTx_CommitAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "p-1", 1000)
	at := testNow.Add(-time.Minute)

	err := s.WithPortfolioTx(ctx, "p-1", func(tx interfaces.LedgerTx) error {
		assert.True(t, tx.Portfolio().CurrentCash.Equal(decimal.NewFromInt(1000)))

		h, err := tx.Holding(ctx, "AAPL")
		require.NoError(t, err)
		assert.Nil(t, h)

		if err := tx.SaveHolding(ctx, models.Holding{
			Symbol: "AAPL", Quantity: decimal.NewFromInt(5), AverageCost: decimal.NewFromInt(100),
			TotalCost: decimal.NewFromInt(500), LastTradedAt: at,
		}); err != nil {
			return err
		}
		if err := tx.UpdateCash(ctx, decimal.NewFromInt(500), at); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, models.Transaction{
			ID: "tx-1", PortfolioID: "p-1", Symbol: "AAPL", Type: models.TransactionBuy,
			Quantity: decimal.NewFromInt(5), Price: decimal.NewFromInt(100), TotalAmount: decimal.NewFromInt(500),
			Fees: decimal.Zero, RealizedPnL: decimal.Zero, ExecutedAt: at,
		})
	})
	require.NoError(t, err)

	p, err := s.GetPortfolio(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, p.CurrentCash.Equal(decimal.NewFromInt(500)))
	assert.True(t, p.LastTradeAt.Equal(at))

	boom := errors.New("boom")
	err = s.WithPortfolioTx(ctx, "p-1", func(tx interfaces.LedgerTx) error {
		require.NoError(t, tx.DeleteHolding(ctx, "AAPL"))
		require.NoError(t, tx.UpdateCash(ctx, decimal.NewFromInt(1), at))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	holdings, err := s.ListHoldings(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Quantity.Equal(decimal.NewFromInt(5)))

	p, err = s.GetPortfolio(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, p.CurrentCash.Equal(decimal.NewFromInt(500)), "rolled back")

	txns, err := s.ListTransactions(ctx, "p-1", time.Time{}, time.Time{}, series.Ascending, 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TransactionBuy, txns[0].Type)
	assert.True(t, txns[0].TotalAmount.Equal(decimal.NewFromInt(500)))
}

func TestWithPortfolioTx_Missing(t *testing.T) {
	s := newTestStore(t)
	err := s.WithPortfolioTx(context.Background(), "nope", func(tx interfaces.LedgerTx) error { return nil })
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpdateCash_NegativeRejected(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s, "p-1", 10)

	err := s.WithPortfolioTx(context.Background(), "p-1", func(tx interfaces.LedgerTx) error {
		return tx.UpdateCash(context.Background(), decimal.NewFromInt(-1), testNow)
	})
	assert.ErrorIs(t, err, common.ErrInsufficientFunds)
}
