package aggregation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/finstream/internal/models"
)

var nine = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tr(id string, at time.Duration, price string, qty int64) models.Trade {
	return models.Trade{
		Symbol:    "AAPL",
		Timestamp: nine.Add(at),
		TradeID:   id,
		Price:     d(price),
		Quantity:  qty,
		Side:      models.SideBuy,
		Exchange:  models.DefaultExchange,
	}
}

func TestRollupTrades_OneMinuteBucket(t *testing.T) {
	trades := []models.Trade{
		tr("T-2", 30*time.Second, "102", 3),
		tr("T-1", 0, "100", 5),
		tr("T-3", 45*time.Second, "98", 2),
	}

	candles := RollupTrades(models.Interval1m, trades)
	require.Len(t, candles, 1)
	c := candles[0]

	assert.True(t, nine.Equal(c.Timestamp))
	assert.Equal(t, models.Interval1m, c.Interval)
	assert.True(t, c.Open.Equal(d("100")), "open")
	assert.True(t, c.High.Equal(d("102")), "high")
	assert.True(t, c.Low.Equal(d("98")), "low")
	assert.True(t, c.Close.Equal(d("98")), "close")
	assert.Equal(t, int64(10), c.Volume)
	assert.Equal(t, int64(3), c.TradeCount)

	// (100×5 + 102×3 + 98×2) / 10 = 1002 / 10
	require.True(t, c.VWAP.Valid)
	assert.True(t, c.VWAP.Decimal.Equal(d("100.2")), "vwap %s", c.VWAP.Decimal)
}

func TestRollupTrades_SplitsBucketsAndSymbols(t *testing.T) {
	msft := tr("M-1", 10*time.Second, "400", 1)
	msft.Symbol = "MSFT"

	candles := RollupTrades(models.Interval1m, []models.Trade{
		tr("T-1", 0, "100", 1),
		tr("T-2", time.Minute+5*time.Second, "101", 1),
		msft,
	})
	require.Len(t, candles, 3)
	assert.Equal(t, "AAPL", candles[0].Symbol)
	assert.True(t, nine.Equal(candles[0].Timestamp))
	assert.True(t, nine.Add(time.Minute).Equal(candles[1].Timestamp))
	assert.Equal(t, "MSFT", candles[2].Symbol)
}

func TestRollupTrades_SameTimestampOrderedByTradeID(t *testing.T) {
	candles := RollupTrades(models.Interval1m, []models.Trade{
		tr("B", 10*time.Second, "101", 1),
		tr("A", 10*time.Second, "100", 1),
	})
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Open.Equal(d("100")))
	assert.True(t, candles[0].Close.Equal(d("101")))
}

func candle(at time.Duration, o, h, l, c string, vol, count int64, vwap string) models.Candle {
	out := models.Candle{
		Symbol: "AAPL", Interval: models.Interval1m, Timestamp: nine.Add(at),
		Open: d(o), High: d(h), Low: d(l), Close: d(c), Volume: vol, TradeCount: count,
	}
	if vwap != "" {
		out.VWAP = decimal.NewNullDecimal(d(vwap))
	}
	return out
}

func TestMerge_WeightsVWAPByVolume(t *testing.T) {
	parts := []models.Candle{
		candle(2*time.Minute, "103", "104", "102", "102", 30, 3, "103"),
		candle(0, "100", "101", "99", "101", 10, 2, "100"),
	}

	c := Merge(models.Interval5m, nine, parts)
	assert.Equal(t, models.Interval5m, c.Interval)
	assert.True(t, c.Open.Equal(d("100")))
	assert.True(t, c.Close.Equal(d("102")))
	assert.True(t, c.High.Equal(d("104")))
	assert.True(t, c.Low.Equal(d("99")))
	assert.Equal(t, int64(40), c.Volume)
	assert.Equal(t, int64(5), c.TradeCount)

	// (100×10 + 103×30) / 40 = 4090 / 40
	require.True(t, c.VWAP.Valid)
	assert.True(t, c.VWAP.Decimal.Equal(d("102.25")))
}

func TestMerge_ZeroVolumeGivesNullVWAP(t *testing.T) {
	c := Merge(models.Interval5m, nine, []models.Candle{
		candle(0, "100", "100", "100", "100", 0, 0, ""),
		candle(time.Minute, "100", "100", "100", "100", 0, 0, ""),
	})
	assert.False(t, c.VWAP.Valid)
	assert.Zero(t, c.Volume)
}

func TestCascadeMatchesDirectRollup(t *testing.T) {
	trades := []models.Trade{
		tr("T-1", 0, "100", 4),
		tr("T-2", 20*time.Second, "104", 4),
		tr("T-3", time.Minute+10*time.Second, "99", 5),
		tr("T-4", 3*time.Minute, "101", 5),
		tr("T-5", 4*time.Minute+59*time.Second, "103", 2),
	}

	oneMinute := RollupTrades(models.Interval1m, trades)
	cascaded := RollupCandles(models.Interval5m, oneMinute)
	direct := RollupTrades(models.Interval5m, trades)

	require.Len(t, cascaded, 1)
	require.Len(t, direct, 1)
	a, b := cascaded[0], direct[0]
	assert.True(t, a.Open.Equal(b.Open))
	assert.True(t, a.High.Equal(b.High))
	assert.True(t, a.Low.Equal(b.Low))
	assert.True(t, a.Close.Equal(b.Close))
	assert.Equal(t, b.Volume, a.Volume)
	assert.Equal(t, b.TradeCount, a.TradeCount)
	assert.True(t, a.VWAP.Decimal.Equal(b.VWAP.Decimal), "cascaded %s direct %s", a.VWAP.Decimal, b.VWAP.Decimal)
}
