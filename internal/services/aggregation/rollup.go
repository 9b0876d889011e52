package aggregation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/finstream/internal/models"
)

type bucketKey struct {
	symbol string
	start  int64
}

// RollupTrades summarises raw trades into one candle per symbol and bucket.
// Trades are ordered by timestamp then trade id, so open and close are stable
// for trades sharing a timestamp.
func RollupTrades(interval models.Interval, trades []models.Trade) []models.Candle {
	groups := make(map[bucketKey][]models.Trade)
	for _, t := range trades {
		k := bucketKey{t.Symbol, interval.BucketStart(t.Timestamp).UnixNano()}
		groups[k] = append(groups[k], t)
	}

	out := make([]models.Candle, 0, len(groups))
	for k, ts := range groups {
		sort.SliceStable(ts, func(i, j int) bool {
			if !ts[i].Timestamp.Equal(ts[j].Timestamp) {
				return ts[i].Timestamp.Before(ts[j].Timestamp)
			}
			return ts[i].TradeID < ts[j].TradeID
		})

		c := models.Candle{
			Symbol:     k.symbol,
			Interval:   interval,
			Timestamp:  time.Unix(0, k.start).UTC(),
			Open:       ts[0].Price,
			High:       ts[0].Price,
			Low:        ts[0].Price,
			Close:      ts[len(ts)-1].Price,
			TradeCount: int64(len(ts)),
		}

		notional := decimal.Zero
		for _, t := range ts {
			if t.Price.GreaterThan(c.High) {
				c.High = t.Price
			}
			if t.Price.LessThan(c.Low) {
				c.Low = t.Price
			}
			c.Volume += t.Quantity
			notional = notional.Add(t.Notional())
		}
		c.VWAP = weightedAverage(notional, c.Volume)
		out = append(out, c)
	}

	sortCandles(out)
	return out
}

// RollupCandles merges finer candles into one candle per symbol and bucket of interval.
func RollupCandles(interval models.Interval, finer []models.Candle) []models.Candle {
	groups := make(map[bucketKey][]models.Candle)
	for _, c := range finer {
		k := bucketKey{c.Symbol, interval.BucketStart(c.Timestamp).UnixNano()}
		groups[k] = append(groups[k], c)
	}

	out := make([]models.Candle, 0, len(groups))
	for k, parts := range groups {
		out = append(out, Merge(interval, time.Unix(0, k.start).UTC(), parts))
	}
	sortCandles(out)
	return out
}

// Merge combines the sub-bucket candles of one symbol into the candle of the
// bucket starting at start. Parts must be non-empty. Open comes from the
// earliest part and close from the latest; vwap is the volume weighted
// average of the parts' vwaps and is null when no part carries volume.
func Merge(interval models.Interval, start time.Time, parts []models.Candle) models.Candle {
	sorted := make([]models.Candle, len(parts))
	copy(sorted, parts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	first, last := sorted[0], sorted[len(sorted)-1]
	c := models.Candle{
		Symbol:    first.Symbol,
		Interval:  interval,
		Timestamp: start.UTC(),
		Open:      first.Open,
		High:      first.High,
		Low:       first.Low,
		Close:     last.Close,
	}

	weighted := decimal.Zero
	var weightedVolume int64
	for _, p := range sorted {
		if p.High.GreaterThan(c.High) {
			c.High = p.High
		}
		if p.Low.LessThan(c.Low) {
			c.Low = p.Low
		}
		c.Volume += p.Volume
		c.TradeCount += p.TradeCount
		if p.VWAP.Valid && p.Volume > 0 {
			weighted = weighted.Add(p.VWAP.Decimal.Mul(decimal.NewFromInt(p.Volume)))
			weightedVolume += p.Volume
		}
	}
	c.VWAP = weightedAverage(weighted, weightedVolume)
	return c
}

func weightedAverage(sum decimal.Decimal, volume int64) decimal.NullDecimal {
	if volume == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(sum.DivRound(decimal.NewFromInt(volume), models.PricePlaces))
}

func sortCandles(cs []models.Candle) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Symbol != cs[j].Symbol {
			return cs[i].Symbol < cs[j].Symbol
		}
		return cs[i].Timestamp.Before(cs[j].Timestamp)
	})
}
