package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of an executed trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// DefaultExchange is assigned to events that arrive without one.
const DefaultExchange = "NASDAQ"

// PricePlaces is the fixed-point scale used for prices and VWAP.
const PricePlaces = 8

// Interval is a candle resolution.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Intervals lists the supported resolutions, finest first.
var Intervals = []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}

// ParseInterval validates an interval string.
func ParseInterval(s string) (Interval, error) {
	i := Interval(strings.TrimSpace(s))
	if _, ok := intervalDurations[i]; !ok {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return i, nil
}

// Valid reports whether the interval is supported.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the bucket width, or zero for an unsupported interval.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// BucketStart floors t to the bucket boundary, aligned to the Unix epoch.
func (i Interval) BucketStart(t time.Time) time.Time {
	return FloorTime(t, i.Duration())
}

// FloorTime floors t to a multiple of width since the Unix epoch. Times before
// the epoch floor towards negative infinity.
func FloorTime(t time.Time, width time.Duration) time.Time {
	w := int64(width)
	if w <= 0 {
		return t.UTC()
	}
	n := t.UnixNano()
	r := n % w
	if r < 0 {
		r += w
	}
	return time.Unix(0, n-r).UTC()
}

// Trade is an executed market trade. (Symbol, Timestamp, TradeID) is unique.
type Trade struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Side      Side            `json:"side"`
	Exchange  string          `json:"exchange"`
	TraceID   string          `json:"trace_id,omitempty"`
}

// Validate checks the fields an ingested trade must carry.
func (t Trade) Validate() error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("trade %s: missing symbol", t.TradeID)
	case t.TradeID == "":
		return fmt.Errorf("trade for %s: missing trade_id", t.Symbol)
	case t.Timestamp.IsZero():
		return fmt.Errorf("trade %s: missing timestamp", t.TradeID)
	case !t.Price.IsPositive():
		return fmt.Errorf("trade %s: price must be positive", t.TradeID)
	case t.Price.Exponent() < -PricePlaces:
		return fmt.Errorf("trade %s: price exceeds %d decimal places", t.TradeID, PricePlaces)
	case t.Quantity <= 0:
		return fmt.Errorf("trade %s: quantity must be positive", t.TradeID)
	case t.Side != SideBuy && t.Side != SideSell:
		return fmt.Errorf("trade %s: invalid side %q", t.TradeID, t.Side)
	}
	return nil
}

// Notional returns price × quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Quote is a top-of-book snapshot. (Symbol, Timestamp) is unique.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidSize   int64           `json:"bid_size"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskSize   int64           `json:"ask_size"`
	Exchange  string          `json:"exchange"`
}

// Validate checks the fields an ingested quote must carry.
func (q Quote) Validate() error {
	switch {
	case q.Symbol == "":
		return fmt.Errorf("quote: missing symbol")
	case q.Timestamp.IsZero():
		return fmt.Errorf("quote %s: missing timestamp", q.Symbol)
	case !q.BidPrice.IsPositive() || !q.AskPrice.IsPositive():
		return fmt.Errorf("quote %s: prices must be positive", q.Symbol)
	case q.AskPrice.LessThan(q.BidPrice):
		return fmt.Errorf("quote %s: crossed book", q.Symbol)
	case q.BidSize < 0 || q.AskSize < 0:
		return fmt.Errorf("quote %s: negative size", q.Symbol)
	}
	return nil
}

// Spread returns ask - bid.
func (q Quote) Spread() decimal.Decimal {
	return q.AskPrice.Sub(q.BidPrice)
}

// MidPrice returns (bid + ask) / 2.
func (q Quote) MidPrice() decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// SpreadPct returns the spread as a percentage of the mid price.
func (q Quote) SpreadPct() decimal.Decimal {
	mid := q.MidPrice()
	if mid.IsZero() {
		return decimal.Zero
	}
	return q.Spread().Div(mid).Mul(decimal.NewFromInt(100)).Round(4)
}

// Candle is an OHLCV summary of one bucket. (Symbol, Interval, Timestamp) is unique.
// VWAP is invalid when the bucket saw no volume.
type Candle struct {
	Symbol     string              `json:"symbol"`
	Interval   Interval            `json:"interval"`
	Timestamp  time.Time           `json:"timestamp"`
	Open       decimal.Decimal     `json:"open"`
	High       decimal.Decimal     `json:"high"`
	Low        decimal.Decimal     `json:"low"`
	Close      decimal.Decimal     `json:"close"`
	Volume     int64               `json:"volume"`
	TradeCount int64               `json:"trade_count"`
	VWAP       decimal.NullDecimal `json:"vwap"`
}

// BucketEnd returns the exclusive end of the candle's bucket.
func (c Candle) BucketEnd() time.Time {
	return c.Timestamp.Add(c.Interval.Duration())
}

// Provisional reports whether late data inside the trailing window may still change the candle.
func (c Candle) Provisional(now time.Time, window time.Duration) bool {
	return c.BucketEnd().After(now.Add(-window))
}

// AlertType classifies an anomaly alert.
type AlertType string

const (
	AlertPriceSpike    AlertType = "PRICE_SPIKE"
	AlertVolumeAnomaly AlertType = "VOLUME_ANOMALY"
	AlertSpreadAnomaly AlertType = "SPREAD_ANOMALY"
	AlertCustom        AlertType = "CUSTOM"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is an anomaly raised by the external detector. Only acknowledgment fields change after insert.
type Alert struct {
	AlertID        string         `json:"alert_id"`
	Timestamp      time.Time      `json:"timestamp"`
	AlertType      AlertType      `json:"alert_type"`
	Symbol         string         `json:"symbol"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
}

// Validate checks the fields an ingested alert must carry.
func (a Alert) Validate() error {
	switch {
	case a.AlertID == "":
		return fmt.Errorf("alert: missing alert_id")
	case a.Timestamp.IsZero():
		return fmt.Errorf("alert %s: missing timestamp", a.AlertID)
	}
	switch a.AlertType {
	case AlertPriceSpike, AlertVolumeAnomaly, AlertSpreadAnomaly, AlertCustom:
	default:
		return fmt.Errorf("alert %s: invalid type %q", a.AlertID, a.AlertType)
	}
	switch a.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("alert %s: invalid severity %q", a.AlertID, a.Severity)
	}
	return nil
}

// Symbol is a tradable instrument. Trades are only accepted for active symbols.
type Symbol struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Name      string          `json:"name" db:"name"`
	Exchange  string          `json:"exchange" db:"exchange"`
	AssetType string          `json:"asset_type" db:"asset_type"`
	Currency  string          `json:"currency" db:"currency"`
	LotSize   int64           `json:"lot_size" db:"lot_size"`
	TickSize  decimal.Decimal `json:"tick_size" db:"tick_size"`
	IsActive  bool            `json:"is_active" db:"is_active"`
}

// NewSymbol returns an active equity symbol with reference defaults.
func NewSymbol(symbol, name, exchange string) Symbol {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return Symbol{
		Symbol:    strings.ToUpper(symbol),
		Name:      name,
		Exchange:  exchange,
		AssetType: "STOCK",
		Currency:  "USD",
		LotSize:   1,
		TickSize:  decimal.RequireFromString("0.01"),
		IsActive:  true,
	}
}

// MarketSummary is the latest price and trailing 24h statistics for a symbol.
type MarketSummary struct {
	Symbol     string          `json:"symbol"`
	LastPrice  decimal.Decimal `json:"last_price"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Volume     int64           `json:"volume"`
	TradeCount int64           `json:"trade_count"`
	Change     decimal.Decimal `json:"change"`
	ChangePct  decimal.Decimal `json:"change_pct"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
