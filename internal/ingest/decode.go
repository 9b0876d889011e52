package ingest

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/finstream/internal/models"
)

// wireTime accepts ISO-8601 strings, with or without a zone, and Unix epoch
// numbers in seconds, milliseconds, microseconds or nanoseconds.
type wireTime struct{ time.Time }

var wireLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (w *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		for _, layout := range wireLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				w.Time = t.UTC()
				return nil
			}
		}
		return fmt.Errorf("timestamp: unrecognised format %q", s)
	}

	if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		w.Time = fromEpoch(n)
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	sec := math.Floor(f)
	w.Time = time.Unix(int64(sec), int64((f-sec)*1e9)).UTC().Truncate(time.Microsecond)
	return nil
}

// fromEpoch picks the unit from the magnitude of n.
func fromEpoch(n int64) time.Time {
	switch {
	case n > 1e17:
		return time.Unix(0, n).UTC()
	case n > 1e14:
		return time.UnixMicro(n).UTC()
	case n > 1e11:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}

type tradeMessage struct {
	Symbol    string          `json:"symbol"`
	Timestamp wireTime        `json:"timestamp"`
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Side      string          `json:"side"`
	Exchange  string          `json:"exchange"`
	TraceID   string          `json:"trace_id"`
}

type quoteMessage struct {
	Symbol    string          `json:"symbol"`
	Timestamp wireTime        `json:"timestamp"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidSize   int64           `json:"bid_size"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskSize   int64           `json:"ask_size"`
	Exchange  string          `json:"exchange"`
}

type alertMessage struct {
	AlertID   string         `json:"alert_id"`
	Timestamp wireTime       `json:"timestamp"`
	AlertType string         `json:"alert_type"`
	Symbol    string         `json:"symbol"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}

func exchangeOr(s string) string {
	if s == "" {
		return models.DefaultExchange
	}
	return s
}

// DecodeTrade parses and validates a trade payload.
func DecodeTrade(b []byte) (models.Trade, error) {
	var m tradeMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return models.Trade{}, fmt.Errorf("trade: %w", err)
	}
	t := models.Trade{
		Symbol:    strings.ToUpper(strings.TrimSpace(m.Symbol)),
		Timestamp: m.Timestamp.Time,
		TradeID:   m.TradeID,
		Price:     m.Price,
		Quantity:  m.Quantity,
		Side:      models.Side(strings.ToUpper(m.Side)),
		Exchange:  exchangeOr(m.Exchange),
		TraceID:   m.TraceID,
	}
	return t, t.Validate()
}

// DecodeQuote parses and validates a quote payload.
func DecodeQuote(b []byte) (models.Quote, error) {
	var m quoteMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return models.Quote{}, fmt.Errorf("quote: %w", err)
	}
	q := models.Quote{
		Symbol:    strings.ToUpper(strings.TrimSpace(m.Symbol)),
		Timestamp: m.Timestamp.Time,
		BidPrice:  m.BidPrice,
		BidSize:   m.BidSize,
		AskPrice:  m.AskPrice,
		AskSize:   m.AskSize,
		Exchange:  exchangeOr(m.Exchange),
	}
	return q, q.Validate()
}

// DecodeAlert parses and validates an alert payload.
func DecodeAlert(b []byte) (models.Alert, error) {
	var m alertMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return models.Alert{}, fmt.Errorf("alert: %w", err)
	}
	a := models.Alert{
		AlertID:   m.AlertID,
		Timestamp: m.Timestamp.Time,
		AlertType: models.AlertType(strings.ToUpper(m.AlertType)),
		Symbol:    strings.ToUpper(strings.TrimSpace(m.Symbol)),
		Severity:  models.Severity(strings.ToUpper(m.Severity)),
		Message:   m.Message,
		Details:   m.Details,
	}
	return a, a.Validate()
}
