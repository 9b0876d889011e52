package sqlstore

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

// --- Trades ---

func tradeRow(t models.Trade) series.Row {
	r := series.NewRow(t.Timestamp)
	r.Values["symbol"] = t.Symbol
	r.Values["trade_id"] = t.TradeID
	r.Values["price"] = t.Price.String()
	r.Values["quantity"] = t.Quantity
	r.Values["side"] = string(t.Side)
	r.Values["exchange"] = t.Exchange
	r.Values["trace_id"] = nullText(t.TraceID)
	return r
}

func rowTrade(r series.Row) (models.Trade, error) {
	price, err := decimal.NewFromString(r.Text("price"))
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade %s: bad price: %w", r.Text("trade_id"), err)
	}
	return models.Trade{
		Symbol:    r.Text("symbol"),
		Timestamp: r.Time,
		TradeID:   r.Text("trade_id"),
		Price:     price,
		Quantity:  r.Int("quantity"),
		Side:      models.Side(r.Text("side")),
		Exchange:  r.Text("exchange"),
		TraceID:   r.Text("trace_id"),
	}, nil
}

// AppendTrades stores trades. Redelivered trades are absorbed as duplicates.
func (s *Store) AppendTrades(ctx context.Context, trades []models.Trade) (series.AppendResult, error) {
	rows := make([]series.Row, len(trades))
	for i, t := range trades {
		rows[i] = tradeRow(t)
	}
	return s.Append(ctx, series.Trades, rows)
}

// QueryTrades reads trades of symbol (all symbols when empty) in [from, to).
func (s *Store) QueryTrades(ctx context.Context, symbol string, from, to time.Time, order series.Order, limit int) ([]models.Trade, error) {
	rows, err := s.QueryRange(ctx, series.Query{
		Series: series.Trades, Filters: symbolFilter(symbol), From: from, To: to, Order: order, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Trade, 0, len(rows))
	for _, r := range rows {
		t, err := rowTrade(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// --- Quotes ---

func quoteRow(q models.Quote) series.Row {
	r := series.NewRow(q.Timestamp)
	r.Values["symbol"] = q.Symbol
	r.Values["bid_price"] = q.BidPrice.String()
	r.Values["bid_size"] = q.BidSize
	r.Values["ask_price"] = q.AskPrice.String()
	r.Values["ask_size"] = q.AskSize
	r.Values["exchange"] = q.Exchange
	return r
}

func rowQuote(r series.Row) (models.Quote, error) {
	bid, err := decimal.NewFromString(r.Text("bid_price"))
	if err != nil {
		return models.Quote{}, fmt.Errorf("quote %s: bad bid: %w", r.Text("symbol"), err)
	}
	ask, err := decimal.NewFromString(r.Text("ask_price"))
	if err != nil {
		return models.Quote{}, fmt.Errorf("quote %s: bad ask: %w", r.Text("symbol"), err)
	}
	return models.Quote{
		Symbol:    r.Text("symbol"),
		Timestamp: r.Time,
		BidPrice:  bid,
		BidSize:   r.Int("bid_size"),
		AskPrice:  ask,
		AskSize:   r.Int("ask_size"),
		Exchange:  r.Text("exchange"),
	}, nil
}

// AppendQuotes stores quotes; one quote per symbol and timestamp is kept.
func (s *Store) AppendQuotes(ctx context.Context, quotes []models.Quote) (series.AppendResult, error) {
	rows := make([]series.Row, len(quotes))
	for i, q := range quotes {
		rows[i] = quoteRow(q)
	}
	return s.Append(ctx, series.Quotes, rows)
}

func (s *Store) QueryQuotes(ctx context.Context, symbol string, from, to time.Time, order series.Order, limit int) ([]models.Quote, error) {
	rows, err := s.QueryRange(ctx, series.Query{
		Series: series.Quotes, Filters: symbolFilter(symbol), From: from, To: to, Order: order, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Quote, 0, len(rows))
	for _, r := range rows {
		q, err := rowQuote(r)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// --- Candles ---

func candleRow(c models.Candle) series.Row {
	r := series.NewRow(c.Timestamp)
	r.Values["symbol"] = c.Symbol
	r.Values["resolution"] = string(c.Interval)
	r.Values["open"] = c.Open.String()
	r.Values["high"] = c.High.String()
	r.Values["low"] = c.Low.String()
	r.Values["close"] = c.Close.String()
	r.Values["volume"] = c.Volume
	r.Values["trade_count"] = c.TradeCount
	if c.VWAP.Valid {
		r.Values["vwap"] = c.VWAP.Decimal.String()
	} else {
		r.Values["vwap"] = nil
	}
	return r
}

func rowCandle(r series.Row) (models.Candle, error) {
	c := models.Candle{
		Symbol:     r.Text("symbol"),
		Interval:   models.Interval(r.Text("resolution")),
		Timestamp:  r.Time,
		Volume:     r.Int("volume"),
		TradeCount: r.Int("trade_count"),
	}
	for col, dst := range map[string]*decimal.Decimal{
		"open": &c.Open, "high": &c.High, "low": &c.Low, "close": &c.Close,
	} {
		d, err := decimal.NewFromString(r.Text(col))
		if err != nil {
			return models.Candle{}, fmt.Errorf("candle %s %s: bad %s: %w", c.Symbol, c.Interval, col, err)
		}
		*dst = d
	}
	if !r.IsNull("vwap") {
		d, err := decimal.NewFromString(r.Text("vwap"))
		if err != nil {
			return models.Candle{}, fmt.Errorf("candle %s %s: bad vwap: %w", c.Symbol, c.Interval, err)
		}
		c.VWAP = decimal.NewNullDecimal(d)
	}
	return c, nil
}

// AppendCandles upserts candles; a recomputed bucket replaces the stored one.
func (s *Store) AppendCandles(ctx context.Context, candles []models.Candle) (series.AppendResult, error) {
	rows := make([]series.Row, len(candles))
	for i, c := range candles {
		rows[i] = candleRow(c)
	}
	return s.Append(ctx, series.Candles, rows)
}

func (s *Store) QueryCandles(ctx context.Context, symbol string, interval models.Interval, from, to time.Time, order series.Order, limit int) ([]models.Candle, error) {
	filters := symbolFilter(symbol)
	if filters == nil {
		filters = map[string]string{}
	}
	filters["resolution"] = string(interval)

	rows, err := s.QueryRange(ctx, series.Query{
		Series: series.Candles, Filters: filters, From: from, To: to, Order: order, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		c, err := rowCandle(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- Alerts ---

func alertRow(a models.Alert) (series.Row, error) {
	r := series.NewRow(a.Timestamp)
	r.Values["alert_id"] = a.AlertID
	r.Values["alert_type"] = string(a.AlertType)
	r.Values["symbol"] = a.Symbol
	r.Values["severity"] = string(a.Severity)
	r.Values["message"] = a.Message
	r.Values["details"] = nil
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return r, fmt.Errorf("alert %s: failed to marshal details: %w", a.AlertID, err)
		}
		r.Values["details"] = string(b)
	}
	r.Values["acknowledged"] = int64(0)
	if a.Acknowledged {
		r.Values["acknowledged"] = int64(1)
	}
	r.Values["acknowledged_at"] = nil
	if a.AcknowledgedAt != nil {
		r.Values["acknowledged_at"] = a.AcknowledgedAt.UnixNano()
	}
	r.Values["acknowledged_by"] = nullText(a.AcknowledgedBy)
	return r, nil
}

func rowAlert(r series.Row) (models.Alert, error) {
	a := models.Alert{
		AlertID:        r.Text("alert_id"),
		Timestamp:      r.Time,
		AlertType:      models.AlertType(r.Text("alert_type")),
		Symbol:         r.Text("symbol"),
		Severity:       models.Severity(r.Text("severity")),
		Message:        r.Text("message"),
		Acknowledged:   r.Int("acknowledged") != 0,
		AcknowledgedBy: r.Text("acknowledged_by"),
	}
	if !r.IsNull("details") {
		if err := json.Unmarshal([]byte(r.Text("details")), &a.Details); err != nil {
			return models.Alert{}, fmt.Errorf("alert %s: bad details: %w", a.AlertID, err)
		}
	}
	if !r.IsNull("acknowledged_at") {
		t := time.Unix(0, r.Int("acknowledged_at")).UTC()
		a.AcknowledgedAt = &t
	}
	return a, nil
}

// AppendAlerts stores alerts keyed by alert_id and timestamp.
func (s *Store) AppendAlerts(ctx context.Context, alerts []models.Alert) (series.AppendResult, error) {
	rows := make([]series.Row, 0, len(alerts))
	for _, a := range alerts {
		r, err := alertRow(a)
		if err != nil {
			return series.AppendResult{}, err
		}
		rows = append(rows, r)
	}
	return s.Append(ctx, series.Alerts, rows)
}

// QueryAlerts returns alerts newest first.
func (s *Store) QueryAlerts(ctx context.Context, symbol string, from, to time.Time, limit int) ([]models.Alert, error) {
	rows, err := s.QueryRange(ctx, series.Query{
		Series: series.Alerts, Filters: symbolFilter(symbol), From: from, To: to, Order: series.Descending, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Alert, 0, len(rows))
	for _, r := range rows {
		a, err := rowAlert(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func symbolFilter(symbol string) map[string]string {
	if symbol == "" {
		return nil
	}
	return map[string]string{"symbol": symbol}
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
