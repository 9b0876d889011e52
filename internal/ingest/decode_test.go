package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/finstream/internal/models"
)

func TestDecodeTrade_TimestampFormats(t *testing.T) {
	want := time.Date(2024, 3, 1, 9, 30, 15, 250_000_000, time.UTC)

	tests := []struct {
		name string
		ts   string
	}{
		{"rfc3339 utc", `"2024-03-01T09:30:15.25Z"`},
		{"rfc3339 offset", `"2024-03-01T19:30:15.25+10:00"`},
		{"naive iso", `"2024-03-01T09:30:15.250"`},
		{"space separated", `"2024-03-01 09:30:15.25"`},
		{"unix seconds", `1709285415.25`},
		{"unix millis", `1709285415250`},
		{"unix micros", `1709285415250000`},
		{"unix nanos", `1709285415250000000`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := `{"symbol":"aapl","timestamp":` + tt.ts + `,"trade_id":"T-1","price":"101.25","quantity":10,"side":"buy"}`
			tr, err := DecodeTrade([]byte(payload))
			require.NoError(t, err)
			assert.True(t, want.Equal(tr.Timestamp), "got %s", tr.Timestamp)
		})
	}
}

func TestDecodeTrade_Normalises(t *testing.T) {
	tr, err := DecodeTrade([]byte(`{"symbol":" msft ","timestamp":"2024-03-01T09:30:00Z","trade_id":"T-9","price":402.5,"quantity":3,"side":"sell"}`))
	require.NoError(t, err)

	assert.Equal(t, "MSFT", tr.Symbol)
	assert.Equal(t, models.SideSell, tr.Side)
	assert.Equal(t, models.DefaultExchange, tr.Exchange)
	assert.Equal(t, "402.5", tr.Price.String())
}

func TestDecodeTrade_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"symbol":`},
		{"missing trade id", `{"symbol":"AAPL","timestamp":"2024-03-01T09:30:00Z","price":"1","quantity":1,"side":"BUY"}`},
		{"zero price", `{"symbol":"AAPL","timestamp":"2024-03-01T09:30:00Z","trade_id":"T","price":"0","quantity":1,"side":"BUY"}`},
		{"bad side", `{"symbol":"AAPL","timestamp":"2024-03-01T09:30:00Z","trade_id":"T","price":"1","quantity":1,"side":"HOLD"}`},
		{"bad timestamp", `{"symbol":"AAPL","timestamp":"yesterday","trade_id":"T","price":"1","quantity":1,"side":"BUY"}`},
		{"missing timestamp", `{"symbol":"AAPL","trade_id":"T","price":"1","quantity":1,"side":"BUY"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTrade([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestDecodeQuote(t *testing.T) {
	q, err := DecodeQuote([]byte(`{"symbol":"aapl","timestamp":"2024-03-01T09:30:00Z","bid_price":"100.10","bid_size":200,"ask_price":"100.20","ask_size":100,"exchange":"NYSE"}`))
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, "NYSE", q.Exchange)
	assert.Equal(t, "100.15", q.MidPrice().String())

	_, err = DecodeQuote([]byte(`{"symbol":"AAPL","timestamp":"2024-03-01T09:30:00Z","bid_price":"100.30","bid_size":1,"ask_price":"100.20","ask_size":1}`))
	assert.Error(t, err, "crossed book")
}

func TestDecodeAlert(t *testing.T) {
	a, err := DecodeAlert([]byte(`{"alert_id":"A-1","timestamp":"2024-03-01T09:30:00Z","alert_type":"price_spike","symbol":"aapl","severity":"high","message":"jump","details":{"z_score":4.2}}`))
	require.NoError(t, err)
	assert.Equal(t, models.AlertPriceSpike, a.AlertType)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.Equal(t, "AAPL", a.Symbol)
	assert.Equal(t, 4.2, a.Details["z_score"])

	_, err = DecodeAlert([]byte(`{"alert_id":"A-2","timestamp":"2024-03-01T09:30:00Z","alert_type":"weird","severity":"HIGH"}`))
	assert.Error(t, err)
}
