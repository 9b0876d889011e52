// Package series describes time-chunked record series: their column schemas,
// chunk boundaries and the columnar layout of compressed chunks.
package series

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Name identifies a series.
type Name string

const (
	Trades       Name = "trades"
	Quotes       Name = "quotes"
	Candles      Name = "candles"
	Alerts       Name = "alerts"
	Transactions Name = "transactions"
)

// TimeColumn is the event-time column every series is chunked on.
const TimeColumn = "ts"

// Kind is the storage kind of a column.
type Kind int

const (
	KindInt Kind = iota
	KindText
	KindDecimal // text on the wire, NUMERIC where the dialect has it
)

// Column is a non-time column of a series.
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Schema is the column layout and key of a series.
type Schema struct {
	Name      Name
	Columns   []Column
	Key       []string // unique together with TimeColumn
	SegmentBy []string // low-cardinality grouping for compressed chunks
	Upsert    bool     // refresh non-key columns on key conflict
}

// Column returns the named column.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the time column followed by the declared columns.
func (s Schema) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns)+1)
	names = append(names, TimeColumn)
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

// ConflictColumns returns the full uniqueness key.
func (s Schema) ConflictColumns() []string {
	return append(append([]string{}, s.Key...), TimeColumn)
}

func (s Schema) isKey(name string) bool {
	if name == TimeColumn {
		return true
	}
	for _, k := range s.Key {
		if k == name {
			return true
		}
	}
	return false
}

// MutableColumns returns the columns an upsert refreshes.
func (s Schema) MutableColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if !s.isKey(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

var schemas = map[Name]Schema{
	Trades: {
		Name: Trades,
		Columns: []Column{
			{Name: "symbol", Kind: KindText},
			{Name: "trade_id", Kind: KindText},
			{Name: "price", Kind: KindDecimal},
			{Name: "quantity", Kind: KindInt},
			{Name: "side", Kind: KindText},
			{Name: "exchange", Kind: KindText},
			{Name: "trace_id", Kind: KindText, Nullable: true},
		},
		Key:       []string{"symbol", "trade_id"},
		SegmentBy: []string{"symbol"},
	},
	Quotes: {
		Name: Quotes,
		Columns: []Column{
			{Name: "symbol", Kind: KindText},
			{Name: "bid_price", Kind: KindDecimal},
			{Name: "bid_size", Kind: KindInt},
			{Name: "ask_price", Kind: KindDecimal},
			{Name: "ask_size", Kind: KindInt},
			{Name: "exchange", Kind: KindText},
		},
		Key:       []string{"symbol"},
		SegmentBy: []string{"symbol"},
	},
	Candles: {
		Name: Candles,
		Columns: []Column{
			{Name: "symbol", Kind: KindText},
			{Name: "resolution", Kind: KindText},
			{Name: "open", Kind: KindDecimal},
			{Name: "high", Kind: KindDecimal},
			{Name: "low", Kind: KindDecimal},
			{Name: "close", Kind: KindDecimal},
			{Name: "volume", Kind: KindInt},
			{Name: "trade_count", Kind: KindInt},
			{Name: "vwap", Kind: KindDecimal, Nullable: true},
		},
		Key:       []string{"symbol", "resolution"},
		SegmentBy: []string{"symbol", "resolution"},
		Upsert:    true,
	},
	Alerts: {
		Name: Alerts,
		Columns: []Column{
			{Name: "alert_id", Kind: KindText},
			{Name: "alert_type", Kind: KindText},
			{Name: "symbol", Kind: KindText},
			{Name: "severity", Kind: KindText},
			{Name: "message", Kind: KindText},
			{Name: "details", Kind: KindText, Nullable: true},
			{Name: "acknowledged", Kind: KindInt},
			{Name: "acknowledged_at", Kind: KindInt, Nullable: true},
			{Name: "acknowledged_by", Kind: KindText, Nullable: true},
		},
		Key:       []string{"alert_id"},
		SegmentBy: []string{"symbol"},
	},
	Transactions: {
		Name: Transactions,
		Columns: []Column{
			{Name: "id", Kind: KindText},
			{Name: "portfolio_id", Kind: KindText},
			{Name: "symbol", Kind: KindText},
			{Name: "type", Kind: KindText},
			{Name: "quantity", Kind: KindDecimal},
			{Name: "price", Kind: KindDecimal},
			{Name: "total_amount", Kind: KindDecimal},
			{Name: "fees", Kind: KindDecimal},
			{Name: "realized_pnl", Kind: KindDecimal},
			{Name: "notes", Kind: KindText, Nullable: true},
		},
		Key:       []string{"id"},
		SegmentBy: []string{"portfolio_id"},
	},
}

// SchemaOf returns the schema of a known series.
func SchemaOf(name Name) (Schema, error) {
	s, ok := schemas[name]
	if !ok {
		return Schema{}, fmt.Errorf("unknown series %q", name)
	}
	return s, nil
}

// All returns every series name in a stable order.
func All() []Name {
	return []Name{Trades, Quotes, Candles, Alerts, Transactions}
}

// Policy holds the chunking and lifecycle horizons of a series.
// Zero Retention or CompressAfter disables that pass.
type Policy struct {
	ChunkWidth    time.Duration
	Retention     time.Duration
	CompressAfter time.Duration
}

// Row is a schema-shaped record. Values hold int64, string or nil.
type Row struct {
	Time   time.Time
	Values map[string]any
}

// NewRow allocates a row at ts.
func NewRow(ts time.Time) Row {
	return Row{Time: ts.UTC(), Values: make(map[string]any)}
}

// Int returns an int column, zero when null.
func (r Row) Int(col string) int64 {
	v, _ := r.Values[col].(int64)
	return v
}

// Text returns a text column, empty when null.
func (r Row) Text(col string) string {
	v, _ := r.Values[col].(string)
	return v
}

// IsNull reports whether the column holds no value.
func (r Row) IsNull(col string) bool {
	return r.Values[col] == nil
}

// Matches reports whether every filter equals the row's text value.
func (r Row) Matches(filters map[string]string) bool {
	for col, want := range filters {
		if r.Text(col) != want {
			return false
		}
	}
	return true
}

// Order is the timestamp ordering of query results.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Query selects rows of one series in [From, To). A zero bound is open.
type Query struct {
	Series  Name
	Filters map[string]string
	From    time.Time
	To      time.Time
	Order   Order
	Limit   int
}

// Bounds returns the query range as Unix nanoseconds, open ends widened to the int64 range.
func (q Query) Bounds() (int64, int64) {
	from, to := int64(math.MinInt64), int64(math.MaxInt64)
	if !q.From.IsZero() {
		from = q.From.UnixNano()
	}
	if !q.To.IsZero() {
		to = q.To.UnixNano()
	}
	return from, to
}

// Contains reports whether a row time falls in the query range.
func (q Query) Contains(t time.Time) bool {
	from, to := q.Bounds()
	n := t.UnixNano()
	return n >= from && n < to
}

// SortRows orders rows by time, breaking ties on the key columns ascending.
func SortRows(schema Schema, rows []Row, order Order) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Time.Equal(b.Time) {
			if order == Descending {
				return a.Time.After(b.Time)
			}
			return a.Time.Before(b.Time)
		}
		for _, k := range schema.Key {
			if c := strings.Compare(fmt.Sprint(a.Values[k]), fmt.Sprint(b.Values[k])); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// AppendResult counts the outcome of an append. Duplicates were absorbed by the
// uniqueness key; Rejected rows targeted a compressed or expired chunk.
type AppendResult struct {
	Inserted   int
	Duplicates int
	Rejected   int
}

// Add accumulates another result.
func (r *AppendResult) Add(o AppendResult) {
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Rejected += o.Rejected
}

// CompressResult describes a chunk conversion to the columnar layout.
type CompressResult struct {
	Rows          int64
	Segments      int
	RawBytes      int64
	CompressedLen int64
}
