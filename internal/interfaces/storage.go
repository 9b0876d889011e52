// Package interfaces defines storage and service contracts for finstream
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
	"github.com/shopspring/decimal"
)

// StorageManager coordinates the SQL substrate behind the series and ledger stores
type StorageManager interface {
	SeriesStore() SeriesStore
	MarketStore() MarketStore
	SymbolStore() SymbolStore
	LedgerStore() LedgerStore

	// Ping returns ErrStorageUnavailable when the substrate cannot be reached.
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SeriesStore is schema-generic, time-chunked storage.
type SeriesStore interface {
	// Append inserts rows, absorbing duplicates on the series key. Candle rows
	// refresh the stored bucket instead.
	Append(ctx context.Context, name series.Name, rows []series.Row) (series.AppendResult, error)

	// QueryRange reads rows ordered by time, touching only chunks that overlap the range.
	QueryRange(ctx context.Context, q series.Query) ([]series.Row, error)

	// Chunk catalog maintenance
	ListChunks(ctx context.Context, name series.Name) ([]series.Chunk, error)
	DropChunk(ctx context.Context, chunk series.Chunk) (int64, error)
	CompressChunk(ctx context.Context, chunk series.Chunk) (*series.CompressResult, error)

	Policy(name series.Name) series.Policy
}

// MarketStore offers typed access to the market event series.
type MarketStore interface {
	AppendTrades(ctx context.Context, trades []models.Trade) (series.AppendResult, error)
	AppendQuotes(ctx context.Context, quotes []models.Quote) (series.AppendResult, error)
	AppendCandles(ctx context.Context, candles []models.Candle) (series.AppendResult, error)
	AppendAlerts(ctx context.Context, alerts []models.Alert) (series.AppendResult, error)

	QueryTrades(ctx context.Context, symbol string, from, to time.Time, order series.Order, limit int) ([]models.Trade, error)
	QueryQuotes(ctx context.Context, symbol string, from, to time.Time, order series.Order, limit int) ([]models.Quote, error)
	QueryCandles(ctx context.Context, symbol string, interval models.Interval, from, to time.Time, order series.Order, limit int) ([]models.Candle, error)
	QueryAlerts(ctx context.Context, symbol string, from, to time.Time, limit int) ([]models.Alert, error)
}

// SymbolStore manages the symbol reference table.
type SymbolStore interface {
	UpsertSymbol(ctx context.Context, sym models.Symbol) error
	GetSymbol(ctx context.Context, symbol string) (*models.Symbol, error)
	ListSymbols(ctx context.Context, activeOnly bool) ([]models.Symbol, error)
}

// LedgerStore manages portfolios, holdings and the transaction log.
type LedgerStore interface {
	CreatePortfolio(ctx context.Context, p *models.Portfolio) error
	GetPortfolio(ctx context.Context, id string) (*models.Portfolio, error)
	ListPortfolios(ctx context.Context, publicOnly bool) ([]models.Portfolio, error)
	ListHoldings(ctx context.Context, portfolioID string) ([]models.Holding, error)
	ListTransactions(ctx context.Context, portfolioID string, from, to time.Time, order series.Order, limit int) ([]models.Transaction, error)

	// WithPortfolioTx runs fn inside one database transaction holding the
	// portfolio row lock. Any error from fn rolls back every change.
	WithPortfolioTx(ctx context.Context, portfolioID string, fn func(tx LedgerTx) error) error
}

// LedgerTx is the set of reads and writes allowed inside a portfolio transaction.
type LedgerTx interface {
	// Portfolio returns the locked portfolio row as read at transaction start.
	Portfolio() models.Portfolio

	Symbol(ctx context.Context, symbol string) (*models.Symbol, error)
	// Holding returns nil, nil when the portfolio holds none of symbol.
	Holding(ctx context.Context, symbol string) (*models.Holding, error)
	SaveHolding(ctx context.Context, h models.Holding) error
	DeleteHolding(ctx context.Context, symbol string) error
	UpdateCash(ctx context.Context, cash decimal.Decimal, lastTradeAt time.Time) error
	AppendTransaction(ctx context.Context, txn models.Transaction) error
}

// JobRunStore journals background pass executions.
type JobRunStore interface {
	Record(ctx context.Context, run *models.JobRun) error
	ListRuns(ctx context.Context, jobType string, limit int) ([]models.JobRun, error)
	LastRun(ctx context.Context, jobType, scope string) (*models.JobRun, error)
	Close() error
}

// Cache is a best-effort read-through cache for query results.
type Cache interface {
	// Get decodes the cached value into dest and reports whether it was present.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
