package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/finstream/internal/models"
	"github.com/shopspring/decimal"
)

// AggregationService derives candles through the rollup cascade
type AggregationService interface {
	// RefreshLevel recomputes the trailing window of one level for every active symbol.
	// A failure for some symbols is returned as a *common.PartialFailureError.
	RefreshLevel(ctx context.Context, interval models.Interval, now time.Time) (models.RefreshStats, error)

	// Levels returns the configured cascade, finest first.
	Levels() []models.Interval
}

// RetentionService drops chunks past their series retention horizon
type RetentionService interface {
	Run(ctx context.Context, now time.Time) (models.RetentionStats, error)
}

// CompressionService converts aged chunks to the columnar layout
type CompressionService interface {
	Run(ctx context.Context, now time.Time) (models.CompressionStats, error)
}

// LedgerService executes paper trades atomically per portfolio
type LedgerService interface {
	CreatePortfolio(ctx context.Context, userID, name string, initialCash decimal.Decimal, isPublic bool) (*models.Portfolio, error)
	ExecuteBuy(ctx context.Context, req models.TradeRequest) (*models.BuyResult, error)
	ExecuteSell(ctx context.Context, req models.TradeRequest) (*models.SellResult, error)

	// Reconcile replays the transaction log and compares it to the stored holdings and cash.
	Reconcile(ctx context.Context, portfolioID string) (*models.Reconciliation, error)
	ReconcileAll(ctx context.Context) (models.ReconcileStats, error)
}

// QueryService exposes the read-only projections used by the API layer
type QueryService interface {
	LatestQuote(ctx context.Context, symbol string) (*models.Quote, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)
	Candles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, limit int) ([]models.Candle, error)
	MarketSummary(ctx context.Context) ([]models.MarketSummary, error)
	RecentAlerts(ctx context.Context, symbol string, limit int) ([]models.Alert, error)

	PortfolioSummary(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) (*models.PortfolioSummary, error)
	Leaderboard(ctx context.Context, limit int, prices map[string]decimal.Decimal) ([]models.LeaderboardEntry, error)
	Transactions(ctx context.Context, portfolioID string, limit int) ([]models.Transaction, error)
}
