// Package query serves the read-only projections over market data and
// portfolios. Hot market reads go through an optional cache-aside layer.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/metrics"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
	"github.com/bobmcallan/finstream/internal/services/aggregation"
)

const (
	defaultTradeLimit       = 100
	defaultAlertLimit       = 50
	defaultTransactionLimit = 50
	defaultLeaderboardLimit = 10
	maxLimit                = 1000

	summaryWindow = 24 * time.Hour
)

var hundred = decimal.NewFromInt(100)

// Service implements interfaces.QueryService.
type Service struct {
	market  interfaces.MarketStore
	symbols interfaces.SymbolStore
	ledger  interfaces.LedgerStore
	cache   interfaces.Cache // nil disables caching

	quoteTTL   time.Duration
	candleTTL  time.Duration
	summaryTTL time.Duration

	logger  *common.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a query service. cache may be nil.
func NewService(storage interfaces.StorageManager, cache interfaces.Cache, config common.CacheConfig, logger *common.Logger, m *metrics.Metrics) *Service {
	return &Service{
		market:     storage.MarketStore(),
		symbols:    storage.SymbolStore(),
		ledger:     storage.LedgerStore(),
		cache:      cache,
		quoteTTL:   config.GetQuoteTTL(),
		candleTTL:  config.GetCandleTTL(),
		summaryTTL: config.GetSummaryTTL(),
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// cached reads key from the cache, falling back to load and storing its
// result. Cache failures degrade to a direct load.
func cached[T any](ctx context.Context, s *Service, kind, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if s.cache != nil {
		var v T
		hit, err := s.cache.Get(ctx, key, &v)
		if err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("Cache read failed")
		} else if hit {
			s.metrics.RecordCache(kind, true)
			return v, nil
		}
		s.metrics.RecordCache(kind, false)
	}

	v, err := load()
	if err != nil {
		return v, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, v, ttl); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("Cache write failed")
		}
	}
	return v, nil
}

// LatestQuote returns the most recent quote of symbol.
func (s *Service) LatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	symbol = strings.ToUpper(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", common.ErrInvalidArgument)
	}

	q, err := cached(ctx, s, "quote", "quote:"+symbol, s.quoteTTL, func() (models.Quote, error) {
		quotes, err := s.market.QueryQuotes(ctx, symbol, time.Time{}, time.Time{}, series.Descending, 1)
		if err != nil {
			return models.Quote{}, err
		}
		if len(quotes) == 0 {
			return models.Quote{}, fmt.Errorf("%w: no quote for %s", common.ErrNotFound, symbol)
		}
		return quotes[0], nil
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// RecentTrades returns the newest trades of symbol, newest first.
func (s *Service) RecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	symbol = strings.ToUpper(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", common.ErrInvalidArgument)
	}
	return s.market.QueryTrades(ctx, symbol, time.Time{}, time.Time{}, series.Descending, clampLimit(limit, defaultTradeLimit))
}

// Candles returns the candles of symbol at interval in [start, end), oldest first.
func (s *Service) Candles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, limit int) ([]models.Candle, error) {
	symbol = strings.ToUpper(symbol)
	switch {
	case symbol == "":
		return nil, fmt.Errorf("%w: symbol is required", common.ErrInvalidArgument)
	case !interval.Valid():
		return nil, fmt.Errorf("%w: interval %q", common.ErrInvalidArgument, interval)
	case !start.IsZero() && !end.IsZero() && !start.Before(end):
		return nil, fmt.Errorf("%w: start must be before end", common.ErrInvalidArgument)
	}
	limit = clampLimit(limit, maxLimit)

	key := fmt.Sprintf("candles:%s:%s:%d:%d:%d", symbol, interval, unixOrZero(start), unixOrZero(end), limit)
	return cached(ctx, s, "candles", key, s.candleTTL, func() ([]models.Candle, error) {
		out, err := s.market.QueryCandles(ctx, symbol, interval, start, end, series.Ascending, limit)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = []models.Candle{}
		}
		return out, nil
	})
}

// MarketSummary returns the last price and trailing 24h statistics of every
// active symbol that traded in the window, merged from 1m candles.
func (s *Service) MarketSummary(ctx context.Context) ([]models.MarketSummary, error) {
	return cached(ctx, s, "summary", "summary", s.summaryTTL, func() ([]models.MarketSummary, error) {
		symbols, err := s.symbols.ListSymbols(ctx, true)
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		from := now.Add(-summaryWindow)
		out := make([]models.MarketSummary, 0, len(symbols))
		for _, sym := range symbols {
			candles, err := s.market.QueryCandles(ctx, sym.Symbol, models.Interval1m, from, now, series.Ascending, 0)
			if err != nil {
				return nil, fmt.Errorf("summary of %s: %w", sym.Symbol, err)
			}
			if len(candles) == 0 {
				continue
			}

			day := aggregation.Merge(models.Interval1d, from, candles)
			change := day.Close.Sub(day.Open)
			pct := decimal.Zero
			if !day.Open.IsZero() {
				pct = change.Div(day.Open).Mul(hundred).Round(4)
			}
			out = append(out, models.MarketSummary{
				Symbol:     sym.Symbol,
				LastPrice:  day.Close,
				Open:       day.Open,
				High:       day.High,
				Low:        day.Low,
				Volume:     day.Volume,
				TradeCount: day.TradeCount,
				Change:     change,
				ChangePct:  pct,
				UpdatedAt:  candles[len(candles)-1].BucketEnd(),
			})
		}
		return out, nil
	})
}

// RecentAlerts returns the newest alerts, for one symbol or all when symbol is empty.
func (s *Service) RecentAlerts(ctx context.Context, symbol string, limit int) ([]models.Alert, error) {
	return s.market.QueryAlerts(ctx, strings.ToUpper(symbol), time.Time{}, time.Time{}, clampLimit(limit, defaultAlertLimit))
}

// PortfolioSummary values a portfolio at the supplied prices. Holdings without
// a price are carried at cost with zero unrealized P&L.
func (s *Service) PortfolioSummary(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) (*models.PortfolioSummary, error) {
	p, err := s.ledger.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.ledger.ListHoldings(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	summary := summarise(*p, holdings, prices)
	return &summary, nil
}

func summarise(p models.Portfolio, holdings []models.Holding, prices map[string]decimal.Decimal) models.PortfolioSummary {
	sum := models.PortfolioSummary{
		Portfolio:     p,
		Holdings:      make([]models.HoldingSummary, 0, len(holdings)),
		Cash:          p.CurrentCash,
		HoldingsValue: decimal.Zero,
		TotalCost:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}

	for _, h := range holdings {
		hs := models.HoldingSummary{
			Holding:          h,
			MarketValue:      h.TotalCost,
			UnrealizedPnL:    decimal.Zero,
			UnrealizedPnLPct: decimal.Zero,
		}
		if price, ok := prices[h.Symbol]; ok {
			hs.Priced = true
			hs.CurrentPrice = price
			hs.MarketValue = h.Quantity.Mul(price)
			hs.UnrealizedPnL = hs.MarketValue.Sub(h.TotalCost)
			if !h.TotalCost.IsZero() {
				hs.UnrealizedPnLPct = hs.UnrealizedPnL.Div(h.TotalCost).Mul(hundred).Round(2)
			}
		}

		sum.HoldingsValue = sum.HoldingsValue.Add(hs.MarketValue)
		sum.TotalCost = sum.TotalCost.Add(h.TotalCost)
		sum.UnrealizedPnL = sum.UnrealizedPnL.Add(hs.UnrealizedPnL)
		sum.Holdings = append(sum.Holdings, hs)
	}

	sum.TotalValue = sum.Cash.Add(sum.HoldingsValue)
	sum.ReturnPct = returnPct(sum.TotalValue, p.InitialCash)
	return sum
}

// Leaderboard ranks public portfolios by total value at the supplied prices,
// breaking ties on portfolio id.
func (s *Service) Leaderboard(ctx context.Context, limit int, prices map[string]decimal.Decimal) ([]models.LeaderboardEntry, error) {
	portfolios, err := s.ledger.ListPortfolios(ctx, true)
	if err != nil {
		return nil, err
	}

	entries := make([]models.LeaderboardEntry, 0, len(portfolios))
	for _, p := range portfolios {
		holdings, err := s.ledger.ListHoldings(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		sum := summarise(p, holdings, prices)
		entries = append(entries, models.LeaderboardEntry{
			PortfolioID:   p.ID,
			PortfolioName: p.Name,
			UserID:        p.UserID,
			TotalValue:    sum.TotalValue,
			InitialValue:  p.InitialCash,
			ReturnPct:     sum.ReturnPct,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].TotalValue.Cmp(entries[j].TotalValue); c != 0 {
			return c > 0
		}
		return entries[i].PortfolioID < entries[j].PortfolioID
	})

	limit = clampLimit(limit, defaultLeaderboardLimit)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// Transactions returns a portfolio's transaction log, newest first.
func (s *Service) Transactions(ctx context.Context, portfolioID string, limit int) ([]models.Transaction, error) {
	if _, err := s.ledger.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	return s.ledger.ListTransactions(ctx, portfolioID, time.Time{}, time.Time{}, series.Descending, clampLimit(limit, defaultTransactionLimit))
}

func returnPct(total, initial decimal.Decimal) decimal.Decimal {
	if initial.IsZero() {
		return decimal.Zero
	}
	return total.Sub(initial).Div(initial).Mul(hundred).Round(2)
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Compile-time check
var _ interfaces.QueryService = (*Service)(nil)
