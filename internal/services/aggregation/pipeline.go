// Package aggregation derives OHLCV candles through a cascade of resolutions.
// The finest level is rolled up from raw trades; every other level reads only
// the candles of the level before it.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/metrics"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

// Level is one resolution of the cascade and the trailing window it recomputes.
type Level struct {
	Interval models.Interval
	Window   time.Duration
}

// LevelsFromConfig parses the [aggregation] levels.
func LevelsFromConfig(cfg common.AggregationConfig) ([]Level, error) {
	levels := make([]Level, 0, len(cfg.Levels))
	for _, l := range cfg.Levels {
		iv, err := models.ParseInterval(l.Interval)
		if err != nil {
			return nil, err
		}
		levels = append(levels, Level{Interval: iv, Window: l.GetRefreshWindow()})
	}
	return levels, nil
}

// Pipeline implements interfaces.AggregationService.
type Pipeline struct {
	market      interfaces.MarketStore
	symbols     interfaces.SymbolStore
	levels      []Level
	concurrency int
	logger      *common.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	lastBucket map[models.Interval]time.Time
}

// NewPipeline validates the cascade: levels are finest first and each bucket
// width is a whole multiple of the previous one.
func NewPipeline(storage interfaces.StorageManager, levels []Level, concurrency int, logger *common.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: no aggregation levels", common.ErrInvalidArgument)
	}
	for i, l := range levels {
		if !l.Interval.Valid() {
			return nil, fmt.Errorf("%w: interval %q", common.ErrInvalidArgument, l.Interval)
		}
		if l.Window < l.Interval.Duration() {
			return nil, fmt.Errorf("%w: %s refresh window %s shorter than one bucket", common.ErrInvalidArgument, l.Interval, l.Window)
		}
		if i == 0 {
			continue
		}
		prev, cur := levels[i-1].Interval.Duration(), l.Interval.Duration()
		if cur <= prev || cur%prev != 0 {
			return nil, fmt.Errorf("%w: %s cannot roll up from %s", common.ErrInvalidArgument, l.Interval, levels[i-1].Interval)
		}
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Pipeline{
		market:      storage.MarketStore(),
		symbols:     storage.SymbolStore(),
		levels:      levels,
		concurrency: concurrency,
		logger:      logger,
		metrics:     m,
		lastBucket:  make(map[models.Interval]time.Time),
	}, nil
}

// Levels returns the cascade, finest first.
func (p *Pipeline) Levels() []models.Interval {
	out := make([]models.Interval, len(p.levels))
	for i, l := range p.levels {
		out[i] = l.Interval
	}
	return out
}

func (p *Pipeline) level(interval models.Interval) (int, bool) {
	for i, l := range p.levels {
		if l.Interval == interval {
			return i, true
		}
	}
	return 0, false
}

// Window returns the trailing window of a level, zero when it is not configured.
func (p *Pipeline) Window(interval models.Interval) time.Duration {
	if i, ok := p.level(interval); ok {
		return p.levels[i].Window
	}
	return 0
}

// RefreshLevel recomputes every bucket of interval overlapping the trailing
// window ending at now, for every active symbol. Symbols are refreshed
// concurrently and independently; failed symbols are reported in a
// *common.PartialFailureError and picked up again on the next refresh.
func (p *Pipeline) RefreshLevel(ctx context.Context, interval models.Interval, now time.Time) (models.RefreshStats, error) {
	stats := models.RefreshStats{Interval: interval}

	idx, ok := p.level(interval)
	if !ok {
		return stats, fmt.Errorf("%w: interval %s is not an aggregation level", common.ErrInvalidArgument, interval)
	}
	lvl := p.levels[idx]

	from := interval.BucketStart(now.Add(-lvl.Window))
	to := interval.BucketStart(now).Add(interval.Duration())

	symbols, err := p.symbols.ListSymbols(ctx, true)
	if err != nil {
		return stats, fmt.Errorf("failed to list symbols: %w", err)
	}
	stats.Symbols = len(symbols)

	start := time.Now()
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		candles  int
	)

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, sym := range symbols {
		symbol := sym.Symbol
		g.Go(func() error {
			n, err := p.refreshSymbol(ctx, idx, symbol, from, to)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[symbol] = err
				return nil
			}
			candles += n
			return nil
		})
	}
	g.Wait()

	stats.Candles = candles
	stats.Failed = len(failures)
	elapsed := time.Since(start)
	p.metrics.RecordRefresh(string(interval), elapsed, candles, len(failures))

	if len(failures) > 0 {
		perr := &common.PartialFailureError{Scope: "aggregate " + string(interval), Failures: failures}
		p.logger.Warn().
			Str("interval", string(interval)).
			Int("failed", len(failures)).
			Strs("symbols", perr.Failed()).
			Msg("Aggregation refresh partially failed")
		return stats, perr
	}

	p.logger.Info().
		Str("interval", string(interval)).
		Int("symbols", stats.Symbols).
		Int("candles", candles).
		Time("from", from).
		Dur("elapsed", elapsed).
		Msg("Aggregation level refreshed")
	return stats, nil
}

func (p *Pipeline) refreshSymbol(ctx context.Context, idx int, symbol string, from, to time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	interval := p.levels[idx].Interval

	var candles []models.Candle
	if idx == 0 {
		trades, err := p.market.QueryTrades(ctx, symbol, from, to, series.Ascending, 0)
		if err != nil {
			return 0, fmt.Errorf("read trades: %w", err)
		}
		candles = RollupTrades(interval, trades)
	} else {
		finer := p.levels[idx-1].Interval
		source, err := p.market.QueryCandles(ctx, symbol, finer, from, to, series.Ascending, 0)
		if err != nil {
			return 0, fmt.Errorf("read %s candles: %w", finer, err)
		}
		candles = RollupCandles(interval, source)
	}

	if len(candles) == 0 {
		return 0, nil
	}
	if _, err := p.market.AppendCandles(ctx, candles); err != nil {
		return 0, fmt.Errorf("write %s candles: %w", interval, err)
	}
	return len(candles), nil
}

// RefreshDue refreshes, finest first, every level whose current bucket has
// not been refreshed yet. Called on every tick of the finest interval, each
// level ends up refreshing once per bucket width.
func (p *Pipeline) RefreshDue(ctx context.Context, now time.Time) ([]models.RefreshStats, error) {
	var (
		out  []models.RefreshStats
		errs []error
	)
	for _, l := range p.levels {
		bucket := l.Interval.BucketStart(now)

		p.mu.Lock()
		last, seen := p.lastBucket[l.Interval]
		p.mu.Unlock()
		if seen && !bucket.After(last) {
			continue
		}

		stats, err := p.RefreshLevel(ctx, l.Interval, now)
		out = append(out, stats)
		if err != nil {
			errs = append(errs, err)
			var perr *common.PartialFailureError
			if !errors.As(err, &perr) {
				continue
			}
		}

		p.mu.Lock()
		p.lastBucket[l.Interval] = bucket
		p.mu.Unlock()
	}
	return out, errors.Join(errs...)
}

// Compile-time check
var _ interfaces.AggregationService = (*Pipeline)(nil)
