package app

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
)

// warmCache loads the market summary and each active symbol's latest quote so
// the first dashboard reads are served from cache.
func warmCache(ctx context.Context, q interfaces.QueryService, symbols interfaces.SymbolStore, logger *common.Logger) int {
	if os.Getenv("FINSTREAM_WARM_CACHE") == "off" {
		logger.Info().Msg("Warm cache: disabled via FINSTREAM_WARM_CACHE=off")
		return 0
	}

	start := time.Now()

	if _, err := q.MarketSummary(ctx); err != nil {
		logger.Warn().Err(err).Msg("Warm cache: market summary failed")
		return 0
	}

	active, err := symbols.ListSymbols(ctx, true)
	if err != nil {
		logger.Warn().Err(err).Msg("Warm cache: failed to list symbols")
		return 0
	}

	warmed := 0
	for _, sym := range active {
		if ctx.Err() != nil {
			break
		}
		if _, err := q.LatestQuote(ctx, sym.Symbol); err != nil {
			if !errors.Is(err, common.ErrNotFound) {
				logger.Warn().Err(err).Str("symbol", sym.Symbol).Msg("Warm cache: quote lookup failed")
			}
			continue
		}
		warmed++
	}

	logger.Info().
		Int("symbols", len(active)).
		Int("quotes", warmed).
		Dur("elapsed", time.Since(start)).
		Msg("Warm cache: complete")
	return warmed
}
