package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/metrics"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

// CompressionManager implements interfaces.CompressionService.
type CompressionManager struct {
	store   interfaces.SeriesStore
	limiter *rate.Limiter
	logger  *common.Logger
	metrics *metrics.Metrics
}

// NewCompressionManager creates a compression pass throttled to perSecond
// chunks per second. A non-positive rate disables throttling.
func NewCompressionManager(store interfaces.SeriesStore, perSecond float64, logger *common.Logger, m *metrics.Metrics) *CompressionManager {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &CompressionManager{
		store:   store,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: m,
	}
}

// Run compresses every row-layout chunk lying wholly before now minus its
// series compression horizon and still inside retention. Chunks already
// compressed, or claimed by a concurrent pass, are skipped.
func (c *CompressionManager) Run(ctx context.Context, now time.Time) (models.CompressionStats, error) {
	var (
		stats models.CompressionStats
		errs  []error
	)
	start := time.Now()

	for _, name := range series.All() {
		policy := c.store.Policy(name)
		if policy.CompressAfter <= 0 {
			continue
		}

		chunks, err := c.store.ListChunks(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s chunks: %w", name, err))
			continue
		}

		for _, chunk := range chunks {
			stats.Examined++
			if !chunk.Compressible(now, policy.CompressAfter) || chunk.Expired(now, policy.Retention) {
				continue
			}
			if err := c.limiter.Wait(ctx); err != nil {
				return stats, err
			}

			res, err := c.store.CompressChunk(ctx, chunk)
			if err != nil {
				stats.Failed++
				c.metrics.RecordChunk("compression", "failed")
				c.logger.Warn().Str("chunk", chunk.ID()).Err(err).Msg("Failed to compress chunk")
				errs = append(errs, fmt.Errorf("compress %s: %w", chunk.ID(), err))
				continue
			}
			if res == nil {
				c.metrics.RecordChunk("compression", "skipped")
				continue
			}

			stats.Compressed++
			stats.Rows += res.Rows
			stats.Segments += res.Segments
			stats.RawBytes += res.RawBytes
			stats.CompressedBytes += res.CompressedLen
			c.metrics.RecordChunk("compression", "compressed")
			c.metrics.RecordCompressedBytes(res.CompressedLen)

			c.logger.Debug().
				Str("chunk", chunk.ID()).
				Int64("rows", res.Rows).
				Int("segments", res.Segments).
				Int64("raw_bytes", res.RawBytes).
				Int64("compressed_bytes", res.CompressedLen).
				Msg("Compressed chunk")
		}
	}

	c.logger.Info().
		Int("examined", stats.Examined).
		Int("compressed", stats.Compressed).
		Int64("rows", stats.Rows).
		Int64("compressed_bytes", stats.CompressedBytes).
		Int("failed", stats.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Compression pass complete")

	return stats, errors.Join(errs...)
}

// Compile-time check
var _ interfaces.CompressionService = (*CompressionManager)(nil)
