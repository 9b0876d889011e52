// Package maintenance runs the chunk lifecycle passes: retention drops chunks
// wholly past a series' retention horizon and compression rewrites aged chunks
// into the columnar segment layout. Both passes act on whole chunks and are
// idempotent, so an interrupted pass is finished by the next one.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/metrics"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

// RetentionManager implements interfaces.RetentionService.
type RetentionManager struct {
	store   interfaces.SeriesStore
	logger  *common.Logger
	metrics *metrics.Metrics
}

// NewRetentionManager creates a retention pass over every series with a retention horizon.
func NewRetentionManager(store interfaces.SeriesStore, logger *common.Logger, m *metrics.Metrics) *RetentionManager {
	return &RetentionManager{store: store, logger: logger, metrics: m}
}

// Run drops every chunk lying wholly before now minus its series retention.
// A chunk straddling the horizon is kept until a later pass. Per-chunk
// failures do not stop the pass; they are joined into the returned error.
func (r *RetentionManager) Run(ctx context.Context, now time.Time) (models.RetentionStats, error) {
	var (
		stats models.RetentionStats
		errs  []error
	)
	start := time.Now()

	for _, name := range series.All() {
		retention := r.store.Policy(name).Retention
		if retention <= 0 {
			continue
		}

		chunks, err := r.store.ListChunks(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s chunks: %w", name, err))
			continue
		}

		for _, c := range chunks {
			stats.Examined++
			if !c.Expired(now, retention) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			removed, err := r.store.DropChunk(ctx, c)
			if err != nil {
				stats.Failed++
				r.metrics.RecordChunk("retention", "failed")
				r.logger.Warn().Str("chunk", c.ID()).Err(err).Msg("Failed to drop expired chunk")
				errs = append(errs, fmt.Errorf("drop %s: %w", c.ID(), err))
				continue
			}

			stats.Dropped++
			stats.Rows += removed
			r.metrics.RecordChunk("retention", "dropped")
			r.logger.Debug().
				Str("chunk", c.ID()).
				Time("end", c.End).
				Int64("rows", removed).
				Msg("Dropped expired chunk")
		}
	}

	r.logger.Info().
		Int("examined", stats.Examined).
		Int("dropped", stats.Dropped).
		Int64("rows", stats.Rows).
		Int("failed", stats.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Retention pass complete")

	return stats, errors.Join(errs...)
}

// Compile-time check
var _ interfaces.RetentionService = (*RetentionManager)(nil)
