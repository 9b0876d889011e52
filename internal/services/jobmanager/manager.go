// Package jobmanager schedules the background passes: cascading aggregation,
// retention, compression and ledger reconciliation. Every pass runs in its own
// loop, and every execution is journaled when a run store is configured.
package jobmanager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/metrics"
	"github.com/bobmcallan/finstream/internal/models"
)

// Aggregator is the part of the aggregation pipeline the scheduler drives.
type Aggregator interface {
	Levels() []models.Interval
	RefreshLevel(ctx context.Context, interval models.Interval, now time.Time) (models.RefreshStats, error)
	RefreshDue(ctx context.Context, now time.Time) ([]models.RefreshStats, error)
}

// Reconciler checks ledgers against their transaction logs.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (models.ReconcileStats, error)
}

// Services are the passes the manager schedules. Nil passes are not scheduled.
type Services struct {
	Aggregation Aggregator
	Retention   interfaces.RetentionService
	Compression interfaces.CompressionService
	Reconcile   Reconciler
}

// JobManager runs one loop per background pass.
type JobManager struct {
	services Services
	runs     interfaces.JobRunStore // nil disables journaling
	logger   *common.Logger
	metrics  *metrics.Metrics
	config   common.MaintenanceConfig
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobManager creates a job manager. runs may be nil.
func NewJobManager(services Services, runs interfaces.JobRunStore, logger *common.Logger, m *metrics.Metrics, config common.MaintenanceConfig) *JobManager {
	return &JobManager{
		services: services,
		runs:     runs,
		logger:   logger,
		metrics:  m,
		config:   config,
		now:      time.Now,
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (jm *JobManager) safeGo(name string, fn func()) {
	jm.wg.Add(1)
	go func() {
		defer jm.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				jm.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in job manager goroutine")
			}
		}()
		fn()
	}()
}

// Start launches a loop for each configured pass.
// Safe to call multiple times; running loops are stopped first.
func (jm *JobManager) Start() {
	jm.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	jm.mu.Lock()
	jm.cancel = cancel
	jm.mu.Unlock()

	var aggEvery time.Duration
	if agg := jm.services.Aggregation; agg != nil {
		if levels := agg.Levels(); len(levels) > 0 {
			aggEvery = levels[0].Duration()
			jm.safeGo("aggregate", func() { jm.loop(ctx, models.JobTypeAggregate, aggEvery) })
		}
	}
	if jm.services.Retention != nil {
		jm.safeGo("retention", func() { jm.loop(ctx, models.JobTypeRetention, jm.config.GetRetentionInterval()) })
	}
	if jm.services.Compression != nil {
		jm.safeGo("compression", func() { jm.loop(ctx, models.JobTypeCompression, jm.config.GetCompressionInterval()) })
	}
	if jm.services.Reconcile != nil {
		jm.safeGo("reconcile", func() { jm.loop(ctx, models.JobTypeReconcile, jm.config.GetReconcileInterval()) })
	}

	jm.logger.Info().
		Dur("aggregate_every", aggEvery).
		Str("retention_every", jm.config.GetRetentionInterval().String()).
		Str("compression_every", jm.config.GetCompressionInterval().String()).
		Str("reconcile_every", jm.config.GetReconcileInterval().String()).
		Msg("Job manager started")
}

// Stop cancels all loops and waits for in-flight passes to finish.
func (jm *JobManager) Stop() {
	jm.mu.Lock()
	cancel := jm.cancel
	jm.cancel = nil
	jm.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	jm.wg.Wait()
	jm.logger.Info().Msg("Job manager stopped")
}
