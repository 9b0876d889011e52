package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/models"
)

// RunOnce executes a pass synchronously. An aggregate run refreshes every
// level regardless of when it last ran.
func (jm *JobManager) RunOnce(ctx context.Context, jobType string) (*models.JobRun, error) {
	return jm.execute(ctx, jobType, true)
}

// execute runs one pass, recovers a panic into a failed run, and journals the outcome.
func (jm *JobManager) execute(ctx context.Context, jobType string, force bool) (run *models.JobRun, err error) {
	run = &models.JobRun{
		ID:        uuid.NewString(),
		JobType:   jobType,
		Status:    models.JobStatusRunning,
		StartedAt: jm.now().UTC(),
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				jm.logger.Error().
					Str("job_type", jobType).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in job")
				err = fmt.Errorf("job %s panicked: %v", jobType, r)
			}
		}()
		run.Stats, err = jm.dispatch(ctx, jobType, run.StartedAt, force)
	}()

	run.CompletedAt = jm.now().UTC()
	run.DurationMS = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	run.Status = runStatus(err, run.Stats)
	if err != nil {
		run.Error = err.Error()
	}
	jm.metrics.RecordJob(jobType, run.Status)

	if run.Status == models.JobStatusSkipped {
		return run, nil
	}

	if jm.runs != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := jm.runs.Record(recordCtx, run); rerr != nil {
			jm.logger.Warn().Str("job_type", jobType).Err(rerr).Msg("Failed to journal job run")
		}
	}

	jm.logger.Debug().
		Str("job_id", run.ID).
		Str("job_type", jobType).
		Str("status", run.Status).
		Int64("duration_ms", run.DurationMS).
		Msg("Job finished")

	return run, err
}

func (jm *JobManager) dispatch(ctx context.Context, jobType string, now time.Time, force bool) (map[string]int64, error) {
	switch jobType {
	case models.JobTypeAggregate:
		if jm.services.Aggregation == nil {
			break
		}
		return jm.aggregate(ctx, now, force)
	case models.JobTypeRetention:
		if jm.services.Retention == nil {
			break
		}
		return jm.retention(ctx, now)
	case models.JobTypeCompression:
		if jm.services.Compression == nil {
			break
		}
		return jm.compression(ctx, now)
	case models.JobTypeReconcile:
		if jm.services.Reconcile == nil {
			break
		}
		return jm.reconcile(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", common.ErrInvalidArgument, jobType)
	}
	return nil, fmt.Errorf("%w: job %s is not configured", common.ErrInvalidArgument, jobType)
}

func runStatus(err error, stats map[string]int64) string {
	switch {
	case err == nil && stats == nil:
		return models.JobStatusSkipped
	case err == nil:
		return models.JobStatusCompleted
	case errors.Is(err, common.ErrAggregationPartialFailure), stats["failed"] > 0:
		return models.JobStatusPartial
	default:
		return models.JobStatusFailed
	}
}
