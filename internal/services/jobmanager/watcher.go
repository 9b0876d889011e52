package jobmanager

import (
	"context"
	"time"
)

// loop runs jobType once immediately and then on every tick. Aggregation ticks
// call RefreshDue, which refreshes each level once per bucket of that level.
func (jm *JobManager) loop(ctx context.Context, jobType string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	jm.tick(ctx, jobType)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.tick(ctx, jobType)
		}
	}
}

func (jm *JobManager) tick(ctx context.Context, jobType string) {
	if _, err := jm.execute(ctx, jobType, false); err != nil && ctx.Err() == nil {
		jm.logger.Warn().Str("job_type", jobType).Err(err).Msg("Scheduled pass failed")
	}
}
