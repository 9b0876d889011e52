package jobmanager

import (
	"context"
	"errors"
	"time"

	"github.com/bobmcallan/finstream/internal/models"
)

// aggregate refreshes the due levels, or all levels when forced. A nil stats
// map marks a tick where no level was due.
func (jm *JobManager) aggregate(ctx context.Context, now time.Time, force bool) (map[string]int64, error) {
	agg := jm.services.Aggregation

	var (
		refreshed []models.RefreshStats
		err       error
	)
	if force {
		var errs []error
		for _, iv := range agg.Levels() {
			st, lerr := agg.RefreshLevel(ctx, iv, now)
			refreshed = append(refreshed, st)
			if lerr != nil {
				errs = append(errs, lerr)
			}
		}
		err = errors.Join(errs...)
	} else {
		refreshed, err = agg.RefreshDue(ctx, now)
	}

	if len(refreshed) == 0 && err == nil {
		return nil, nil
	}

	stats := make(map[string]int64)
	for _, st := range refreshed {
		stats["candles_"+string(st.Interval)] = int64(st.Candles)
		stats["failed"] += int64(st.Failed)
	}
	return stats, err
}

func (jm *JobManager) retention(ctx context.Context, now time.Time) (map[string]int64, error) {
	st, err := jm.services.Retention.Run(ctx, now)
	return map[string]int64{
		"examined": int64(st.Examined),
		"dropped":  int64(st.Dropped),
		"rows":     st.Rows,
		"failed":   int64(st.Failed),
	}, err
}

func (jm *JobManager) compression(ctx context.Context, now time.Time) (map[string]int64, error) {
	st, err := jm.services.Compression.Run(ctx, now)
	return map[string]int64{
		"examined":         int64(st.Examined),
		"compressed":       int64(st.Compressed),
		"rows":             st.Rows,
		"segments":         int64(st.Segments),
		"raw_bytes":        st.RawBytes,
		"compressed_bytes": st.CompressedBytes,
		"failed":           int64(st.Failed),
	}, err
}

func (jm *JobManager) reconcile(ctx context.Context) (map[string]int64, error) {
	st, err := jm.services.Reconcile.ReconcileAll(ctx)
	return map[string]int64{
		"portfolios":   int64(st.Portfolios),
		"inconsistent": int64(st.Inconsistent),
		"failed":       int64(st.Failed),
	}, err
}
