package models

import "time"

// JobRun records one execution of a background pass.
type JobRun struct {
	ID          string           `json:"id"`
	JobType     string           `json:"job_type"`
	Scope       string           `json:"scope,omitempty"` // e.g. the candle interval for aggregation
	Status      string           `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	DurationMS  int64            `json:"duration_ms"`
	Error       string           `json:"error,omitempty"`
	Stats       map[string]int64 `json:"stats,omitempty"`
}

// Job type constants
const (
	JobTypeAggregate   = "aggregate"
	JobTypeRetention   = "retention"
	JobTypeCompression = "compression"
	JobTypeReconcile   = "reconcile"
)

// Job status constants
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusPartial   = "partial"
	JobStatusFailed    = "failed"
	JobStatusSkipped   = "skipped" // nothing was due; not journaled
)

// RefreshStats summarises one aggregation level refresh.
type RefreshStats struct {
	Interval Interval `json:"interval"`
	Symbols  int      `json:"symbols"`
	Candles  int      `json:"candles"`
	Failed   int      `json:"failed"`
}

// RetentionStats summarises one retention pass.
type RetentionStats struct {
	Examined int   `json:"examined"`
	Dropped  int   `json:"dropped"`
	Rows     int64 `json:"rows"`
	Failed   int   `json:"failed"`
}

// CompressionStats summarises one compression pass.
type CompressionStats struct {
	Examined        int   `json:"examined"`
	Compressed      int   `json:"compressed"`
	Rows            int64 `json:"rows"`
	Segments        int   `json:"segments"`
	RawBytes        int64 `json:"raw_bytes"`
	CompressedBytes int64 `json:"compressed_bytes"`
	Failed          int   `json:"failed"`
}

// ReconcileStats summarises a reconciliation sweep over all portfolios.
type ReconcileStats struct {
	Portfolios   int `json:"portfolios"`
	Inconsistent int `json:"inconsistent"`
	Failed       int `json:"failed"`
}
