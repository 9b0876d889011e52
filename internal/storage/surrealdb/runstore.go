// Package surrealdb journals background job runs in SurrealDB.
package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/models"
)

// runSelectFields aliases run_id to id for struct mapping.
const runSelectFields = "run_id as id, job_type, scope, status, started_at, completed_at, duration_ms, error, stats"

// RunStore implements interfaces.JobRunStore.
type RunStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// Open connects to SurrealDB and defines the job_runs table.
func Open(ctx context.Context, logger *common.Logger, config common.JournalConfig) (*RunStore, error) {
	db, err := surrealdb.New(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Username,
		"pass": config.Password,
	}); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Namespace, config.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	s, err := NewRunStore(ctx, db, logger)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}

	logger.Info().
		Str("address", config.Address).
		Str("namespace", config.Namespace).
		Str("database", config.Database).
		Msg("Job run journal initialized")

	return s, nil
}

// NewRunStore wraps an already selected database.
func NewRunStore(ctx context.Context, db *surrealdb.DB, logger *common.Logger) (*RunStore, error) {
	// SurrealDB v3 errors on querying tables that were never defined.
	if _, err := surrealdb.Query[any](ctx, db, "DEFINE TABLE IF NOT EXISTS job_runs SCHEMALESS", nil); err != nil {
		return nil, fmt.Errorf("failed to define table job_runs: %w", err)
	}
	return &RunStore{db: db, logger: logger}, nil
}

// Record upserts a run; the same run is recorded when it starts and again when it ends.
func (s *RunStore) Record(ctx context.Context, run *models.JobRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		run_id = $run_id, job_type = $job_type, scope = $scope, status = $status,
		started_at = $started_at, completed_at = $completed_at, duration_ms = $duration_ms,
		error = $error, stats = $stats`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("job_runs", run.ID),
		"run_id":       run.ID,
		"job_type":     run.JobType,
		"scope":        run.Scope,
		"status":       run.Status,
		"started_at":   run.StartedAt,
		"completed_at": run.CompletedAt,
		"duration_ms":  run.DurationMS,
		"error":        run.Error,
		"stats":        run.Stats,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to record job run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, optionally of one job type.
func (s *RunStore) ListRuns(ctx context.Context, jobType string, limit int) ([]models.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := "SELECT " + runSelectFields + " FROM job_runs"
	vars := map[string]any{"limit": limit}
	if jobType != "" {
		sql += " WHERE job_type = $job_type"
		vars["job_type"] = jobType
	}
	sql += " ORDER BY started_at DESC LIMIT $limit"
	return s.queryRuns(ctx, sql, vars)
}

// LastRun returns the latest run of a job type and scope, or nil when none exists.
func (s *RunStore) LastRun(ctx context.Context, jobType, scope string) (*models.JobRun, error) {
	sql := "SELECT " + runSelectFields + " FROM job_runs WHERE job_type = $job_type AND scope = $scope ORDER BY started_at DESC LIMIT 1"
	runs, err := s.queryRuns(ctx, sql, map[string]any{"job_type": jobType, "scope": scope})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (s *RunStore) queryRuns(ctx context.Context, sql string, vars map[string]any) ([]models.JobRun, error) {
	results, err := surrealdb.Query[[]models.JobRun](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// Close closes the connection.
func (s *RunStore) Close() error {
	return s.db.Close(context.Background())
}

// Compile-time check
var _ interfaces.JobRunStore = (*RunStore)(nil)
