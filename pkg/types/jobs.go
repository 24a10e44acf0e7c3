package types

import (
	"database/sql"
	"time"
)

// JobStatus tracks the lifecycle of backfill and optimization jobs.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// BackfillJob is one row of the backfill job table, the source of truth for
// in-progress status.
type BackfillJob struct {
	ID             int64          `db:"id" json:"id"`
	JobType        string         `db:"job_type" json:"jobType"`
	Status         JobStatus      `db:"status" json:"status"`
	StartedAt      time.Time      `db:"started_at" json:"startedAt"`
	CompletedAt    sql.NullTime   `db:"completed_at" json:"completedAt"`
	ItemsProcessed int            `db:"items_processed" json:"itemsProcessed"`
	ItemsTotal     int            `db:"items_total" json:"itemsTotal"`
	ErrorMessage   sql.NullString `db:"error_message" json:"errorMessage"`
	Config         []byte         `db:"config" json:"config"` // JSON
}

// IsRunning reports whether the job is still in flight.
func (j *BackfillJob) IsRunning() bool {
	return j.Status == JobPending || j.Status == JobRunning
}

// OptimizationJob is one row of the optimization job table.
type OptimizationJob struct {
	ID               int64          `db:"id" json:"id"`
	Status           JobStatus      `db:"status" json:"status"`
	Config           []byte         `db:"config" json:"config"` // JSON GridSearchConfig
	TotalConfigs     int            `db:"total_configs" json:"totalConfigs"`
	ProcessedConfigs int            `db:"processed_configs" json:"processedConfigs"`
	ValidConfigs     int            `db:"valid_configs" json:"validConfigs"`
	StartedAt        time.Time      `db:"started_at" json:"startedAt"`
	CompletedAt      sql.NullTime   `db:"completed_at" json:"completedAt"`
	ExecutionTimeMs  int64          `db:"execution_time_ms" json:"executionTimeMs"`
	ErrorMessage     sql.NullString `db:"error_message" json:"errorMessage"`
}
