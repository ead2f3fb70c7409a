package models

import (
	"fmt"
	"time"
)

// JobMode selects how the Dreaming Worker drives an enrichment pass.
type JobMode string

const (
	JobModeDirect JobMode = "direct"
	JobModeBatch  JobMode = "batch"
)

// JobStatus is the dreaming job state machine's current state.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is a dreaming job record, persisted for auditing beyond the life of
// its batch.
type Job struct {
	Base

	Mode       JobMode                `json:"mode" db:"mode"`
	Status     JobStatus              `json:"status" db:"status"`
	BatchID    string                 `json:"batch_id,omitempty" db:"batch_id"`
	Window     string                 `json:"window" db:"window"` // data-window key for idempotence
	Result     map[string]interface{} `json:"result,omitempty" db:"result"`
	Attempts   int                    `json:"attempts" db:"attempts"`
	LastError  string                 `json:"last_error,omitempty" db:"last_error"`
	StartedAt  *time.Time             `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty" db:"finished_at"`
}

func (j *Job) TableName() string { return "jobs" }

// GetBase exposes the embedded Base fields for code that is generic over
// every entity type (internal/tenantrepo).
func (j *Job) GetBase() *Base { return &j.Base }

// IdempotenceKey is the (tenant, mode, window) tuple a repeat submission
// must match to observe the existing job instead of duplicating work.
func (j *Job) IdempotenceKey() string {
	return string(j.Mode) + "|" + j.Window + "|" + j.TenantID
}

// ToRow renders the Job into the generic column map storage.Provider
// consumes.
func (j *Job) ToRow() map[string]interface{} {
	row := mergeRow(baseRow(j.Base), map[string]interface{}{
		"mode":       string(j.Mode),
		"status":     string(j.Status),
		"batch_id":   j.BatchID,
		"window":     j.Window,
		"result":     j.Result,
		"attempts":   j.Attempts,
		"last_error": j.LastError,
	})
	if j.StartedAt != nil {
		row["started_at"] = *j.StartedAt
	}
	if j.FinishedAt != nil {
		row["finished_at"] = *j.FinishedAt
	}
	return row
}

// FromRow populates the Job from a generic storage row.
func (j *Job) FromRow(row map[string]interface{}) error {
	base, err := ParseBase(row)
	if err != nil {
		return err
	}
	j.Base = base
	if m, _ := row["mode"].(string); m != "" {
		j.Mode = JobMode(m)
	}
	if s, _ := row["status"].(string); s != "" {
		j.Status = JobStatus(s)
	}
	j.BatchID, _ = row["batch_id"].(string)
	j.Window, _ = row["window"].(string)
	j.LastError, _ = row["last_error"].(string)
	j.Attempts = toInt(row["attempts"])
	if err := decodeJSONField(row["result"], &j.Result); err != nil {
		return fmt.Errorf("models: job result: %w", err)
	}
	if t, ok := parseTime(row["started_at"]); ok {
		j.StartedAt = &t
	}
	if t, ok := parseTime(row["finished_at"]); ok {
		j.FinishedAt = &t
	}
	return nil
}
