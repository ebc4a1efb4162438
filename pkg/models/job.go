package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// AnalysisJob is the durable queue record for one inference task. Exactly one
// job exists per analysis; COMPLETED and FAILED are terminal.
type AnalysisJob struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	AnalysisID uuid.UUID  `db:"analysis_id" json:"analysis_id"`
	Status     string     `db:"status"      json:"status"`
	Attempts   int        `db:"attempts"    json:"attempts"`
	LockedAt   *time.Time `db:"locked_at"   json:"locked_at,omitempty"`
	LastError  *string    `db:"last_error"  json:"last_error,omitempty"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"  json:"updated_at"`
}
