// Package djssqlc is the Durable Job Store's query layer, written by hand in
// the shape sqlc would generate (typed params/rows, prepared statements over
// pgx) because the teacher's own jobs/pg/batchsqlc package follows that
// convention and the spec's composite indexes (spec §3) need hand-tuned
// WHERE clauses the sweep and metrics queries depend on.
package djssqlc

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// StatusEnum mirrors the values allowed by the CHECK constraint on the
// text column inference_job.status: QUEUED, IN_PROGRESS, COMPLETED,
// FAILED (spec §3/§4.2). Modeled on
// jobs/pg/batchsqlc.StatusEnum's Scan/Value pattern.
type StatusEnum string

const (
	StatusQueued     StatusEnum = "queued"
	StatusInProgress StatusEnum = "in_progress"
	StatusCompleted  StatusEnum = "completed"
	StatusFailed     StatusEnum = "failed"
)

func (e *StatusEnum) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = StatusEnum(s)
	case string:
		*e = StatusEnum(s)
	case nil:
		*e = ""
	default:
		return fmt.Errorf("unsupported scan type for StatusEnum: %T", src)
	}
	return nil
}

func (e StatusEnum) Value() (driver.Value, error) {
	return string(e), nil
}

// ModelVersion is the catalog entry described in spec §3. Effectively
// immutable once created by bootstrap.
type ModelVersion struct {
	ID          int64
	Name        string
	WeightsPath string
	CreatedAt   time.Time
}

// Job is one inference request, spec §3.
type Job struct {
	ID                int64
	Status            StatusEnum
	InputSHA256       string
	ModelVersionID    int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastFailureReason *string // supplemented feature, SPEC_FULL.md
}

// Result is the terminal output of a completed Job, spec §3. Created at
// most once per job; never updated.
type Result struct {
	JobID     int64
	Output    []byte // JSON label->score map for 18 pathologies
	TopLabel  string
	CreatedAt time.Time
}

// InsertJobParams are the fields required to create a new QUEUED job.
type InsertJobParams struct {
	InputSHA256    string
	ModelVersionID int64
}

// InsertResultParams are the fields required to persist a completed job's
// output.
type InsertResultParams struct {
	JobID    int64
	Output   []byte
	TopLabel string
}

// InsertModelVersionParams create a catalog entry.
type InsertModelVersionParams struct {
	Name        string
	WeightsPath string
}
