package djssqlc

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, the way
// jobs/pg/batchsqlc.Querier is constructed over either a pool or a
// transaction (jobs/jobmanager.go uses batchsqlc.New(tx) inside a
// transaction and batchsqlc.New(db) outside one).
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements Querier against a DBTX (pool or transaction).
type Queries struct {
	db DBTX
}

// New wraps db (a *pgxpool.Pool or a pgx.Tx) in a Queries.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Querier is the DJS query surface the rest of the core depends on.
type Querier interface {
	InsertModelVersion(ctx context.Context, p InsertModelVersionParams) (ModelVersion, error)
	GetModelVersionByName(ctx context.Context, name string) (ModelVersion, error)

	InsertJob(ctx context.Context, p InsertJobParams) (Job, error)
	GetJobByID(ctx context.Context, id int64) (Job, error)

	// PromoteToInProgress is the single bulk UPDATE spec §4.2 requires: all
	// ids in a worker's batch transition atomically in one statement.
	PromoteToInProgress(ctx context.Context, ids []int64) error

	CompleteJob(ctx context.Context, id int64) error
	FailJob(ctx context.Context, id int64, reason string) error

	// ResetToQueued is guarded by "AND status = 'in_progress'" so a Sweeper
	// requeue applied twice to the same id is idempotent (spec §8).
	ResetToQueued(ctx context.Context, id int64) error

	InsertResult(ctx context.Context, p InsertResultParams) (Result, error)
	GetResultByJobID(ctx context.Context, jobID int64) (Result, bool, error)

	ScanStuckInProgress(ctx context.Context, olderThan time.Time) ([]int64, error)
	ScanStuckQueued(ctx context.Context, olderThan time.Time) ([]int64, error)

	CountJobsCreatedSince(ctx context.Context, since time.Time) (int64, error)
	CountByStatusSince(ctx context.Context, status StatusEnum, since time.Time) (int64, error)
	LatencySamplesMsSince(ctx context.Context, since time.Time) ([]float64, error)
}

var _ Querier = (*Queries)(nil)

func (q *Queries) InsertModelVersion(ctx context.Context, p InsertModelVersionParams) (ModelVersion, error) {
	var mv ModelVersion
	row := q.db.QueryRow(ctx, `
		INSERT INTO model_version (name, weights_path)
		VALUES ($1, $2)
		RETURNING id, name, weights_path, created_at`,
		p.Name, p.WeightsPath)
	err := row.Scan(&mv.ID, &mv.Name, &mv.WeightsPath, &mv.CreatedAt)
	return mv, err
}

func (q *Queries) GetModelVersionByName(ctx context.Context, name string) (ModelVersion, error) {
	var mv ModelVersion
	row := q.db.QueryRow(ctx, `
		SELECT id, name, weights_path, created_at
		FROM model_version
		WHERE name = $1`, name)
	err := row.Scan(&mv.ID, &mv.Name, &mv.WeightsPath, &mv.CreatedAt)
	return mv, err
}

func (q *Queries) InsertJob(ctx context.Context, p InsertJobParams) (Job, error) {
	var j Job
	row := q.db.QueryRow(ctx, `
		INSERT INTO inference_job (status, input_sha256, model_version_id, created_at, updated_at)
		VALUES ('queued', $1, $2, now(), now())
		RETURNING id, status, input_sha256, model_version_id, created_at, updated_at, last_failure_reason`,
		p.InputSHA256, p.ModelVersionID)
	err := row.Scan(&j.ID, &j.Status, &j.InputSHA256, &j.ModelVersionID, &j.CreatedAt, &j.UpdatedAt, &j.LastFailureReason)
	return j, err
}

func (q *Queries) GetJobByID(ctx context.Context, id int64) (Job, error) {
	var j Job
	row := q.db.QueryRow(ctx, `
		SELECT id, status, input_sha256, model_version_id, created_at, updated_at, last_failure_reason
		FROM inference_job
		WHERE id = $1`, id)
	err := row.Scan(&j.ID, &j.Status, &j.InputSHA256, &j.ModelVersionID, &j.CreatedAt, &j.UpdatedAt, &j.LastFailureReason)
	return j, err
}

// PromoteToInProgress issues one UPDATE ... WHERE id = ANY($1), the dominant
// CPU-saving benefit of batching spec §4.2 calls out. Idempotent: rows
// already IN_PROGRESS are matched again harmlessly, spec §8
// "Promote-to-IN_PROGRESS on a set S is idempotent when applied twice".
// The status guard admits only QUEUED and IN_PROGRESS rows, so a row that
// has already reached COMPLETED or FAILED is never moved back.
func (q *Queries) PromoteToInProgress(ctx context.Context, ids []int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE inference_job
		SET status = 'in_progress', updated_at = now()
		WHERE id = ANY($1) AND status IN ('queued', 'in_progress')`, ids)
	return err
}

func (q *Queries) CompleteJob(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE inference_job
		SET status = 'completed', updated_at = now()
		WHERE id = $1`, id)
	return err
}

func (q *Queries) FailJob(ctx context.Context, id int64, reason string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE inference_job
		SET status = 'failed', updated_at = now(), last_failure_reason = $2
		WHERE id = $1`, id, reason)
	return err
}

func (q *Queries) ResetToQueued(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE inference_job
		SET status = 'queued', updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`, id)
	return err
}

func (q *Queries) InsertResult(ctx context.Context, p InsertResultParams) (Result, error) {
	var r Result
	row := q.db.QueryRow(ctx, `
		INSERT INTO inference_result (job_id, output, top_label, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING job_id, output, top_label, created_at`,
		p.JobID, p.Output, p.TopLabel)
	err := row.Scan(&r.JobID, &r.Output, &r.TopLabel, &r.CreatedAt)
	return r, err
}

func (q *Queries) GetResultByJobID(ctx context.Context, jobID int64) (Result, bool, error) {
	var r Result
	row := q.db.QueryRow(ctx, `
		SELECT job_id, output, top_label, created_at
		FROM inference_result
		WHERE job_id = $1`, jobID)
	err := row.Scan(&r.JobID, &r.Output, &r.TopLabel, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return Result{}, false, nil
	}
	return r, err == nil, err
}

// ScanStuckInProgress implements the spec §4.5 scan: rows with
// status=IN_PROGRESS AND updated_at < now - STUCK_IN_PROGRESS_S. Served by
// the dedicated (status, updated_at) index the migration adds for this
// sweep, not by the (status, created_at) composite index.
func (q *Queries) ScanStuckInProgress(ctx context.Context, olderThan time.Time) ([]int64, error) {
	return q.scanIDs(ctx, `
		SELECT id FROM inference_job
		WHERE status = 'in_progress' AND updated_at < $1
		ORDER BY id`, olderThan)
}

// ScanStuckQueued implements the spec §4.5 scan: rows with status=QUEUED AND
// created_at < now - STUCK_QUEUED_S.
func (q *Queries) ScanStuckQueued(ctx context.Context, olderThan time.Time) ([]int64, error) {
	return q.scanIDs(ctx, `
		SELECT id FROM inference_job
		WHERE status = 'queued' AND created_at < $1
		ORDER BY id`, olderThan)
}

func (q *Queries) scanIDs(ctx context.Context, sql string, arg time.Time) ([]int64, error) {
	rows, err := q.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountJobsCreatedSince backs the throughput figure in spec §4.6.
func (q *Queries) CountJobsCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	row := q.db.QueryRow(ctx, `SELECT count(*) FROM inference_job WHERE created_at >= $1`, since)
	err := row.Scan(&n)
	return n, err
}

// CountByStatusSince backs the failure-rate figure in spec §4.6.
func (q *Queries) CountByStatusSince(ctx context.Context, status StatusEnum, since time.Time) (int64, error) {
	var n int64
	row := q.db.QueryRow(ctx, `
		SELECT count(*) FROM inference_job
		WHERE status = $1 AND created_at >= $2`, status, since)
	err := row.Scan(&n)
	return n, err
}

// LatencySamplesMsSince returns raw (Result.created_at - Job.created_at)
// samples in milliseconds for COMPLETED jobs in the window, per spec §4.6
// ("computed from raw samples, not pre-aggregates").
func (q *Queries) LatencySamplesMsSince(ctx context.Context, since time.Time) ([]float64, error) {
	rows, err := q.db.Query(ctx, `
		SELECT EXTRACT(EPOCH FROM (r.created_at - j.created_at)) * 1000
		FROM inference_job j
		JOIN inference_result r ON r.job_id = j.id
		WHERE j.status = 'completed' AND j.created_at >= $1`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []float64
	for rows.Next() {
		var ms float64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		samples = append(samples, ms)
	}
	return samples, rows.Err()
}
