// Package submission is the Submission Service (SS, spec §4.1): the
// write path that fingerprints an image, deduplicates against BQS,
// creates a Job row in DJS, and publishes the image for the Worker Pool
// to pick up. It also serves status and result reads.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jackc/pgx/v5"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/djs"
	"github.com/chestxray/inferqueue/internal/djs/djssqlc"
	"github.com/chestxray/inferqueue/internal/metrics"
)

// Sentinel errors surfaced to the HTTP layer (internal/httpapi maps
// these onto the wscutils error catalog).
var (
	ErrEmptyImage   = errors.New("submission: empty image")
	ErrNotAnImage   = errors.New("submission: upload is not an image")
	ErrJobNotFound  = errors.New("submission: job not found")
	ErrResultNotYet = errors.New("submission: result not ready")
)

// Service implements Submit/GetStatus/GetResult against a DJS store and
// a BQS client, following spec §4.1 verbatim.
type Service struct {
	Store    *djs.Store
	Queue    bqs.Client
	ImageTTL time.Duration
	CacheTTL time.Duration
	Logger   *logharbour.Logger
	Live     *metrics.Live
}

// New wires a Service from its two collaborators, mirroring jobs.Batch's
// shape of holding a *pgxpool pool-backed store plus a *redis.Client.
// imageTTL and cacheTTL are both IMAGE_TTL_S (spec §3: the image and
// fingerprint-cache TTLs are the same config value). Live is optional;
// a nil value just skips Prometheus instrumentation.
func New(store *djs.Store, queue bqs.Client, imageTTL, cacheTTL time.Duration, logger *logharbour.Logger) *Service {
	return &Service{Store: store, Queue: queue, ImageTTL: imageTTL, CacheTTL: cacheTTL, Logger: logger}
}

// SubmitResult is the outcome of Submit: the job id and whether it was
// served from the fingerprint cache (spec §4.1 step 2/3).
type SubmitResult struct {
	JobID  int64
	Cached bool
}

// Submit runs spec §4.1's Submit(image_bytes, model_name). The
// documented dedup race between the cache probe and the insert is left
// intentionally unguarded — spec §4.1: "duplicate work is bounded to a
// thin race window... not part of the core contract."
func (s *Service) Submit(ctx context.Context, imageBytes []byte, modelName string) (SubmitResult, error) {
	if len(imageBytes) == 0 {
		return SubmitResult{}, ErrEmptyImage
	}
	detected := mimetype.Detect(imageBytes)
	if !detected.Is("image/jpeg") && !detected.Is("image/png") {
		return SubmitResult{}, ErrNotAnImage
	}

	sum := sha256.Sum256(imageBytes)
	hexHash := hex.EncodeToString(sum[:])

	if jobID, ok, err := s.probeCache(ctx, hexHash); err != nil {
		return SubmitResult{}, fmt.Errorf("submission: probe cache: %w", err)
	} else if ok {
		if s.Live != nil {
			s.Live.JobsDeduped.Inc()
		}
		return SubmitResult{JobID: jobID, Cached: true}, nil
	}

	// The model-version lookup and the job insert run inside one
	// transaction (mirroring jobs/batch.go's BatchSubmit) so the
	// resolved model_version_id is guaranteed still valid at insert time
	// under concurrent schema changes, not just read-then-hope.
	var job djssqlc.Job
	err := s.Store.WithTx(ctx, func(q djssqlc.Querier) error {
		mv, err := q.GetModelVersionByName(ctx, modelName)
		if err != nil {
			return fmt.Errorf("resolve model version %q: %w", modelName, err)
		}

		job, err = q.InsertJob(ctx, djssqlc.InsertJobParams{
			InputSHA256:    hexHash,
			ModelVersionID: mv.ID,
		})
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submission: %w", err)
	}

	if err := s.Queue.PutImage(ctx, job.ID, imageBytes, s.ImageTTL); err != nil {
		return SubmitResult{}, fmt.Errorf("submission: put image: %w", err)
	}
	if err := s.Queue.Enqueue(ctx, job.ID); err != nil {
		return SubmitResult{}, fmt.Errorf("submission: enqueue: %w", err)
	}
	if err := s.Queue.SetCache(ctx, hexHash, job.ID, s.CacheTTL); err != nil {
		return SubmitResult{}, fmt.Errorf("submission: set cache: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Info().LogActivity("job submitted", map[string]any{"job_id": job.ID, "cached": false})
	}
	if s.Live != nil {
		s.Live.JobsSubmitted.Inc()
	}

	return SubmitResult{JobID: job.ID, Cached: false}, nil
}

// probeCache returns (job_id, true, nil) when the fingerprint cache
// points at a Job that still exists (spec §4.1 step 2). A cache hit
// whose Job has since been deleted degenerates to a cache miss so the
// caller falls through to creating a fresh job.
func (s *Service) probeCache(ctx context.Context, hexHash string) (int64, bool, error) {
	jobID, ok, err := s.Queue.GetCache(ctx, hexHash)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}

	if _, err := s.Store.Queries.GetJobByID(ctx, jobID); err != nil {
		return 0, false, nil
	}
	return jobID, true, nil
}

// GetStatus is a direct DJS read of the Job row (spec §4.1). Only an
// absent row is ErrJobNotFound (spec §7 maps that to 404); any other
// error (a dropped connection, a context deadline) is surfaced as-is so
// the HTTP layer can map it to db_unavailable / 5xx instead of a false
// 404 (spec §7).
func (s *Service) GetStatus(ctx context.Context, jobID int64) (djssqlc.Job, error) {
	job, err := s.Store.Queries.GetJobByID(ctx, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return djssqlc.Job{}, ErrJobNotFound
	}
	if err != nil {
		return djssqlc.Job{}, fmt.Errorf("submission: get status: %w", err)
	}
	return job, nil
}

// GetResult implements spec §4.1's GetResult: NotReady when the Job
// exists but isn't COMPLETED, NotFound when it doesn't exist, else the
// Result row. As with GetStatus, only a missing row is ErrJobNotFound;
// any other lookup error is surfaced so it maps to db_unavailable
// instead of a false NotFound (spec §7).
func (s *Service) GetResult(ctx context.Context, jobID int64) (djssqlc.Result, error) {
	job, err := s.Store.Queries.GetJobByID(ctx, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return djssqlc.Result{}, ErrJobNotFound
	}
	if err != nil {
		return djssqlc.Result{}, fmt.Errorf("submission: get result: get job: %w", err)
	}
	if job.Status != djssqlc.StatusCompleted {
		return djssqlc.Result{}, ErrResultNotYet
	}

	result, ok, err := s.Store.Queries.GetResultByJobID(ctx, jobID)
	if err != nil {
		return djssqlc.Result{}, fmt.Errorf("submission: get result: %w", err)
	}
	if !ok {
		// A COMPLETED job with no Result row would violate the DJS
		// invariant (spec §3); surfaced as NotFound rather than panicking.
		return djssqlc.Result{}, ErrJobNotFound
	}
	return result, nil
}
