// Package recovery implements the Recovery Sweeper (spec §4.5): the
// periodic reconciliation task, run by the Supervisor, that repairs
// divergence between DJS state and BQS state after worker crashes or
// lost enqueues.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/djs"
)

// Sweeper bundles the DJS store and BQS client the two scans need.
// Grounded on jobs/recovery.go's JobManager holding both a db pool and a
// redisClient and driving recovery off both.
type Sweeper struct {
	Store      *djs.Store
	Queue      bqs.Client
	MaxRetries int64
	RetryTTL   time.Duration
	Logger     *logharbour.Logger
}

// New constructs a Sweeper.
func New(store *djs.Store, queue bqs.Client, maxRetries int64, retryTTL time.Duration, logger *logharbour.Logger) *Sweeper {
	return &Sweeper{Store: store, Queue: queue, MaxRetries: maxRetries, RetryTTL: retryTTL, Logger: logger}
}

// Result tallies what one sweep pass did, useful for logging and tests.
type Result struct {
	RecoveredInProgress int
	FailedInProgress    int
	RecoveredQueued     int
}

// Sweep runs both spec §4.5 scans once. stuckInProgress and stuckQueued
// are the two thresholds (now - STUCK_IN_PROGRESS_S and now -
// STUCK_QUEUED_S respectively).
func (s *Sweeper) Sweep(ctx context.Context, stuckInProgress, stuckQueued time.Time) (Result, error) {
	var res Result

	s.logRegistry(ctx)

	ipRecovered, ipFailed, err := s.sweepStuckInProgress(ctx, stuckInProgress)
	if err != nil {
		return res, fmt.Errorf("recovery: sweep stuck in_progress: %w", err)
	}
	res.RecoveredInProgress = ipRecovered
	res.FailedInProgress = ipFailed

	qRecovered, err := s.sweepStuckQueued(ctx, stuckQueued)
	if err != nil {
		return res, fmt.Errorf("recovery: sweep stuck queued: %w", err)
	}
	res.RecoveredQueued = qRecovered

	return res, nil
}

// sweepStuckInProgress implements spec §4.5's first scan: rows with
// status=IN_PROGRESS AND updated_at < olderThan. For each: INCR
// retry:{id}; over MAX_RETRIES -> FAILED + DLQ; else -> QUEUED + requeue.
// Counting recovery as a retry attempt is mandatory (spec §4.5) so a
// worker that always crashes mid-forward-pass cannot requeue forever.
func (s *Sweeper) sweepStuckInProgress(ctx context.Context, olderThan time.Time) (recovered, failed int, err error) {
	ids, err := s.Store.Queries.ScanStuckInProgress(ctx, olderThan)
	if err != nil {
		return 0, 0, err
	}

	for _, id := range ids {
		s.logOwner(ctx, id)

		r, err := s.Queue.IncrRetry(ctx, id, s.RetryTTL)
		if err != nil {
			s.logError(err, "failed to increment retry counter for stuck in_progress job", id)
			continue
		}

		if r > s.MaxRetries {
			if err := s.Store.Queries.FailJob(ctx, id, "retries_exhausted"); err != nil {
				s.logError(err, "failed to mark stuck in_progress job failed", id)
				continue
			}
			if err := s.Queue.PushDLQ(ctx, id); err != nil {
				s.logError(err, "failed to push stuck in_progress job to dlq", id)
				continue
			}
			if err := s.Queue.DeleteRetry(ctx, id); err != nil {
				s.logError(err, "failed to delete retry counter after dlq push", id)
			}
			failed++
			continue
		}

		// Guarded by "AND status = 'in_progress'" in the query itself, so
		// a sweep that races a worker's own completion is idempotent.
		if err := s.Store.Queries.ResetToQueued(ctx, id); err != nil {
			s.logError(err, "failed to reset stuck in_progress job to queued", id)
			continue
		}
		if err := s.Queue.Enqueue(ctx, id); err != nil {
			s.logError(err, "failed to requeue recovered job", id)
			continue
		}
		recovered++
	}

	if s.Logger != nil && (recovered > 0 || failed > 0) {
		s.Logger.Info().LogActivity("swept stuck in_progress jobs", map[string]any{
			"recovered": recovered,
			"failed":    failed,
		})
	}

	return recovered, failed, nil
}

// sweepStuckQueued implements spec §4.5's second scan: rows with
// status=QUEUED AND created_at < olderThan, treated as lost enqueues. No
// retry-count bump -- the job has not yet been attempted.
func (s *Sweeper) sweepStuckQueued(ctx context.Context, olderThan time.Time) (recovered int, err error) {
	ids, err := s.Store.Queries.ScanStuckQueued(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.Queue.Enqueue(ctx, id); err != nil {
			s.logError(err, "failed to requeue stuck queued job", id)
			continue
		}
		recovered++
	}

	if s.Logger != nil && recovered > 0 {
		s.Logger.Info().LogActivity("swept stuck queued jobs", map[string]any{
			"recovered": recovered,
		})
	}

	return recovered, nil
}

// logRegistry logs the currently registered worker instances once per
// sweep pass, giving an operator reading the sweep log a sense of the
// live worker population alongside whatever it recovers.
func (s *Sweeper) logRegistry(ctx context.Context) {
	if s.Logger == nil {
		return
	}

	instances, err := s.Queue.RegisteredWorkers(ctx)
	if err != nil {
		s.Logger.Warn().LogActivity("failed to list registered workers", nil)
		return
	}

	s.Logger.Info().LogActivity("sweep starting", map[string]any{"registered_workers": instances})
}

// logOwner enriches the sweep's log output with which instance (if any)
// last held jobID, and whether that instance's heartbeat is still alive —
// the heartbeat registry's stated purpose (spec §4.5 supplement). This is
// an additional signal only: the stuck-in_progress decision itself still
// runs entirely off updated_at, never off this.
func (s *Sweeper) logOwner(ctx context.Context, jobID int64) {
	if s.Logger == nil {
		return
	}

	instanceID, ok, err := s.Queue.GetJobOwner(ctx, jobID)
	if err != nil {
		s.Logger.Warn().LogActivity("failed to look up job owner", map[string]any{"job_id": jobID})
		return
	}
	if !ok {
		s.Logger.Info().LogActivity("stuck in_progress job has no recorded owner", map[string]any{"job_id": jobID})
		return
	}

	alive, err := s.Queue.WorkerAlive(ctx, instanceID)
	if err != nil {
		s.Logger.Warn().LogActivity("failed to check owner liveness", map[string]any{"job_id": jobID, "instance_id": instanceID})
		return
	}

	s.Logger.Info().LogActivity("stuck in_progress job owner", map[string]any{
		"job_id":      jobID,
		"instance_id": instanceID,
		"owner_alive": alive,
	})
}

func (s *Sweeper) logError(err error, msg string, jobID int64) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error(err).LogActivity(msg, map[string]any{"job_id": jobID})
}

// Run drives Sweep on a ticker until ctx is cancelled, the way
// jobs/recovery.go's runPeriodicRecovery loops on recoveryInterval.
func (s *Sweeper) Run(ctx context.Context, period, stuckInProgressAge, stuckQueuedAge time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if _, err := s.Sweep(ctx, now.Add(-stuckInProgressAge), now.Add(-stuckQueuedAge)); err != nil && s.Logger != nil {
				s.Logger.Error(err).LogActivity("sweep failed", nil)
			}
		}
	}
}
