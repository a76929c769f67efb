// Package worker implements the Worker Pool (WP, spec §2, §4.3): the
// worker main loop (batch collection, state promotion, preprocessing,
// prediction, persistence, failure routing) and the Supervisor that
// spawns, restarts, and periodically sweeps the worker set.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/djs"
	"github.com/chestxray/inferqueue/internal/djs/djssqlc"
	"github.com/chestxray/inferqueue/internal/metrics"
	"github.com/chestxray/inferqueue/internal/predictor"
)

// Worker holds one resident copy of the Predictor (spec §4.3: "Each
// worker holds one resident copy of the Predictor"). InstanceID backs
// the heartbeat/registry supplement grounded in jobs/recovery.go.
type Worker struct {
	InstanceID string

	Store     *djs.Store
	Queue     bqs.Client
	Predictor predictor.Predictor
	Logger    *logharbour.Logger
	Live      *metrics.Live // optional; nil skips Prometheus instrumentation

	BRPopTimeout     time.Duration
	BatchWindow      time.Duration
	MaxBatchSize     int
	InferenceTimeout time.Duration
	MaxRetries       int64
	RetryTTL         time.Duration
	HeartbeatTTL     time.Duration
	OwnerTTL         time.Duration
}

// New constructs a Worker with a fresh instance ID, mirroring
// jobs/recovery.go's per-process instanceID used in heartbeat keys.
func New(store *djs.Store, queue bqs.Client, p predictor.Predictor, logger *logharbour.Logger) *Worker {
	return &Worker{
		InstanceID:       uuid.NewString(),
		Store:            store,
		Queue:            queue,
		Predictor:        p,
		Logger:           logger,
		BRPopTimeout:     5 * time.Second,
		BatchWindow:      30 * time.Millisecond,
		MaxBatchSize:     8,
		InferenceTimeout: 10 * time.Second,
		MaxRetries:       3,
		RetryTTL:         time.Hour,
		HeartbeatTTL:     60 * time.Second,
		OwnerTTL:         10 * time.Minute,
	}
}

// Run is the worker main loop (spec §4.3). It registers the worker's
// instance ID, runs a heartbeat refresh in the background, and blocks
// processing batches until ctx is cancelled (the Supervisor's SIGTERM
// propagation point, spec §4.3 "Supervisor... On SIGTERM: set a
// shutdown flag and propagate").
func (w *Worker) Run(ctx context.Context) {
	if err := w.Queue.RegisterWorker(ctx, w.InstanceID); err != nil && w.Logger != nil {
		w.Logger.Error(err).LogActivity("failed to register worker", map[string]any{"instance_id": w.InstanceID})
	}
	if err := w.Queue.Heartbeat(ctx, w.InstanceID, w.HeartbeatTTL); err != nil && w.Logger != nil {
		w.Logger.Error(err).LogActivity("failed to send initial heartbeat", map[string]any{"instance_id": w.InstanceID})
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx)

	defer func() {
		if err := w.Queue.DeregisterWorker(context.Background(), w.InstanceID); err != nil && w.Logger != nil {
			w.Logger.Warn().LogActivity("failed to deregister worker", map[string]any{"instance_id": w.InstanceID})
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ids, ok := w.collectBatch(ctx)
		if !ok {
			continue
		}

		w.processBatch(ctx, ids)
	}
}

// runHeartbeat refreshes the worker's heartbeat key on an interval
// derived from HeartbeatTTL, mirroring jobs/recovery.go's
// runHeartbeat/heartbeatInterval shape (interval is half the TTL so a
// single missed tick never lets the key expire).
func (w *Worker) runHeartbeat(ctx context.Context) {
	interval := w.HeartbeatTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Queue.Heartbeat(ctx, w.InstanceID, w.HeartbeatTTL); err != nil && w.Logger != nil {
				w.Logger.Error(err).LogActivity("failed to refresh heartbeat", map[string]any{"instance_id": w.InstanceID})
			}
		}
	}
}

// outcome marks the disposition of one batched id after steps 3 and 4.
type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
)

type itemResult struct {
	id     int64
	out    outcome
	reason string // populated only when out == outcomeFailed
	tensor predictor.Tensor
}

// processBatch runs spec §4.3 steps 2-6 over one collected batch.
func (w *Worker) processBatch(ctx context.Context, ids []int64) {
	if w.Live != nil {
		w.Live.BatchSize.Observe(float64(len(ids)))
	}

	if err := w.Store.Queries.PromoteToInProgress(ctx, ids); err != nil {
		if w.Logger != nil {
			w.Logger.Error(err).LogActivity("failed to promote batch to in_progress", map[string]any{"ids": ids})
		}
		return
	}

	// Records this instance as the job's last-known owner (supplemented
	// feature: lets the Recovery Sweeper's log distinguish a crashed
	// owner from a merely slow one). Best-effort: a failure here doesn't
	// block inference, it just leaves the sweep without that hint.
	for _, id := range ids {
		if err := w.Queue.SetJobOwner(ctx, id, w.InstanceID, w.OwnerTTL); err != nil && w.Logger != nil {
			w.Logger.Warn().LogActivity("failed to record job owner", map[string]any{"job_id": id, "instance_id": w.InstanceID})
		}
	}

	items := make([]itemResult, 0, len(ids))
	for _, id := range ids {
		items = append(items, w.fetchAndPreprocess(ctx, id))
	}

	w.predictAndPersist(ctx, items)
}

// fetchAndPreprocess implements spec §4.3 step 3: GET image:{id},
// decode/resize/normalize. Missing image or preprocess error marks the
// item for the failure path without aborting the rest of the batch.
func (w *Worker) fetchAndPreprocess(ctx context.Context, id int64) itemResult {
	raw, ok, err := w.Queue.GetImage(ctx, id)
	if err != nil || !ok {
		return itemResult{id: id, out: outcomeFailed, reason: "image_missing"}
	}

	tensor, err := preprocess(raw)
	if err != nil {
		return itemResult{id: id, out: outcomeFailed, reason: "preprocess_failed"}
	}

	return itemResult{id: id, out: outcomeSucceeded, tensor: tensor}
}

// predictAndPersist implements spec §4.3 steps 4-5 and routes failures
// into §4.4. The Predictor is invoked once over all successfully
// preprocessed items; a deadline or Predictor error fails the whole
// remaining batch (spec §4.3 step 4), not just one item.
func (w *Worker) predictAndPersist(ctx context.Context, items []itemResult) {
	var okItems []itemResult
	var tensors []predictor.Tensor
	for _, it := range items {
		if it.out == outcomeSucceeded {
			okItems = append(okItems, it)
			tensors = append(tensors, it.tensor)
		} else {
			w.handleFailure(ctx, it.id, it.reason)
		}
	}

	if len(tensors) == 0 {
		return
	}

	deadline := w.InferenceTimeout * time.Duration(len(tensors))
	predictCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	predictions, err := w.Predictor.Predict(predictCtx, tensors)
	if w.Live != nil {
		w.Live.PredictorLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		reason := "inference_error"
		if predictCtx.Err() == context.DeadlineExceeded {
			reason = "inference_timeout"
		}
		for _, it := range okItems {
			w.handleFailure(ctx, it.id, reason)
		}
		return
	}

	if len(predictions) != len(okItems) {
		// A conforming Predictor returns one prediction per tensor (spec
		// §4.3 step 4); a short or long slice means the Predictor is
		// misbehaving, not that any one item failed, so route the whole
		// batch to the failure path instead of indexing out of range.
		if w.Logger != nil {
			w.Logger.Error(nil).LogActivity("predictor returned mismatched prediction count", map[string]any{
				"expected": len(okItems), "got": len(predictions),
			})
		}
		for _, it := range okItems {
			w.handleFailure(ctx, it.id, "inference_error")
		}
		return
	}

	for i, it := range okItems {
		w.persistResult(ctx, it.id, predictions[i])
	}
}

// persistResult implements spec §4.3 step 5: insert Result, then
// transition the Job to COMPLETED.
func (w *Worker) persistResult(ctx context.Context, id int64, pred predictor.Prediction) {
	output, err := json.Marshal(pred.Scores)
	if err != nil {
		w.handleFailure(ctx, id, "inference_error")
		return
	}

	if _, err := w.Store.Queries.InsertResult(ctx, djssqlc.InsertResultParams{
		JobID: id, Output: output, TopLabel: pred.TopLabel,
	}); err != nil {
		if w.Logger != nil {
			w.Logger.Error(err).LogActivity("failed to insert result", map[string]any{"job_id": id})
		}
		return
	}

	if err := w.Store.Queries.CompleteJob(ctx, id); err != nil {
		if w.Logger != nil {
			w.Logger.Error(err).LogActivity("failed to complete job", map[string]any{"job_id": id})
		}
		return
	}
	if w.Live != nil {
		w.Live.JobsCompleted.Inc()
	}
}

// handleFailure implements spec §4.4's retry/DLQ protocol for one id.
func (w *Worker) handleFailure(ctx context.Context, id int64, reason string) {
	r, err := w.Queue.IncrRetry(ctx, id, w.RetryTTL)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Error(err).LogActivity("failed to increment retry counter", map[string]any{"job_id": id, "reason": reason})
		}
		return
	}

	if r <= w.MaxRetries {
		// The job remains IN_PROGRESS until re-picked; the next worker's
		// promotion UPDATE is idempotent on IN_PROGRESS (spec §4.4 step 2).
		if err := w.Queue.Enqueue(ctx, id); err != nil && w.Logger != nil {
			w.Logger.Error(err).LogActivity("failed to requeue after failure", map[string]any{"job_id": id, "reason": reason})
		}
		return
	}

	if err := w.Store.Queries.FailJob(ctx, id, reason); err != nil {
		if w.Logger != nil {
			w.Logger.Error(err).LogActivity("failed to mark job failed", map[string]any{"job_id": id})
		}
		return
	}
	if w.Live != nil {
		w.Live.JobsFailed.Inc()
	}
	if err := w.Queue.PushDLQ(ctx, id); err != nil && w.Logger != nil {
		w.Logger.Error(err).LogActivity("failed to push to dlq", map[string]any{"job_id": id})
	}
	if err := w.Queue.DeleteRetry(ctx, id); err != nil && w.Logger != nil {
		w.Logger.Error(err).LogActivity("failed to delete retry counter", map[string]any{"job_id": id})
	}
}
