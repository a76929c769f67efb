package worker

import (
	"context"
	"time"
)

// collectBatch implements spec §4.3 step 1: block on Dequeue with
// brpopTimeout; on a hit, open a bounded window performing non-blocking
// dequeues until the window elapses, the first empty reply, or
// maxBatchSize is reached. Returns an empty, ok=false slice on a
// timeout with nothing collected -- the caller re-checks shutdown and
// loops.
func (w *Worker) collectBatch(ctx context.Context) ([]int64, bool) {
	first, ok, err := w.Queue.Dequeue(ctx, w.BRPopTimeout)
	if err != nil || !ok {
		return nil, false
	}

	ids := []int64{first}
	deadline := time.Now().Add(w.BatchWindow)

	for len(ids) < w.MaxBatchSize && time.Now().Before(deadline) {
		id, ok, err := w.Queue.DequeueNonBlocking(ctx)
		if err != nil || !ok {
			break
		}
		ids = append(ids, id)
	}

	return ids, true
}
