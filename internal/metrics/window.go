// Package metrics serves the point-in-time window view spec §4.6
// requires (throughput, failure rate, latency percentiles, DLQ depth),
// plus the live Prometheus counters/histograms adapted from the
// teacher's metrics package for process-level observability.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/djs"
	"github.com/chestxray/inferqueue/internal/djs/djssqlc"
)

// WindowSize is the fixed lookback spec §4.6 specifies: "a point-in-time
// view of the most recent 300 s window".
const WindowSize = 300 * time.Second

// Window is the computed view backing GET /v1/ops/metrics.
type Window struct {
	RPS         float64
	FailureRate float64
	P50Ms       float64
	P95Ms       float64
	P99Ms       float64
	DLQDepth    int64
}

// Aggregator computes Window views from DJS (latency samples, counts)
// and BQS (DLQ depth).
type Aggregator struct {
	Store *djs.Store
	Queue bqs.Client
}

// New constructs an Aggregator.
func New(store *djs.Store, queue bqs.Client) *Aggregator {
	return &Aggregator{Store: store, Queue: queue}
}

// Compute implements spec §4.6 verbatim: throughput, failure rate, and
// latency percentiles are computed from raw samples in the window, not
// pre-aggregates; DLQ depth is a direct BQS read.
func (a *Aggregator) Compute(ctx context.Context, now time.Time) (Window, error) {
	since := now.Add(-WindowSize)

	total, err := a.Store.Queries.CountJobsCreatedSince(ctx, since)
	if err != nil {
		return Window{}, fmt.Errorf("metrics: count jobs: %w", err)
	}

	completed, err := a.Store.Queries.CountByStatusSince(ctx, djssqlc.StatusCompleted, since)
	if err != nil {
		return Window{}, fmt.Errorf("metrics: count completed: %w", err)
	}
	failed, err := a.Store.Queries.CountByStatusSince(ctx, djssqlc.StatusFailed, since)
	if err != nil {
		return Window{}, fmt.Errorf("metrics: count failed: %w", err)
	}

	var failureRate float64
	if denom := completed + failed; denom > 0 {
		failureRate = float64(failed) / float64(denom)
	}

	samples, err := a.Store.Queries.LatencySamplesMsSince(ctx, since)
	if err != nil {
		return Window{}, fmt.Errorf("metrics: latency samples: %w", err)
	}

	dlqDepth, err := a.Queue.DLQDepth(ctx)
	if err != nil {
		return Window{}, fmt.Errorf("metrics: dlq depth: %w", err)
	}

	p50, p95, p99 := percentiles(samples)

	return Window{
		RPS:         float64(total) / WindowSize.Seconds(),
		FailureRate: failureRate,
		P50Ms:       p50,
		P95Ms:       p95,
		P99Ms:       p99,
		DLQDepth:    dlqDepth,
	}, nil
}

// percentiles computes p50/p95/p99 over raw samples sorted ascending,
// taking for each p the sample at index round(p*(n-1)). Returns zeros for
// an empty sample set.
func percentiles(samples []float64) (p50, p95, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	return rank(sorted, 0.50), rank(sorted, 0.95), rank(sorted, 0.99)
}

func rank(sorted []float64, p float64) float64 {
	idx := int(p*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
