package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Live is the process-level Prometheus instrumentation surface, adapted
// from the teacher's metrics.PrometheusMetrics: fixed, typed fields
// instead of name-keyed maps, since this core has a known, small set of
// counters/histograms rather than an open-ended plugin registry.
type Live struct {
	JobsSubmitted    prometheus.Counter
	JobsDeduped      prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       prometheus.Counter
	BatchSize        prometheus.Histogram
	PredictorLatency prometheus.Histogram
}

// NewLive registers and returns the fixed set of process metrics this
// core exposes at /metrics, the way PrometheusMetrics.Register did per
// name but resolved once at startup here instead of on demand.
func NewLive(reg prometheus.Registerer) *Live {
	l := &Live{
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inferqueue_jobs_submitted_total",
			Help: "Total jobs submitted via POST /v1/jobs.",
		}),
		JobsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inferqueue_jobs_deduped_total",
			Help: "Total submissions resolved via the fingerprint cache.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inferqueue_jobs_completed_total",
			Help: "Total jobs transitioned to COMPLETED.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inferqueue_jobs_failed_total",
			Help: "Total jobs transitioned to FAILED.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inferqueue_worker_batch_size",
			Help:    "Size of micro-batches assembled by workers.",
			Buckets: []float64{1, 2, 4, 8, 16},
		}),
		PredictorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inferqueue_predictor_latency_seconds",
			Help:    "Wall-clock duration of Predictor.Predict calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(l.JobsSubmitted, l.JobsDeduped, l.JobsCompleted, l.JobsFailed, l.BatchSize, l.PredictorLatency)
	return l
}

// Handler exposes the standard Prometheus scrape endpoint, mirroring
// PrometheusMetrics.StartMetricsServer's promhttp.Handler() wiring but
// returning the handler instead of owning the listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
