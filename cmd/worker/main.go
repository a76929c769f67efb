// Command worker runs the Worker Pool: a Supervisor goroutine that
// spawns WORKER_COUNT workers draining queue:inference, plus the
// Recovery Sweeper (spec §4.3, §4.5).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/config"
	"github.com/chestxray/inferqueue/internal/djs"
	"github.com/chestxray/inferqueue/internal/metrics"
	"github.com/chestxray/inferqueue/internal/predictor"
	"github.com/chestxray/inferqueue/internal/recovery"
	"github.com/chestxray/inferqueue/internal/worker"
)

func main() {
	cfg := config.Load()

	loggerCtx := &logharbour.LoggerContext{}
	logger := logharbour.NewLogger(loggerCtx, "inferqueue-worker", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := djs.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("worker: connect djs: %v", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	queue := bqs.New(rdb)

	live := metrics.NewLive(prometheus.DefaultRegisterer)

	// No trained model is wired into this core (spec §1 Non-goals:
	// accuracy validation, model training). Stub stands in for whatever
	// black-box Predictor a deployment plugs in behind the interface.
	pred := predictor.NewStub()

	sweeper := recovery.New(store, queue, int64(cfg.MaxRetries), cfg.RetryTTL, logger)

	supervisor := &worker.Supervisor{
		Store:              store,
		Queue:              queue,
		Predictor:          pred,
		Logger:             logger,
		Sweeper:            sweeper,
		WorkerCount:        cfg.WorkerCount,
		SupervisorTick:     cfg.SupervisorTick,
		RecoveryPeriod:     cfg.RecoveryPeriod,
		StuckInProgressAge: cfg.StuckInProgress,
		StuckQueuedAge:     cfg.StuckQueued,
		NewWorker: func() *worker.Worker {
			w := worker.New(store, queue, pred, logger)
			w.BatchWindow = cfg.BatchWindow
			w.MaxBatchSize = cfg.MaxBatchSize
			w.BRPopTimeout = cfg.BRPopTimeout
			w.InferenceTimeout = cfg.InferenceTimeout
			w.MaxRetries = int64(cfg.MaxRetries)
			w.RetryTTL = cfg.RetryTTL
			w.OwnerTTL = cfg.StuckInProgress
			w.Live = live
			return w
		},
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info().LogActivity("worker metrics listening", map[string]any{"addr": cfg.MetricsAddr})
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error(err).LogActivity("metrics server exited", nil)
		}
	}()

	logger.Info().LogActivity("worker pool starting", map[string]any{"worker_count": cfg.WorkerCount})
	supervisor.Run(ctx)
	logger.Info().LogActivity("worker pool shut down", nil)
}
