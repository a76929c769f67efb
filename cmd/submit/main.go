// Command submit runs the Submission Service HTTP server (spec §4.1,
// §6): the synchronous front door that accepts image uploads, dedups
// and enqueues them, and serves status/result/ops reads.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/config"
	"github.com/chestxray/inferqueue/internal/djs"
	"github.com/chestxray/inferqueue/internal/httpapi"
	"github.com/chestxray/inferqueue/internal/metrics"
	"github.com/chestxray/inferqueue/internal/submission"
)

// shutdownGrace bounds how long the HTTP server waits for in-flight
// requests to drain on SIGTERM/SIGINT, mirroring the bounded-wait
// shutdown spec §5 gives the worker pool.
const shutdownGrace = 10 * time.Second

func main() {
	cfg := config.Load()

	loggerCtx := &logharbour.LoggerContext{}
	logger := logharbour.NewLogger(loggerCtx, "inferqueue-submit", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := djs.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("submit: connect djs: %v", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	queue := bqs.New(rdb)

	// cache:sha256:{h} carries the same 600 s TTL as image:{job_id} (spec §2).
	svc := submission.New(store, queue, cfg.ImageTTL, cfg.ImageTTL, logger)
	agg := metrics.New(store, queue)

	svc.Live = metrics.NewLive(prometheus.DefaultRegisterer)

	srv := &httpapi.Server{
		Submission: svc,
		Metrics:    agg,
		Store:      store,
		Queue:      queue,
		ModelName:  cfg.ModelName,
	}
	router := srv.NewRouter()
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info().LogActivity("submission service listening", map[string]any{"addr": cfg.HTTPAddr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("submit: listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info().LogActivity("submission service shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err).LogActivity("submission service shutdown did not drain cleanly", nil)
	}
}
