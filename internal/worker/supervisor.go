package worker

import (
	"context"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/djs"
	"github.com/chestxray/inferqueue/internal/predictor"
	"github.com/chestxray/inferqueue/internal/recovery"
)

// Supervisor spawns WORKER_COUNT workers, restarts any that exit, and
// periodically runs the Recovery Sweeper (spec §4.3). Mapped onto Go
// goroutines rather than OS processes: one supervisor goroutine owns
// the worker set and recovers from a worker goroutine's panic the way
// spec §4.3 has it recover from a crashed worker process.
type Supervisor struct {
	Store     *djs.Store
	Queue     bqs.Client
	Predictor predictor.Predictor
	Logger    *logharbour.Logger
	Sweeper   *recovery.Sweeper

	WorkerCount        int
	SupervisorTick     time.Duration
	RecoveryPeriod     time.Duration
	StuckInProgressAge time.Duration
	StuckQueuedAge     time.Duration

	NewWorker func() *Worker
}

// Run spawns WorkerCount workers and blocks until ctx is cancelled,
// restarting any worker goroutine that exits early (spec §4.3:
// "Every 3 s: inspect child liveness; restart any dead child with the
// same role"). It also starts the Sweeper on RecoveryPeriod, mirroring
// jobs/recovery.go's runPeriodicRecovery ticker loop.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if s.Sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Sweeper.Run(ctx, s.RecoveryPeriod, s.StuckInProgressAge, s.StuckQueuedAge)
		}()
	}

	for i := 0; i < s.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.superviseOne(ctx)
		}()
	}

	wg.Wait()
}

// superviseOne runs one worker slot, restarting it whenever it exits
// for a reason other than ctx cancellation -- the goroutine equivalent
// of "restart any dead child with the same role".
func (s *Supervisor) superviseOne(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.runWorkerWithRecover(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.SupervisorTick):
		}
	}
}

// runWorkerWithRecover runs one Worker.Run to completion, converting a
// panic into a logged restart signal instead of crashing the whole
// process -- the in-process analogue of a crashed worker process being
// respawned by the Supervisor.
func (s *Supervisor) runWorkerWithRecover(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && s.Logger != nil {
			s.Logger.Error(nil).LogActivity("worker panicked, will be restarted", map[string]any{"panic": r})
		}
	}()

	w := s.NewWorker()
	w.Run(ctx)
}
