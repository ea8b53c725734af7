package continuation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/telemetry"
)

// sweepBatchSize bounds how many jobs and runs one sweep looks at.
const sweepBatchSize = 200

// SweepStats summarizes one recovery sweep.
type SweepStats struct {
	StaleJobsFailed  int `json:"stale_jobs_failed"`
	Redriven         int `json:"redriven"`
	Created          int `json:"created"`
	Errors           int `json:"errors"`
	QueuedRunsKicked int `json:"queued_runs_kicked"`
}

// Sweeper runs recovery sweeps on an interval.
type Sweeper struct {
	db         *storage.DB
	manager    *Manager
	emitter    *events.Emitter
	kicker     Kicker
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration

	redriven metric.Int64Counter

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewSweeper creates a Sweeper. Running jobs whose heartbeat is older than
// staleAfter are failed as lost.
func NewSweeper(db *storage.DB, manager *Manager, emitter *events.Emitter, kicker Kicker, logger *slog.Logger, interval, staleAfter time.Duration) *Sweeper {
	counter, _ := telemetry.Meter("tsugi/continuation").Int64Counter("tsugi.sweep.redriven",
		metric.WithDescription("Finished jobs re-driven into continuations by the recovery sweep"),
	)
	return &Sweeper{
		db:         db,
		manager:    manager,
		emitter:    emitter,
		kicker:     kicker,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		redriven:   counter,
		done:       make(chan struct{}),
	}
}

// Sweep performs one recovery pass:
//   - fails running jobs that stopped heartbeating,
//   - resumes every waiting run whose job finished but was never acknowledged,
//   - wakes runners for runs left queued.
//
// Two sweeps over the same state create at most one continuation per run.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	stale, err := s.db.FailStaleJobs(ctx, s.staleAfter)
	if err != nil {
		return stats, err
	}
	stats.StaleJobsFailed = len(stale)
	for _, job := range stale {
		s.logger.Warn("sweep: failed stale job", "job_id", job.ID, "trace_id", job.TraceID)
		if job.SupervisorRunID != nil {
			if run, err := s.db.GetRun(ctx, *job.SupervisorRunID); err == nil {
				s.emitter.JobChanged(ctx, job, run.RootRunID)
			}
		}
	}

	jobs, err := s.db.ListResumableJobs(ctx, sweepBatchSize)
	if err != nil {
		return stats, err
	}
	for _, job := range jobs {
		out, err := s.manager.Resume(ctx, job.ID)
		if err != nil {
			stats.Errors++
			if !errors.Is(err, ErrNotResumable) {
				s.logger.Error("sweep: resume failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		stats.Redriven++
		if out.Kind == storage.ContinuationCreated {
			stats.Created++
		}
	}
	if s.redriven != nil && stats.Redriven > 0 {
		s.redriven.Add(ctx, int64(stats.Redriven))
	}

	queued, err := s.db.ListRunsByStatus(ctx, model.RunStatusQueued, sweepBatchSize)
	if err != nil {
		return stats, err
	}
	for _, run := range queued {
		s.kicker.Kick(ctx, run.ID)
	}
	stats.QueuedRunsKicked = len(queued)

	if stats.StaleJobsFailed+stats.Redriven+stats.Errors > 0 {
		s.logger.Info("sweep: completed",
			"stale_jobs_failed", stats.StaleJobsFailed, "redriven", stats.Redriven,
			"created", stats.Created, "errors", stats.Errors, "queued_runs_kicked", stats.QueuedRunsKicked)
	}
	return stats, nil
}

// Start runs Sweep every interval until Drain. Safe to call once.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("sweep: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
			if _, err := s.Sweep(sweepCtx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep: failed", "error", err)
			}
			cancel()
		}
	}
}

// Drain stops the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Drain(ctx context.Context) {
	if s.cancelLoop == nil {
		return
	}
	s.cancelLoop()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("sweep: drain timed out")
	}
}
