package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/telemetry"
)

var errRunnerShutdown = errors.New("supervisor: shutting down")

// Executor runs a single hop. *Supervisor satisfies it.
type Executor interface {
	Execute(ctx context.Context, runID int64) error
}

// Runner picks up queued runs and executes them on a bounded pool.
type Runner struct {
	db           *storage.DB
	exec         Executor
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration

	group    errgroup.Group
	inflight atomic.Int64
	wake     chan struct{}

	mu     sync.Mutex
	active map[int64]struct{}

	started    atomic.Bool
	cancelLoop context.CancelFunc
	cancelRuns context.CancelCauseFunc
	runsCtx    context.Context
	done       chan struct{}
}

// NewRunner creates a Runner executing at most concurrency hops at once.
func NewRunner(db *storage.DB, exec Executor, logger *slog.Logger, concurrency int, pollInterval time.Duration) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	r := &Runner{
		db:           db,
		exec:         exec,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		active:       make(map[int64]struct{}),
		done:         make(chan struct{}),
	}
	r.group.SetLimit(concurrency)
	return r
}

// Start begins picking up runs. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("runner: Start called more than once, ignoring")
		return
	}
	meter := telemetry.Meter("tsugi/supervisor")
	_, _ = meter.Int64ObservableGauge("tsugi.runs.in_flight",
		metric.WithDescription("Supervisor hops currently executing in this process"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.inflight.Load())
			return nil
		}),
	)

	r.runsCtx, r.cancelRuns = context.WithCancelCause(context.WithoutCancel(ctx))
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.loop(loopCtx)
}

// Wake prompts an immediate pickup attempt.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// HandleNotification adapts Wake to a LISTEN handler; the payload is a run id.
func (r *Runner) HandleNotification(payload string) {
	if _, err := strconv.ParseInt(payload, 10, 64); err != nil {
		r.logger.Debug("runner: ignoring notification", "payload", payload)
	}
	r.Wake()
}

// InFlight returns the number of hops executing.
func (r *Runner) InFlight() int {
	return int(r.inflight.Load())
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		r.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// ProcessOnce starts hops for queued runs up to the free capacity and
// returns how many it started. Claiming happens inside the hop, so a run
// seen by two processes is executed by exactly one.
func (r *Runner) ProcessOnce(ctx context.Context) int {
	free := r.concurrency - int(r.inflight.Load())
	if free <= 0 || ctx.Err() != nil {
		return 0
	}
	queued, err := r.db.ListRunsByStatus(ctx, model.RunStatusQueued, free)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("runner: list queued runs failed", "error", err)
		}
		return 0
	}

	runsCtx := r.runsCtx
	if runsCtx == nil {
		runsCtx = context.WithoutCancel(ctx)
	}
	started := 0
	for _, run := range queued {
		if !r.acquire(run.ID) {
			continue
		}
		started++
		r.inflight.Add(1)
		r.group.Go(func() error {
			defer r.inflight.Add(-1)
			defer r.release(run.ID)
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("runner: hop panicked", "run_id", run.ID, "panic", p)
				}
			}()
			if err := r.exec.Execute(runsCtx, run.ID); err != nil {
				r.logger.Error("runner: hop failed", "run_id", run.ID, "error", err)
			}
			return nil
		})
	}
	return started
}

func (r *Runner) acquire(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[id]; busy {
		return false
	}
	r.active[id] = struct{}{}
	return true
}

func (r *Runner) release(id int64) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Wait blocks until every started hop has returned.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

// Drain stops picking up runs and waits for hops in flight. When ctx
// expires first, their contexts are cancelled.
func (r *Runner) Drain(ctx context.Context) {
	if r.cancelLoop == nil {
		return
	}
	r.cancelLoop()
	<-r.done

	waited := make(chan struct{})
	go func() {
		r.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		r.logger.Warn("runner: drain timed out, cancelling hops", "in_flight", r.InFlight())
		r.cancelRuns(errRunnerShutdown)
	}
}
