// Package executor runs queued worker jobs on a bounded pool, records their
// terminal status in the job ledger and hands each finished job to the
// continuation manager.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsugi/internal/ctxutil"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/continuation"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/telemetry"
	"github.com/ashita-ai/tsugi/internal/tracing"
	"github.com/ashita-ai/tsugi/internal/worker"
)

var (
	errJobCancelled = errors.New("executor: job cancelled")
	errShutdown     = errors.New("executor: shutting down")
)

// Resumer continues the run that was waiting on a finished job.
type Resumer interface {
	Resume(ctx context.Context, jobID int64) (continuation.Outcome, error)
}

// Config tunes a Pool.
type Config struct {
	Concurrency       int
	DefaultTimeout    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
}

// Pool executes jobs independently of the supervisors that dispatched them.
type Pool struct {
	db       *storage.DB
	registry *worker.Registry
	resumer  Resumer
	emitter  *events.Emitter
	logger   *slog.Logger
	cfg      Config

	group    errgroup.Group
	inflight atomic.Int64
	wake     chan struct{}

	mu      sync.Mutex
	cancels map[int64]context.CancelCauseFunc

	completed metric.Int64Counter

	started    atomic.Bool
	cancelLoop context.CancelFunc
	cancelJobs context.CancelCauseFunc
	jobsCtx    context.Context
	done       chan struct{}
}

// NewPool creates an executor Pool.
func NewPool(db *storage.DB, registry *worker.Registry, resumer Resumer, emitter *events.Emitter, logger *slog.Logger, cfg Config) *Pool {
	cfg.defaults()
	counter, _ := telemetry.Meter("tsugi/executor").Int64Counter("tsugi.jobs.completed",
		metric.WithDescription("Worker jobs that reached a terminal status"),
	)
	p := &Pool{
		db:        db,
		registry:  registry,
		resumer:   resumer,
		emitter:   emitter,
		logger:    logger,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		cancels:   make(map[int64]context.CancelCauseFunc),
		completed: counter,
		done:      make(chan struct{}),
	}
	p.group.SetLimit(cfg.Concurrency)
	return p
}

// Start begins claiming jobs. Safe to call once.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("executor: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()

	// Jobs outlive the poll loop so Drain can let them finish.
	p.jobsCtx, p.cancelJobs = context.WithCancelCause(context.WithoutCancel(ctx))
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.pollLoop(loopCtx)
}

// Wake prompts an immediate claim attempt, typically on a dispatch notification.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// HandleNotification adapts Wake to a LISTEN handler.
func (p *Pool) HandleNotification(string) { p.Wake() }

// HandleCancelNotification cancels the job whose id is the payload.
func (p *Pool) HandleCancelNotification(payload string) {
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		p.logger.Warn("executor: bad cancel payload", "payload", payload)
		return
	}
	p.CancelJob(id)
}

// CancelJob stops a job running in this process. Jobs elsewhere notice the
// cancellation on their next heartbeat.
func (p *Pool) CancelJob(id int64) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	p.mu.Unlock()
	if ok {
		cancel(errJobCancelled)
	}
	return ok
}

// InFlight returns the number of jobs currently executing.
func (p *Pool) InFlight() int {
	return int(p.inflight.Load())
}

func (p *Pool) pollLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// ProcessOnce claims as many queued jobs as there are free slots and starts
// them. It returns the number of jobs started.
func (p *Pool) ProcessOnce(ctx context.Context) int {
	free := p.cfg.Concurrency - int(p.inflight.Load())
	if free <= 0 || ctx.Err() != nil {
		return 0
	}
	jobs, err := p.db.ClaimQueuedJobs(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("executor: claim jobs failed", "error", err)
		}
		return 0
	}

	jobsCtx := p.jobsCtx
	if jobsCtx == nil {
		jobsCtx = context.WithoutCancel(ctx)
	}
	for _, job := range jobs {
		p.inflight.Add(1)
		p.group.Go(func() error {
			defer p.inflight.Add(-1)
			p.execute(jobsCtx, job)
			return nil
		})
	}
	return len(jobs)
}

func (p *Pool) execute(parent context.Context, job model.WorkerJob) {
	corr := ctxutil.Correlation{TraceID: job.TraceID, JobID: job.ID}
	if job.SupervisorRunID != nil {
		corr.RunID = *job.SupervisorRunID
	}
	ctx := ctxutil.WithCorrelation(parent, corr)
	if traced, err := tracing.ContextWithTrace(ctx, job.TraceID); err == nil {
		ctx = traced
	}
	log := ctxutil.Logger(ctx, p.logger)

	ctx, span := telemetry.Tracer("tsugi/executor").Start(ctx, "worker.job")
	defer span.End()

	timeout := p.cfg.DefaultTimeout
	if job.Config.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Config.TimeoutSeconds) * time.Second
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	p.mu.Lock()
	p.cancels[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
	}()

	hbDone := make(chan struct{})
	go p.heartbeat(runCtx, job.ID, cancel, hbDone)

	log.Info("executor: job started", "mode", job.Config.Mode)
	start := time.Now()
	output, runErr := p.run(runCtx, job)
	cancelTimeout()
	<-hbDone

	if errors.Is(context.Cause(parent), errShutdown) {
		// Left running; the recovery sweep fails it once the heartbeat goes stale.
		log.Warn("executor: job abandoned at shutdown")
		return
	}

	res := classify(runCtx, output, runErr, timeout)
	finished, err := p.db.FinishJob(context.WithoutCancel(ctx), job.ID, res)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotRunning) {
			log.Info("executor: job already finished elsewhere", "status", finished.Status)
			return
		}
		log.Error("executor: record result failed", "error", err)
		return
	}

	if p.completed != nil {
		p.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	}
	log.Info("executor: job finished",
		"status", res.Status, "duration_ms", time.Since(start).Milliseconds())

	bg := context.WithoutCancel(ctx)
	if finished.SupervisorRunID != nil {
		if run, err := p.db.GetRun(bg, *finished.SupervisorRunID); err == nil {
			p.emitter.JobChanged(bg, finished, run.RootRunID)
		}
	}
	if _, err := p.resumer.Resume(bg, finished.ID); err != nil && !errors.Is(err, continuation.ErrNotResumable) {
		// The recovery sweep re-drives unacknowledged jobs.
		log.Error("executor: resume failed", "error", err)
	}
}

func (p *Pool) run(ctx context.Context, job model.WorkerJob) (output string, err error) {
	w, err := p.registry.Lookup(job.Config.Mode)
	if err != nil {
		return "", err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: worker panicked: %v", r)
		}
	}()
	return w.Run(ctx, job)
}

// classify maps a worker's return to the job's terminal status.
func classify(runCtx context.Context, output string, runErr error, timeout time.Duration) model.JobResult {
	switch {
	case errors.Is(context.Cause(runCtx), errJobCancelled):
		return model.JobResult{Status: model.JobStatusCancelled, Error: "job cancelled"}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return model.JobResult{Status: model.JobStatusTimeout, Error: fmt.Sprintf("worker timed out after %s", timeout)}
	case runErr != nil:
		return model.JobResult{Status: model.JobStatusFailed, Error: runErr.Error()}
	default:
		return model.JobResult{Status: model.JobStatusSuccess, Output: output}
	}
}

func (p *Pool) heartbeat(ctx context.Context, jobID int64, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := p.db.HeartbeatJob(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("executor: heartbeat failed", "job_id", jobID, "error", err)
				}
				continue
			}
			if status == model.JobStatusCancelled {
				cancel(errJobCancelled)
				return
			}
		}
	}
}

// Wait blocks until every started job has returned.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

// Drain stops claiming and waits for running jobs. Jobs still running when
// ctx expires are abandoned to the recovery sweep.
func (p *Pool) Drain(ctx context.Context) {
	if p.cancelLoop == nil {
		return
	}
	p.cancelLoop()
	<-p.done

	waited := make(chan struct{})
	go func() {
		p.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		p.logger.Warn("executor: drain timed out, abandoning running jobs", "in_flight", p.InFlight())
		p.cancelJobs(errShutdown)
	}
}

func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("tsugi/executor")
	_, _ = meter.Int64ObservableGauge("tsugi.jobs.in_flight",
		metric.WithDescription("Worker jobs currently executing in this process"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.inflight.Load())
			return nil
		}),
	)
}
