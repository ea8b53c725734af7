// Package dispatch records delegations in the idempotent job ledger.
//
// Dispatch never executes a worker. It writes a queued job keyed by
// (supervisor run, tool call) and wakes the executors; a repeated or
// concurrent dispatch for the same key returns the existing job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/telemetry"
	"github.com/ashita-ai/tsugi/internal/worker"
)

// ErrInvalidRequest is returned for dispatch requests that fail validation.
var ErrInvalidRequest = errors.New("dispatch: invalid request")

// StatusAccepted is the only dispatch status: the job is in the ledger.
const StatusAccepted = "accepted"

// Request is a delegation from a supervisor run.
type Request struct {
	RunID      int64
	ToolCallID string
	OwnerID    int64
	TraceID    string
	Config     model.JobConfig
}

// Result identifies the ledger entry for a request.
type Result struct {
	JobID  int64  `json:"job_id"`
	Status string `json:"status"`
	// Existing is true when the job was created by an earlier dispatch.
	Existing  bool            `json:"existing"`
	JobStatus model.JobStatus `json:"job_status"`
}

// Service dispatches jobs.
type Service struct {
	db       *storage.DB
	registry *worker.Registry
	logger   *slog.Logger

	dispatched metric.Int64Counter
}

// New creates a dispatch Service. Modes are validated against registry.
func New(db *storage.DB, registry *worker.Registry, logger *slog.Logger) *Service {
	counter, _ := telemetry.Meter("tsugi/dispatch").Int64Counter("tsugi.dispatch.total",
		metric.WithDescription("Delegations recorded in the job ledger"),
	)
	return &Service{db: db, registry: registry, logger: logger, dispatched: counter}
}

// Dispatch records req in the job ledger and returns immediately.
func (s *Service) Dispatch(ctx context.Context, req Request) (Result, error) {
	if err := s.validate(req); err != nil {
		return Result{}, err
	}
	job, created, err := s.db.CreateJob(ctx, req.params())
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}
	return s.recorded(ctx, req, job, created), nil
}

// Delegate records req and parks the dispatching run on req.ToolCallID in
// the same transaction. It returns the run in its waiting state. A run that
// is not running is rejected with a *model.TransitionError and no job is
// recorded.
func (s *Service) Delegate(ctx context.Context, req Request) (Result, model.Run, error) {
	if err := s.validate(req); err != nil {
		return Result{}, model.Run{}, err
	}
	res, err := s.db.DelegateRun(ctx, req.params())
	if err != nil {
		return Result{}, model.Run{}, fmt.Errorf("dispatch: %w", err)
	}
	return s.recorded(ctx, req, res.Job, res.Created), res.Run, nil
}

func (s *Service) validate(req Request) error {
	if req.RunID <= 0 || req.ToolCallID == "" {
		return fmt.Errorf("%w: run id and tool call id are required", ErrInvalidRequest)
	}
	if err := req.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, err := s.registry.Lookup(req.Config.Mode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func (r Request) params() storage.CreateJobParams {
	return storage.CreateJobParams{
		SupervisorRunID: r.RunID,
		ToolCallID:      r.ToolCallID,
		OwnerID:         r.OwnerID,
		TraceID:         r.TraceID,
		Config:          r.Config,
	}
}

// recorded counts and logs a ledger write and wakes executors for new jobs.
func (s *Service) recorded(ctx context.Context, req Request, job model.WorkerJob, created bool) Result {
	if s.dispatched != nil {
		s.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.Bool("existing", !created)))
	}
	if created {
		s.logger.Info("dispatch: job queued",
			"job_id", job.ID, "run_id", req.RunID, "tool_call_id", req.ToolCallID,
			"mode", req.Config.Mode, "trace_id", req.TraceID)
		if err := s.db.Notify(ctx, storage.ChannelJobs, strconv.FormatInt(job.ID, 10)); err != nil {
			s.logger.Warn("dispatch: notify executors failed", "job_id", job.ID, "error", err)
		}
	} else {
		s.logger.Debug("dispatch: existing job returned",
			"job_id", job.ID, "run_id", req.RunID, "tool_call_id", req.ToolCallID, "job_status", job.Status)
	}
	return Result{JobID: job.ID, Status: StatusAccepted, Existing: !created, JobStatus: job.Status}
}
