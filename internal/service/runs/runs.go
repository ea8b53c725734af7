// Package runs owns the lifecycle of supervisor runs: enqueueing chain
// roots, claiming, parking on a delegation, completing, cancelling, and the
// caller-side long poll. Every status change is published as an aliased
// course_update.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/tracing"
)

// ErrRunNotClaimable is returned by Claim when the run is not queued.
var ErrRunNotClaimable = errors.New("runs: run not claimable")

// waitPollInterval bounds how long Wait sleeps between reads when no event
// wakes it first.
const waitPollInterval = 250 * time.Millisecond

// Service implements run lifecycle operations.
type Service struct {
	db      *storage.DB
	emitter *events.Emitter
	hub     *events.Hub
	logger  *slog.Logger
}

// New creates a run Service. hub may be nil; Wait then relies on polling.
func New(db *storage.DB, emitter *events.Emitter, hub *events.Hub, logger *slog.Logger) *Service {
	return &Service{db: db, emitter: emitter, hub: hub, logger: logger}
}

// Enqueue starts a new chain on a thread: it appends the user message and
// inserts a queued root run with a fresh trace id, then wakes the runners.
func (s *Service) Enqueue(ctx context.Context, threadID int64, req model.StartRunRequest) (model.Run, error) {
	if err := req.Validate(); err != nil {
		return model.Run{}, fmt.Errorf("runs: %w", err)
	}
	thread, err := s.db.GetThread(ctx, threadID)
	if err != nil {
		return model.Run{}, err
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerAPI
	}
	modelName := req.Model
	if modelName == "" {
		modelName = thread.Model
	}
	effort := req.ReasoningEffort
	if effort == "" {
		effort = thread.ReasoningEffort
	}

	run, err := s.db.CreateRootRun(ctx, storage.CreateRunParams{
		ThreadID:           threadID,
		TraceID:            tracing.NewTraceID(),
		Trigger:            trigger,
		Model:              modelName,
		ReasoningEffort:    effort,
		AssistantMessageID: tracing.NewMessageID(),
		UserMessage:        req.Message,
	})
	if err != nil {
		return model.Run{}, err
	}

	s.logger.Info("runs: enqueued",
		"run_id", run.ID, "root_run_id", run.RootRunID, "thread_id", threadID, "trace_id", run.TraceID)
	s.emitter.RunChanged(ctx, run)
	s.Kick(ctx, run.ID)
	return run, nil
}

// Kick notifies runners that a run is queued. Best-effort: the runner's poll
// loop and the recovery sweep pick up anything a lost notification misses.
func (s *Service) Kick(ctx context.Context, runID int64) {
	if err := s.db.Notify(ctx, storage.ChannelRuns, strconv.FormatInt(runID, 10)); err != nil {
		s.logger.Warn("runs: notify runners failed", "run_id", runID, "error", err)
	}
}

// Claim moves a queued run to running. Exactly one concurrent caller wins;
// the others get ErrRunNotClaimable.
func (s *Service) Claim(ctx context.Context, runID int64) (model.Run, error) {
	run, err := s.db.TransitionRun(ctx, runID, model.RunStatusRunning, storage.RunUpdate{})
	if err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) {
			return model.Run{}, fmt.Errorf("%w: %w", ErrRunNotClaimable, err)
		}
		return model.Run{}, err
	}
	s.emitter.RunChanged(ctx, run)
	return run, nil
}

// Announce publishes a status change committed outside this service, such
// as the waiting transition written together with a delegation.
func (s *Service) Announce(ctx context.Context, run model.Run) {
	s.emitter.RunChanged(ctx, run)
}

// Complete finishes a running run as success, or as failed with errMsg.
func (s *Service) Complete(ctx context.Context, runID int64, status model.RunStatus, errMsg string) (model.Run, error) {
	if status != model.RunStatusSuccess && status != model.RunStatusFailed {
		return model.Run{}, fmt.Errorf("runs: complete run %d: %q is not a completion status", runID, status)
	}
	var upd storage.RunUpdate
	if errMsg != "" {
		upd.Error = &errMsg
	}
	run, err := s.db.TransitionRun(ctx, runID, status, upd)
	if err != nil {
		return model.Run{}, s.rejected(err, runID, status)
	}
	s.emitter.RunChanged(ctx, run)
	return run, nil
}

// Cancel cancels the active hop of the chain runID belongs to. Jobs of that
// hop that are still queued or running are cancelled with it and executors
// are told to stop them; finished jobs keep their result.
func (s *Service) Cancel(ctx context.Context, runID int64) (storage.CancelRunResult, error) {
	res, err := s.db.CancelRun(ctx, runID)
	if err != nil {
		return storage.CancelRunResult{}, s.rejected(err, runID, model.RunStatusCancelled)
	}
	for _, jobID := range res.CancelledJobIDs {
		if err := s.db.Notify(ctx, storage.ChannelJobCancel, strconv.FormatInt(jobID, 10)); err != nil {
			s.logger.Warn("runs: notify job cancel failed", "job_id", jobID, "error", err)
		}
	}
	s.logger.Info("runs: cancelled",
		"run_id", res.Run.ID, "root_run_id", res.Run.RootRunID, "trace_id", res.Run.TraceID,
		"cancelled_jobs", len(res.CancelledJobIDs))
	s.emitter.RunChanged(ctx, res.Run)
	return res, nil
}

// rejected logs state-machine violations at error level; they indicate a
// broken invariant in the caller.
func (s *Service) rejected(err error, runID int64, to model.RunStatus) error {
	if errors.Is(err, model.ErrInvalidTransition) {
		s.logger.Error("runs: rejected transition", "run_id", runID, "to", to, "error", err)
	}
	return err
}

// Get returns a run with the id of the run that continued it, if any.
func (s *Service) Get(ctx context.Context, runID int64) (model.RunView, error) {
	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return model.RunView{}, err
	}
	view := model.RunView{Run: run}
	next, err := s.db.GetContinuationOf(ctx, runID)
	switch {
	case err == nil:
		view.ContinuedByRunID = &next.ID
	case !errors.Is(err, storage.ErrNotFound):
		return model.RunView{}, err
	}
	return view, nil
}

// Chain returns every hop of the chain runID belongs to, oldest first.
func (s *Service) Chain(ctx context.Context, runID int64) ([]model.Run, error) {
	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.db.ListChain(ctx, run.RootRunID)
}

// Wait blocks until the chain runID belongs to reaches a terminal status or
// timeout elapses. On timeout the outcome is deferred: the caller stops
// waiting while the chain keeps running. Deferred is never stored.
func (s *Service) Wait(ctx context.Context, runID int64, timeout time.Duration) (model.WaitResponse, error) {
	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return model.WaitResponse{}, err
	}
	root := run.RootRunID

	var wake <-chan events.Message
	if s.hub != nil {
		sub := s.hub.Subscribe(model.RunTopic(root))
		defer s.hub.Unsubscribe(sub)
		wake = sub.C
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		latest, err := s.db.LatestInChain(ctx, root)
		if err != nil {
			return model.WaitResponse{}, err
		}
		if latest.Status.Terminal() {
			resp := model.WaitResponse{RootRunID: root, HopRunID: latest.ID, Outcome: model.WaitOutcome(latest.Status)}
			if latest.Error != nil {
				resp.Error = *latest.Error
			}
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return model.WaitResponse{}, ctx.Err()
		case <-deadline.C:
			return model.WaitResponse{RootRunID: root, HopRunID: latest.ID, Outcome: model.WaitDeferred}, nil
		case <-wake:
		case <-ticker.C:
		}
	}
}
