package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsugi/internal/model"
)

// ContinuationParams describes the resumption of a waiting run.
type ContinuationParams struct {
	JobID int64
	// ToolContent is the tool-result message body delivered to the model. It
	// is already offloaded to the artifact store when oversized.
	ToolContent string
}

// ContinuationOutcome classifies what CreateContinuation did.
type ContinuationOutcome string

const (
	// ContinuationCreated means this call inserted the continuation run.
	ContinuationCreated ContinuationOutcome = "created"
	// ContinuationExisting means a continuation already existed; the job is
	// acknowledged and the existing run is returned.
	ContinuationExisting ContinuationOutcome = "existing"
	// ContinuationSkipped means the run left the waiting state without a
	// continuation (it was cancelled). The job is acknowledged.
	ContinuationSkipped ContinuationOutcome = "skipped"
)

// ContinuationResult is returned by CreateContinuation.
type ContinuationResult struct {
	Outcome ContinuationOutcome
	Parent  model.Run
	// Run is the continuation; zero when Outcome is skipped.
	Run model.Run
	Job model.WorkerJob
}

// CreateContinuation resumes the waiting run that dispatched a finished job.
// In one transaction it locks the job and its run, appends the tool-result
// message tagged with the job's tool call id, inserts a queued continuation
// run that inherits root_run_id, trace_id, assistant_message_id, model and
// reasoning effort, and acknowledges the job. Calling it again for the same
// job is a no-op that returns the existing continuation.
func (db *DB) CreateContinuation(ctx context.Context, p ContinuationParams) (ContinuationResult, error) {
	var res ContinuationResult
	err := db.inTx(ctx, "continuation", func(tx pgx.Tx) error {
		var err error
		res, err = createContinuationTx(ctx, tx, p)
		return err
	})
	return res, err
}

func createContinuationTx(ctx context.Context, tx pgx.Tx, p ContinuationParams) (ContinuationResult, error) {
	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM worker_jobs WHERE id = $1 FOR UPDATE`, p.JobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContinuationResult{}, fmt.Errorf("storage: job %d: %w", p.JobID, ErrNotFound)
		}
		return ContinuationResult{}, fmt.Errorf("storage: lock job: %w", err)
	}
	if !job.Status.Terminal() {
		return ContinuationResult{}, fmt.Errorf("storage: job %d is %s: %w", job.ID, job.Status, ErrJobNotTerminal)
	}
	if job.SupervisorRunID == nil || job.ToolCallID == nil {
		return ContinuationResult{}, fmt.Errorf("storage: job %d has no supervisor run", job.ID)
	}

	parent, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, *job.SupervisorRunID))
	if err != nil {
		return ContinuationResult{}, fmt.Errorf("storage: lock run %d: %w", *job.SupervisorRunID, err)
	}

	existing, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE continuation_of_run_id = $1`, parent.ID))
	switch {
	case err == nil:
		if err := ackJobTx(ctx, tx, job.ID); err != nil {
			return ContinuationResult{}, err
		}
		job.Acknowledged = true
		return ContinuationResult{Outcome: ContinuationExisting, Parent: parent, Run: existing, Job: job}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return ContinuationResult{}, fmt.Errorf("storage: find continuation: %w", err)
	}

	if parent.Status != model.RunStatusWaiting {
		if !parent.Status.Terminal() {
			return ContinuationResult{}, &model.TransitionError{
				Kind: "run", ID: parent.ID, From: string(parent.Status), To: "continued",
			}
		}
		if err := ackJobTx(ctx, tx, job.ID); err != nil {
			return ContinuationResult{}, err
		}
		job.Acknowledged = true
		return ContinuationResult{Outcome: ContinuationSkipped, Parent: parent, Job: job}, nil
	}
	if parent.PendingToolCallID == nil || *parent.PendingToolCallID != *job.ToolCallID {
		return ContinuationResult{}, fmt.Errorf("storage: run %d job %d: %w", parent.ID, job.ID, ErrToolCallMismatch)
	}

	run, err := scanRun(tx.QueryRow(ctx,
		`INSERT INTO runs (thread_id, trace_id, root_run_id, continuation_of_run_id, status, trigger,
		                   model, reasoning_effort, assistant_message_id)
		 VALUES ($1, $2, $3, $4, 'queued', 'continuation', $5, $6, $7)
		 RETURNING `+runColumns,
		parent.ThreadID, parent.TraceID, parent.RootRunID, parent.ID,
		parent.Model, string(parent.ReasoningEffort), parent.AssistantMessageID,
	))
	if err != nil {
		return ContinuationResult{}, fmt.Errorf("storage: insert continuation: %w", err)
	}

	if _, err := appendMessage(ctx, tx, model.Message{
		ThreadID:   parent.ThreadID,
		RunID:      &run.ID,
		Role:       model.RoleTool,
		Content:    p.ToolContent,
		ToolCallID: *job.ToolCallID,
	}); err != nil {
		return ContinuationResult{}, err
	}

	if err := ackJobTx(ctx, tx, job.ID); err != nil {
		return ContinuationResult{}, err
	}
	job.Acknowledged = true
	return ContinuationResult{Outcome: ContinuationCreated, Parent: parent, Run: run, Job: job}, nil
}

func ackJobTx(ctx context.Context, tx pgx.Tx, jobID int64) error {
	if _, err := tx.Exec(ctx,
		`UPDATE worker_jobs SET acknowledged = true, updated_at = now() WHERE id = $1`, jobID,
	); err != nil {
		return fmt.Errorf("storage: acknowledge job: %w", err)
	}
	return nil
}
