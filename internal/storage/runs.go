package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsugi/internal/model"
)

const runColumns = `id, thread_id, trace_id, root_run_id, continuation_of_run_id, status, trigger,
	model, reasoning_effort, pending_tool_call_id, assistant_message_id, error,
	created_at, started_at, finished_at, updated_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r      model.Run
		effort string
	)
	err := row.Scan(
		&r.ID, &r.ThreadID, &r.TraceID, &r.RootRunID, &r.ContinuationOfRunID, &r.Status, &r.Trigger,
		&r.Model, &effort, &r.PendingToolCallID, &r.AssistantMessageID, &r.Error,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	r.ReasoningEffort = model.ReasoningEffort(effort)
	return r, nil
}

func collectRuns(rows pgx.Rows) ([]model.Run, error) {
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CreateRunParams holds the fields of a new chain root.
type CreateRunParams struct {
	ThreadID           int64
	TraceID            string
	Trigger            model.RunTrigger
	Model              string
	ReasoningEffort    model.ReasoningEffort
	AssistantMessageID string
	// UserMessage, when non-empty, is appended to the thread in the same tx.
	UserMessage string
}

// CreateRootRun inserts a queued run that starts a new chain. The id is
// drawn from the sequence first so root_run_id can be written in the same
// INSERT.
func (db *DB) CreateRootRun(ctx context.Context, p CreateRunParams) (model.Run, error) {
	if !p.Trigger.Valid() || p.Trigger == model.TriggerContinuation {
		return model.Run{}, fmt.Errorf("storage: create run: invalid trigger %q", p.Trigger)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	if err := tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('runs', 'id'))`).Scan(&id); err != nil {
		return model.Run{}, fmt.Errorf("storage: allocate run id: %w", err)
	}

	run, err := scanRun(tx.QueryRow(ctx,
		`INSERT INTO runs (id, thread_id, trace_id, root_run_id, status, trigger, model, reasoning_effort, assistant_message_id)
		 VALUES ($1, $2, $3, $1, 'queued', $4, $5, $6, $7)
		 RETURNING `+runColumns,
		id, p.ThreadID, p.TraceID, string(p.Trigger), p.Model, string(p.ReasoningEffort), p.AssistantMessageID,
	))
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}

	if p.UserMessage != "" {
		if _, err := appendMessage(ctx, tx, model.Message{
			ThreadID: p.ThreadID,
			RunID:    &run.ID,
			Role:     model.RoleUser,
			Content:  p.UserMessage,
		}); err != nil {
			return model.Run{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, fmt.Errorf("storage: commit create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id int64) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %d: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// GetContinuationOf returns the run that continues runID, or ErrNotFound.
func (db *DB) GetContinuationOf(ctx context.Context, runID int64) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE continuation_of_run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: continuation of run %d: %w", runID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get continuation: %w", err)
	}
	return run, nil
}

// ListChain returns every hop of the chain rooted at rootRunID, oldest first.
func (db *DB) ListChain(ctx context.Context, rootRunID int64) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE root_run_id = $1 ORDER BY id`, rootRunID)
	if err != nil {
		return nil, fmt.Errorf("storage: list chain: %w", err)
	}
	return collectRuns(rows)
}

// LatestInChain returns the newest hop of the chain rooted at rootRunID.
func (db *DB) LatestInChain(ctx context.Context, rootRunID int64) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE root_run_id = $1 ORDER BY id DESC LIMIT 1`, rootRunID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: chain %d: %w", rootRunID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: latest in chain: %w", err)
	}
	return run, nil
}

// ListRunsByStatus returns up to limit runs in the given status, oldest first.
func (db *DB) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 ORDER BY id LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs by status: %w", err)
	}
	return collectRuns(rows)
}

// RunUpdate carries the optional columns written alongside a status change.
type RunUpdate struct {
	// PendingToolCallID is required when moving to waiting and cleared otherwise.
	PendingToolCallID string
	Error             *string
}

// TransitionRun moves a run to a new status if the transition table allows
// it from the run's current status. The row is locked for the duration so
// two callers can never both observe the same source status; the loser
// gets a *model.TransitionError.
func (db *DB) TransitionRun(ctx context.Context, id int64, to model.RunStatus, upd RunUpdate) (model.Run, error) {
	if to == model.RunStatusWaiting && upd.PendingToolCallID == "" {
		return model.Run{}, fmt.Errorf("storage: run %d: waiting requires a pending tool call", id)
	}

	var run model.Run
	err := db.inTx(ctx, "transition", func(tx pgx.Tx) error {
		var err error
		run, err = transitionRunTx(ctx, tx, id, to, upd)
		return err
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func transitionRunTx(ctx context.Context, tx pgx.Tx, id int64, to model.RunStatus, upd RunUpdate) (model.Run, error) {
	var from model.RunStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %d: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: lock run: %w", err)
	}
	if err := model.CheckRunTransition(id, from, to); err != nil {
		return model.Run{}, err
	}

	var pending *string
	if to == model.RunStatusWaiting {
		pending = &upd.PendingToolCallID
	}
	run, err := scanRun(tx.QueryRow(ctx,
		`UPDATE runs SET
		     status = $2,
		     pending_tool_call_id = $3,
		     error = COALESCE($4, error),
		     started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
		     finished_at = CASE WHEN $2 IN ('success', 'failed', 'cancelled') THEN now() ELSE finished_at END,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+runColumns,
		id, string(to), pending, upd.Error,
	))
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: update run status: %w", err)
	}
	return run, nil
}

// CancelRunResult is the outcome of CancelRun.
type CancelRunResult struct {
	Run model.Run
	// CancelledJobIDs are the queued or running jobs of the run that were cancelled.
	CancelledJobIDs []int64
}

// CancelRun cancels the active hop of the chain id belongs to and, in the
// same transaction, every job of that hop that has not reached a terminal
// state. Cancelled jobs are acknowledged so they never drive a continuation.
//
// The hop is found by following continuation links from id while holding
// each row's lock. CreateContinuation locks the parent before inserting, so
// once the tip is locked no newer hop can appear behind it.
func (db *DB) CancelRun(ctx context.Context, id int64) (CancelRunResult, error) {
	var res CancelRunResult
	err := db.inTx(ctx, "cancel", func(tx pgx.Tx) error {
		tip, err := lockChainTipTx(ctx, tx, id)
		if err != nil {
			return err
		}
		run, err := transitionRunTx(ctx, tx, tip, model.RunStatusCancelled, RunUpdate{})
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`UPDATE worker_jobs
			 SET status = 'cancelled', acknowledged = true, finished_at = now(), updated_at = now()
			 WHERE supervisor_run_id = $1 AND status IN ('queued', 'running')
			 RETURNING id`, tip)
		if err != nil {
			return fmt.Errorf("storage: cancel jobs: %w", err)
		}
		jobIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("storage: collect cancelled jobs: %w", err)
		}
		res = CancelRunResult{Run: run, CancelledJobIDs: jobIDs}
		return nil
	})
	return res, err
}

// lockChainTipTx locks id and every later hop of its chain, returning the
// id of the newest one.
func lockChainTipTx(ctx context.Context, tx pgx.Tx, id int64) (int64, error) {
	for {
		if err := tx.QueryRow(ctx, `SELECT id FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("storage: run %d: %w", id, ErrNotFound)
			}
			return 0, fmt.Errorf("storage: lock run: %w", err)
		}
		var next int64
		err := tx.QueryRow(ctx, `SELECT id FROM runs WHERE continuation_of_run_id = $1`, id).Scan(&next)
		if errors.Is(err, pgx.ErrNoRows) {
			return id, nil
		}
		if err != nil {
			return 0, fmt.Errorf("storage: find continuation: %w", err)
		}
		id = next
	}
}
