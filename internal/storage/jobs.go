package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsugi/internal/model"
)

const jobColumns = `id, supervisor_run_id, tool_call_id, owner_id, status, config, acknowledged,
	trace_id, output, error, created_at, started_at, finished_at, heartbeat_at, updated_at`

func scanJob(row pgx.Row) (model.WorkerJob, error) {
	var j model.WorkerJob
	err := row.Scan(
		&j.ID, &j.SupervisorRunID, &j.ToolCallID, &j.OwnerID, &j.Status, &j.Config, &j.Acknowledged,
		&j.TraceID, &j.Output, &j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.HeartbeatAt, &j.UpdatedAt,
	)
	return j, err
}

func collectJobs(rows pgx.Rows) ([]model.WorkerJob, error) {
	defer rows.Close()
	var jobs []model.WorkerJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CreateJobParams holds the fields of a delegation request.
type CreateJobParams struct {
	SupervisorRunID int64
	ToolCallID      string
	OwnerID         int64
	TraceID         string
	Config          model.JobConfig
}

// CreateJob records a delegation in the job ledger. (SupervisorRunID,
// ToolCallID) is the idempotency key: when a row already exists for the
// pair, nothing is inserted and the existing row is returned with
// created=false. Concurrent callers all converge on the same job.
func (db *DB) CreateJob(ctx context.Context, p CreateJobParams) (job model.WorkerJob, created bool, err error) {
	if err := p.validate(); err != nil {
		return model.WorkerJob{}, false, err
	}
	return createJob(ctx, db.pool, p)
}

func (p CreateJobParams) validate() error {
	if p.SupervisorRunID <= 0 || p.ToolCallID == "" {
		return fmt.Errorf("storage: create job: run id and tool call id are required")
	}
	return nil
}

func createJob(ctx context.Context, q querier, p CreateJobParams) (job model.WorkerJob, created bool, err error) {
	job, err = scanJob(q.QueryRow(ctx,
		`INSERT INTO worker_jobs (supervisor_run_id, tool_call_id, owner_id, status, config, trace_id)
		 VALUES ($1, $2, $3, 'queued', $4, $5)
		 ON CONFLICT (supervisor_run_id, tool_call_id)
		     WHERE supervisor_run_id IS NOT NULL AND tool_call_id IS NOT NULL
		 DO NOTHING
		 RETURNING `+jobColumns,
		p.SupervisorRunID, p.ToolCallID, p.OwnerID, p.Config, p.TraceID,
	))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.WorkerJob{}, false, fmt.Errorf("storage: create job: %w", err)
	}

	job, err = scanJob(q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM worker_jobs WHERE supervisor_run_id = $1 AND tool_call_id = $2`,
		p.SupervisorRunID, p.ToolCallID,
	))
	if err != nil {
		return model.WorkerJob{}, false, fmt.Errorf("storage: reread job for run %d call %s: %w", p.SupervisorRunID, p.ToolCallID, err)
	}
	return job, false, nil
}

// DelegateResult is returned by DelegateRun.
type DelegateResult struct {
	Job     model.WorkerJob
	Created bool
	// Run is the dispatching run, now waiting on the job's tool call.
	Run model.Run
}

// DelegateRun records a delegation and parks the dispatching run on it in
// one transaction: the run moves running -> waiting with the job's tool
// call pending, and the job is created or, for a repeated key, reread. A
// run is therefore never left running with a ledger job it is not waiting
// on. When the run cannot move to waiting nothing is written and a
// *model.TransitionError is returned.
func (db *DB) DelegateRun(ctx context.Context, p CreateJobParams) (DelegateResult, error) {
	if err := p.validate(); err != nil {
		return DelegateResult{}, err
	}
	var res DelegateResult
	err := db.inTx(ctx, "delegate", func(tx pgx.Tx) error {
		run, err := transitionRunTx(ctx, tx, p.SupervisorRunID, model.RunStatusWaiting,
			RunUpdate{PendingToolCallID: p.ToolCallID})
		if err != nil {
			return err
		}
		job, created, err := createJob(ctx, tx, p)
		if err != nil {
			return err
		}
		res = DelegateResult{Job: job, Created: created, Run: run}
		return nil
	})
	return res, err
}

// GetJob retrieves a job by ID.
func (db *DB) GetJob(ctx context.Context, id int64) (model.WorkerJob, error) {
	job, err := scanJob(db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM worker_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkerJob{}, fmt.Errorf("storage: job %d: %w", id, ErrNotFound)
		}
		return model.WorkerJob{}, fmt.Errorf("storage: get job: %w", err)
	}
	return job, nil
}

// ListJobsByRun returns every job a run dispatched, oldest first.
func (db *DB) ListJobsByRun(ctx context.Context, runID int64) ([]model.WorkerJob, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM worker_jobs WHERE supervisor_run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimQueuedJobs moves up to limit queued jobs to running and returns them.
// FOR UPDATE SKIP LOCKED lets several executors poll without contention;
// each job is returned to exactly one caller.
func (db *DB) ClaimQueuedJobs(ctx context.Context, limit int) ([]model.WorkerJob, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE worker_jobs
		 SET status = 'running', started_at = now(), heartbeat_at = now(), updated_at = now()
		 WHERE id IN (
		     SELECT id FROM worker_jobs
		     WHERE status = 'queued'
		     ORDER BY created_at, id
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: claim jobs: %w", err)
	}
	return collectJobs(rows)
}

// HeartbeatJob refreshes a running job's heartbeat and returns its current
// status so the executor can notice a cancellation.
func (db *DB) HeartbeatJob(ctx context.Context, id int64) (model.JobStatus, error) {
	var status model.JobStatus
	err := db.pool.QueryRow(ctx,
		`UPDATE worker_jobs
		 SET heartbeat_at = CASE WHEN status = 'running' THEN now() ELSE heartbeat_at END
		 WHERE id = $1
		 RETURNING status`, id,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: job %d: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("storage: heartbeat job: %w", err)
	}
	return status, nil
}

// FinishJob records the terminal result of a running job. If the job is no
// longer running (cancelled, or failed by the stale sweep) the stored row
// is returned with ErrJobNotRunning and nothing is written.
func (db *DB) FinishJob(ctx context.Context, id int64, res model.JobResult) (model.WorkerJob, error) {
	if !res.Status.Terminal() {
		return model.WorkerJob{}, fmt.Errorf("storage: finish job %d: %q is not terminal", id, res.Status)
	}
	var output, errMsg *string
	if res.Status == model.JobStatusSuccess {
		output = &res.Output
	} else if res.Error != "" {
		errMsg = &res.Error
	}

	job, err := scanJob(db.pool.QueryRow(ctx,
		`UPDATE worker_jobs
		 SET status = $2, output = $3, error = $4, finished_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'running'
		 RETURNING `+jobColumns,
		id, string(res.Status), output, errMsg,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.WorkerJob{}, fmt.Errorf("storage: finish job: %w", err)
	}
	current, getErr := db.GetJob(ctx, id)
	if getErr != nil {
		return model.WorkerJob{}, getErr
	}
	return current, fmt.Errorf("storage: job %d is %s: %w", id, current.Status, ErrJobNotRunning)
}

// FailStaleJobs fails running jobs whose heartbeat is older than staleAfter.
func (db *DB) FailStaleJobs(ctx context.Context, staleAfter time.Duration) ([]model.WorkerJob, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE worker_jobs
		 SET status = 'failed', error = 'worker lost', finished_at = now(), updated_at = now()
		 WHERE status = 'running' AND heartbeat_at < now() - make_interval(secs => $1)
		 RETURNING `+jobColumns, staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("storage: fail stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListResumableJobs returns finished, unacknowledged jobs whose run is still
// waiting on them. These are the jobs a recovery sweep must re-drive.
func (db *DB) ListResumableJobs(ctx context.Context, limit int) ([]model.WorkerJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM worker_jobs
		 WHERE id IN (
		     SELECT j.id
		     FROM worker_jobs j
		     JOIN runs r ON r.id = j.supervisor_run_id
		     WHERE j.acknowledged = false
		       AND j.status IN ('success', 'failed', 'timeout', 'cancelled')
		       AND r.status = 'waiting'
		       AND r.pending_tool_call_id = j.tool_call_id
		 )
		 ORDER BY finished_at, id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list resumable jobs: %w", err)
	}
	return collectJobs(rows)
}
