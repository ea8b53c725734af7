// Package continuation resumes waiting runs once their delegated job has
// finished, and sweeps for resumptions that a crash or lost notification
// left undone.
package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/ctxutil"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/telemetry"
)

// ErrNotResumable is returned when a finished job cannot drive a
// continuation because its run is not waiting on it. It indicates a broken
// invariant elsewhere.
var ErrNotResumable = errors.New("continuation: run not resumable")

// DelegationToolName is the tool name recorded on offloaded worker output.
const DelegationToolName = "spawn_worker"

// Kicker wakes the supervisor runners for a queued run.
type Kicker interface {
	Kick(ctx context.Context, runID int64)
}

// Outcome reports what Resume did.
type Outcome struct {
	Kind   storage.ContinuationOutcome
	Parent model.Run
	// Run is the continuation run; zero when Kind is skipped.
	Run model.Run
}

// Manager creates continuation runs.
type Manager struct {
	db        *storage.DB
	offloader *artifact.Offloader
	emitter   *events.Emitter
	kicker    Kicker
	logger    *slog.Logger

	continuations metric.Int64Counter
}

// NewManager creates a Manager. offloader may be nil to never offload.
func NewManager(db *storage.DB, offloader *artifact.Offloader, emitter *events.Emitter, kicker Kicker, logger *slog.Logger) *Manager {
	counter, _ := telemetry.Meter("tsugi/continuation").Int64Counter("tsugi.continuations.total",
		metric.WithDescription("Continuation attempts by outcome"),
	)
	return &Manager{
		db:            db,
		offloader:     offloader,
		emitter:       emitter,
		kicker:        kicker,
		logger:        logger,
		continuations: counter,
	}
}

// Resume creates the continuation of the run waiting on jobID. It is safe
// to call any number of times: after the first success every call returns
// the existing continuation.
func (m *Manager) Resume(ctx context.Context, jobID int64) (Outcome, error) {
	job, err := m.db.GetJob(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	log := ctxutil.Logger(ctx, m.logger).With("job_id", job.ID, "trace_id", job.TraceID)

	content, err := m.toolContent(ctx, job)
	if err != nil {
		return Outcome{}, err
	}

	res, err := m.db.CreateContinuation(ctx, storage.ContinuationParams{JobID: job.ID, ToolContent: content})
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, storage.ErrToolCallMismatch) {
			log.Error("continuation: job cannot resume its run", "error", err)
			return Outcome{}, fmt.Errorf("%w: %w", ErrNotResumable, err)
		}
		return Outcome{}, fmt.Errorf("continuation: resume job %d: %w", job.ID, err)
	}

	if m.continuations != nil {
		m.continuations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	}
	out := Outcome{Kind: res.Outcome, Parent: res.Parent, Run: res.Run}

	switch res.Outcome {
	case storage.ContinuationCreated:
		log.Info("continuation: created",
			"run_id", res.Run.ID, "continuation_of_run_id", res.Parent.ID, "root_run_id", res.Run.RootRunID)
		if m.emitter != nil {
			m.emitter.RunChanged(ctx, res.Run)
		}
		m.kicker.Kick(ctx, res.Run.ID)
	case storage.ContinuationExisting:
		log.Debug("continuation: already exists", "run_id", res.Run.ID, "continuation_of_run_id", res.Parent.ID)
		if res.Run.Status == model.RunStatusQueued {
			m.kicker.Kick(ctx, res.Run.ID)
		}
	case storage.ContinuationSkipped:
		log.Info("continuation: run no longer waiting, job acknowledged",
			"run_id", res.Parent.ID, "run_status", res.Parent.Status)
	}
	return out, nil
}

// errorPayload is the tool result delivered when a job did not succeed.
type errorPayload struct {
	Status model.JobStatus `json:"status"`
	Error  string          `json:"error"`
}

// toolContent renders a finished job as the tool-result message body.
func (m *Manager) toolContent(ctx context.Context, job model.WorkerJob) (string, error) {
	if job.Status == model.JobStatusSuccess {
		var output string
		if job.Output != nil {
			output = *job.Output
		}
		if m.offloader == nil {
			return output, nil
		}
		var toolCallID string
		if job.ToolCallID != nil {
			toolCallID = *job.ToolCallID
		}
		content, _, err := m.offloader.Offload(ctx, job.OwnerID, artifact.ToolOutput{
			ToolName:   DelegationToolName,
			ToolCallID: toolCallID,
			RunID:      job.SupervisorRunID,
			Content:    output,
		})
		if err != nil {
			return "", fmt.Errorf("continuation: offload job %d output: %w", job.ID, err)
		}
		return content, nil
	}

	msg := ""
	if job.Error != nil {
		msg = *job.Error
	}
	if msg == "" {
		msg = "worker " + string(job.Status)
	}
	raw, err := json.Marshal(errorPayload{Status: job.Status, Error: msg})
	if err != nil {
		return "", fmt.Errorf("continuation: encode error payload: %w", err)
	}
	return string(raw), nil
}
