// Package supervisor executes one hop of a supervisor run: it feeds the
// trimmed transcript to the model, runs inline tools, and either finishes
// the run or parks it on a single delegated worker job.
//
// A hop never blocks on a worker. When the model calls spawn_worker the job
// is written to the ledger, the run moves to waiting and the hop returns;
// the continuation created when the job finishes is a new queued run that a
// runner picks up like any other.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/ctxutil"
	"github.com/ashita-ai/tsugi/internal/llm"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/continuation"
	"github.com/ashita-ai/tsugi/internal/service/dispatch"
	"github.com/ashita-ai/tsugi/internal/service/runs"
	"github.com/ashita-ai/tsugi/internal/service/trim"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/telemetry"
	"github.com/ashita-ai/tsugi/internal/tracing"
)

// errOneDelegation is the tool result for every spawn_worker call after the
// first in one assistant turn.
const errOneDelegation = "only one spawn_worker call is honored per turn; this call was ignored"

// AuditRecorder accepts LLM audit rows. audit.Buffer satisfies it.
type AuditRecorder interface {
	Record(e model.LLMAuditEntry) error
}

// Resumer continues a run whose delegated job has already finished.
type Resumer interface {
	Resume(ctx context.Context, jobID int64) (continuation.Outcome, error)
}

// Config tunes the supervisor loop.
type Config struct {
	MaxIterations int
	Budget        trim.Budget
	// Modes is the list of worker modes advertised in the spawn_worker schema.
	Modes []string
}

// Supervisor runs supervisor hops.
type Supervisor struct {
	db         *storage.DB
	runs       *runs.Service
	dispatcher *dispatch.Service
	resumer    Resumer
	client     llm.Client
	tools      *ToolSet
	offloader  *artifact.Offloader
	audit      AuditRecorder
	logger     *slog.Logger
	cfg        Config

	llmDuration metric.Float64Histogram
	trimmed     metric.Int64Counter
}

// Deps groups the collaborators of a Supervisor.
type Deps struct {
	DB         *storage.DB
	Runs       *runs.Service
	Dispatcher *dispatch.Service
	Resumer    Resumer
	Client     llm.Client
	Tools      *ToolSet
	Offloader  *artifact.Offloader
	Audit      AuditRecorder
	Logger     *slog.Logger
}

// New creates a Supervisor.
func New(d Deps, cfg Config) *Supervisor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 16
	}
	meter := telemetry.Meter("tsugi/supervisor")
	hist, _ := meter.Float64Histogram("tsugi.llm.duration",
		metric.WithDescription("Model invocation latency"),
		metric.WithUnit("ms"),
	)
	trimmed, _ := meter.Int64Counter("tsugi.history.trimmed_messages",
		metric.WithDescription("Transcript messages dropped by history trimming"),
	)
	return &Supervisor{
		db:          d.DB,
		runs:        d.Runs,
		dispatcher:  d.Dispatcher,
		resumer:     d.Resumer,
		client:      d.Client,
		tools:       d.Tools,
		offloader:   d.Offloader,
		audit:       d.Audit,
		logger:      d.Logger,
		cfg:         cfg,
		llmDuration: hist,
		trimmed:     trimmed,
	}
}

// hop is the state of one Execute call.
type hop struct {
	run    model.Run
	thread model.Thread
	log    *slog.Logger
}

// Execute claims runID and drives it until it finishes, fails, or parks on
// a delegation. A run that is no longer queued is left alone. A panic in a
// model client or tool fails the run instead of the process.
func (s *Supervisor) Execute(ctx context.Context, runID int64) (err error) {
	run, err := s.runs.Claim(ctx, runID)
	if err != nil {
		if errors.Is(err, runs.ErrRunNotClaimable) {
			return nil
		}
		return err
	}

	ctx = ctxutil.WithCorrelation(ctx, ctxutil.Correlation{
		TraceID:   run.TraceID,
		RunID:     run.ID,
		RootRunID: run.RootRunID,
	})
	if traced, err := tracing.ContextWithTrace(ctx, run.TraceID); err == nil {
		ctx = traced
	}
	ctx, span := telemetry.Tracer("tsugi/supervisor").Start(ctx, "supervisor.hop",
		trace.WithAttributes(
			attribute.Int64("tsugi.run_id", run.ID),
			attribute.Int64("tsugi.root_run_id", run.RootRunID),
			attribute.Bool("tsugi.continuation", run.IsContinuation()),
		),
	)
	defer span.End()

	h := &hop{run: run, log: ctxutil.Logger(ctx, s.logger)}
	h.log.Info("supervisor: hop started", "trigger", run.Trigger)
	defer func() {
		if r := recover(); r != nil {
			err = s.fail(ctx, h, fmt.Errorf("supervisor: hop panicked: %v", r))
		}
	}()

	thread, err := s.db.GetThread(ctx, run.ThreadID)
	if err != nil {
		return s.fail(ctx, h, fmt.Errorf("load thread: %w", err))
	}
	h.thread = thread

	if err := s.loop(ctx, h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Supervisor) loop(ctx context.Context, h *hop) error {
	tools := append(s.tools.Definitions(), spawnWorkerDefinition(s.cfg.Modes))

	for i := 0; ; i++ {
		if cancelled, err := s.cancelled(ctx, h.run.ID); err != nil || cancelled {
			if cancelled {
				h.log.Info("supervisor: run cancelled, stopping hop")
			}
			return err
		}

		phase := model.PhaseToolIteration
		if i == 0 && !h.run.IsContinuation() {
			phase = model.PhaseInitial
		}
		reqTools := tools
		if i >= s.cfg.MaxIterations {
			// Out of iterations: one last call without tools to force an answer.
			phase = model.PhaseSynthesis
			reqTools = nil
		}

		resp, err := s.invoke(ctx, h, phase, reqTools)
		if err != nil {
			return s.fail(ctx, h, err)
		}

		if _, err := s.db.AppendMessage(ctx, model.Message{
			ThreadID:  h.thread.ID,
			RunID:     &h.run.ID,
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			MessageID: h.run.AssistantMessageID,
		}); err != nil {
			return s.fail(ctx, h, fmt.Errorf("append assistant message: %w", err))
		}

		if len(resp.ToolCalls) == 0 || phase == model.PhaseSynthesis {
			return s.finish(ctx, h)
		}

		delegation, err := s.runTools(ctx, h, resp.ToolCalls)
		if err != nil {
			return s.fail(ctx, h, err)
		}
		if delegation == nil {
			continue
		}

		parked, err := s.delegate(ctx, h, *delegation)
		if err != nil {
			return s.fail(ctx, h, err)
		}
		if parked {
			return nil
		}
	}
}

// invoke calls the model on the trimmed transcript and records the call.
func (s *Supervisor) invoke(ctx context.Context, h *hop, phase model.LLMPhase, tools []llm.Tool) (llm.Response, error) {
	msgs, err := s.db.ListMessages(ctx, h.thread.ID)
	if err != nil {
		return llm.Response{}, fmt.Errorf("load transcript: %w", err)
	}
	trimmed := trim.Apply(msgs, s.cfg.Budget)
	if trimmed.DroppedMessages > 0 {
		h.log.Debug("supervisor: trimmed history",
			"dropped_messages", trimmed.DroppedMessages, "dropped_chars", trimmed.DroppedChars,
			"kept_chars", trimmed.KeptChars)
		if s.trimmed != nil {
			s.trimmed.Add(ctx, int64(trimmed.DroppedMessages))
		}
	}

	ctx, span := telemetry.Tracer("tsugi/supervisor").Start(ctx, "llm.invoke",
		trace.WithAttributes(
			attribute.String("tsugi.phase", string(phase)),
			attribute.String("llm.model", h.run.Model),
			attribute.Int("llm.messages", len(trimmed.Messages)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := s.client.Invoke(ctx, llm.Request{
		Messages:        trimmed.Messages,
		Tools:           tools,
		Model:           h.run.Model,
		ReasoningEffort: h.run.ReasoningEffort,
	})
	elapsed := time.Since(start)

	entry := model.LLMAuditEntry{
		TraceID:      h.run.TraceID,
		SpanID:       tracing.NewSpanID(),
		RunID:        h.run.ID,
		Phase:        phase,
		Model:        h.run.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		DurationMS:   elapsed.Milliseconds(),
	}
	if resp.Model != "" {
		entry.Model = resp.Model
	}
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
	}
	if s.audit != nil {
		if aerr := s.audit.Record(entry); aerr != nil {
			h.log.Warn("supervisor: audit entry dropped", "error", aerr)
		}
	}
	if s.llmDuration != nil {
		s.llmDuration.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(attribute.String("phase", string(phase)), attribute.Bool("error", err != nil)))
	}
	if err != nil {
		return llm.Response{}, fmt.Errorf("model call: %w", err)
	}
	h.log.Info("supervisor: model responded",
		"phase", phase, "tool_calls", len(resp.ToolCalls), "duration_ms", elapsed.Milliseconds())
	return resp, nil
}

// runTools executes inline tool calls in order and returns the first
// spawn_worker call, if any. Extra delegations get an error result.
func (s *Supervisor) runTools(ctx context.Context, h *hop, calls []model.ToolCall) (*model.ToolCall, error) {
	var delegation *model.ToolCall
	for i := range calls {
		call := calls[i]
		if call.Name == ToolSpawnWorker {
			if delegation == nil {
				delegation = &call
				continue
			}
			h.log.Warn("supervisor: extra delegation ignored", "tool_call_id", call.ID)
			if err := s.appendToolResult(ctx, h, call, toolError(errOneDelegation), false); err != nil {
				return nil, err
			}
			continue
		}

		content, offload := s.callTool(ctx, h, call)
		if err := s.appendToolResult(ctx, h, call, content, offload); err != nil {
			return nil, err
		}
	}
	return delegation, nil
}

// callTool runs one inline tool. Failures become error tool results so the
// model can react to them.
func (s *Supervisor) callTool(ctx context.Context, h *hop, call model.ToolCall) (content string, offload bool) {
	tool, ok := s.tools.Lookup(call.Name)
	if !ok {
		return toolError(fmt.Sprintf("unknown tool %q", call.Name)), false
	}
	ctx, span := telemetry.Tracer("tsugi/supervisor").Start(ctx, "tool.call",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	out, err := tool.Call(ctx, ToolContext{Run: h.run, Thread: h.thread}, call.Arguments)
	if err != nil {
		span.RecordError(err)
		h.log.Info("supervisor: tool returned error", "tool", call.Name, "error", err)
		return toolError(err.Error()), false
	}
	// Retrieval results are already windowed; offloading them again would loop.
	return out, call.Name != ToolReadToolOutput
}

func (s *Supervisor) appendToolResult(ctx context.Context, h *hop, call model.ToolCall, content string, offload bool) error {
	if offload && s.offloader != nil {
		var err error
		content, _, err = s.offloader.Offload(ctx, h.thread.OwnerID, artifact.ToolOutput{
			ToolName:   call.Name,
			ToolCallID: call.ID,
			RunID:      &h.run.ID,
			Content:    content,
		})
		if err != nil {
			return fmt.Errorf("offload %s output: %w", call.Name, err)
		}
	}
	_, err := s.db.AppendMessage(ctx, model.Message{
		ThreadID:   h.thread.ID,
		RunID:      &h.run.ID,
		Role:       model.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	})
	if err != nil {
		return fmt.Errorf("append tool result: %w", err)
	}
	return nil
}

// delegate records the job and parks the run. It returns parked=false when
// the request was rejected and the model should see the error instead.
func (s *Supervisor) delegate(ctx context.Context, h *hop, call model.ToolCall) (parked bool, err error) {
	var cfg model.JobConfig
	if err := json.Unmarshal(call.Arguments, &cfg); err != nil {
		return false, s.appendToolResult(ctx, h, call, toolError("invalid spawn_worker arguments: "+err.Error()), false)
	}

	res, waiting, err := s.dispatcher.Delegate(ctx, dispatch.Request{
		RunID:      h.run.ID,
		ToolCallID: call.ID,
		OwnerID:    h.thread.OwnerID,
		TraceID:    h.run.TraceID,
		Config:     cfg,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidRequest) {
			return false, s.appendToolResult(ctx, h, call, toolError(err.Error()), false)
		}
		if errors.Is(err, model.ErrInvalidTransition) {
			// Cancelled while the model call was in flight; nothing was recorded.
			h.log.Info("supervisor: run no longer running, delegation dropped", "tool_call_id", call.ID)
			return true, nil
		}
		return false, fmt.Errorf("delegate: %w", err)
	}
	s.runs.Announce(ctx, waiting)
	h.log.Info("supervisor: run waiting on worker",
		"job_id", res.JobID, "tool_call_id", call.ID, "mode", cfg.Mode, "existing", res.Existing)

	// A repeated tool call id can map to a job that already finished.
	job, err := s.db.GetJob(ctx, res.JobID)
	if err == nil && job.Status.Terminal() && !job.Acknowledged && s.resumer != nil {
		if _, err := s.resumer.Resume(ctx, job.ID); err != nil && !errors.Is(err, continuation.ErrNotResumable) {
			h.log.Warn("supervisor: early resume failed, sweep will retry", "job_id", job.ID, "error", err)
		}
	}
	return true, nil
}

func (s *Supervisor) finish(ctx context.Context, h *hop) error {
	if _, err := s.runs.Complete(ctx, h.run.ID, model.RunStatusSuccess, ""); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// Cancelled while the last model call was in flight.
			return nil
		}
		return err
	}
	h.log.Info("supervisor: run succeeded")
	return nil
}

// fail marks the run failed with cause. A run that was cancelled meanwhile
// keeps its status.
func (s *Supervisor) fail(ctx context.Context, h *hop, cause error) error {
	h.log.Error("supervisor: run failed", "error", cause)
	bg := context.WithoutCancel(ctx)
	if _, err := s.runs.Complete(bg, h.run.ID, model.RunStatusFailed, cause.Error()); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return nil
		}
		return errors.Join(cause, err)
	}
	return nil
}

func (s *Supervisor) cancelled(ctx context.Context, runID int64) (bool, error) {
	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status == model.RunStatusCancelled, nil
}

// toolError renders an error tool result in the same shape the continuation
// manager uses for failed jobs.
func toolError(msg string) string {
	raw, _ := json.Marshal(map[string]string{"status": "error", "error": msg})
	return string(raw)
}
