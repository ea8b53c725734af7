package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/llm"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/continuation"
	"github.com/ashita-ai/tsugi/internal/service/dispatch"
	"github.com/ashita-ai/tsugi/internal/service/executor"
	"github.com/ashita-ai/tsugi/internal/service/runs"
	"github.com/ashita-ai/tsugi/internal/service/supervisor"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/testutil"
	"github.com/ashita-ai/tsugi/internal/worker"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

type memAudit struct {
	mu      sync.Mutex
	entries []model.LLMAuditEntry
}

func (a *memAudit) Record(e model.LLMAuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) all() []model.LLMAuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.LLMAuditEntry(nil), a.entries...)
}

type harness struct {
	hub     *events.Hub
	runs    *runs.Service
	sup     *supervisor.Supervisor
	pool    *executor.Pool
	manager *continuation.Manager
	audit   *memAudit
}

func newHarness(t *testing.T, client llm.Client, cfg supervisor.Config) *harness {
	t.Helper()
	logger := testutil.TestLogger()

	backend, err := artifact.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := artifact.NewStore(backend)
	offloader := artifact.NewOffloader(store, 200, 50)

	registry := worker.NewRegistry()
	require.NoError(t, registry.Register("echo", worker.Func(func(_ context.Context, job model.WorkerJob) (string, error) {
		return "echo:" + job.Config.Task, nil
	})))
	require.NoError(t, registry.Register("fail", worker.Func(func(context.Context, model.WorkerJob) (string, error) {
		return "", errors.New("exit status 2")
	})))

	hub := events.NewHub(logger)
	emitter := events.NewEmitter(hub, testDB, logger)
	runSvc := runs.New(testDB, emitter, hub, logger)
	dispatcher := dispatch.New(testDB, registry, logger)
	manager := continuation.NewManager(testDB, offloader, emitter, runSvc, logger)
	pool := executor.NewPool(testDB, registry, manager, emitter, logger, executor.Config{Concurrency: 16})

	tools, err := supervisor.NewToolSet(supervisor.NewReadToolOutputTool(store))
	require.NoError(t, err)

	audit := &memAudit{}
	cfg.Modes = registry.Modes()
	sup := supervisor.New(supervisor.Deps{
		DB:         testDB,
		Runs:       runSvc,
		Dispatcher: dispatcher,
		Resumer:    manager,
		Client:     client,
		Tools:      tools,
		Offloader:  offloader,
		Audit:      audit,
		Logger:     logger,
	}, cfg)

	return &harness{hub: hub, runs: runSvc, sup: sup, pool: pool, manager: manager, audit: audit}
}

func (h *harness) start(t *testing.T, prompt string) model.Run {
	t.Helper()
	ctx := context.Background()
	thread, err := testDB.CreateThread(ctx, model.Thread{
		OwnerID:      7,
		Title:        t.Name(),
		SystemPrompt: "You are a supervisor.",
		Model:        "test-model",
	})
	require.NoError(t, err)
	run, err := h.runs.Enqueue(ctx, thread.ID, model.StartRunRequest{Message: prompt})
	require.NoError(t, err)
	return run
}

// runJobs executes every queued job and waits for them to finish.
func (h *harness) runJobs(t *testing.T) {
	t.Helper()
	h.pool.ProcessOnce(context.Background())
	h.pool.Wait()
}

func toolCall(id, name string, args any) model.ToolCall {
	raw, _ := json.Marshal(args)
	return model.ToolCall{ID: id, Name: name, Arguments: raw}
}

func last(msgs []model.Message) model.Message {
	return msgs[len(msgs)-1]
}

// delegatingModel delegates once per user message, then answers with the
// tool result it got back.
func delegatingModel(mode string) llm.ClientFunc {
	return func(_ context.Context, req llm.Request) (llm.Response, error) {
		m := last(req.Messages)
		if m.Role == model.RoleTool {
			return llm.Response{Content: "worker said " + m.Content, Usage: llm.Usage{PromptTokens: 20, CompletionTokens: 5}}, nil
		}
		return llm.Response{
			ToolCalls: []model.ToolCall{toolCall("call_1", supervisor.ToolSpawnWorker, map[string]any{"mode": mode, "task": "hello"})},
			Usage:     llm.Usage{PromptTokens: 10, CompletionTokens: 3},
		}, nil
	}
}

func TestDelegationChainAliasesToRoot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, delegatingModel("echo"), supervisor.Config{MaxIterations: 4})

	root := h.start(t, "please delegate")
	sub := h.hub.Subscribe(model.RunTopic(root.ID))
	defer h.hub.Unsubscribe(sub)

	require.NoError(t, h.sup.Execute(ctx, root.ID))

	parked, err := testDB.GetRun(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusWaiting, parked.Status)
	require.NotNil(t, parked.PendingToolCallID)
	assert.Equal(t, "call_1", *parked.PendingToolCallID)

	h.runJobs(t)

	cont, err := testDB.GetContinuationOf(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, cont.Status)
	assert.Equal(t, root.ID, cont.RootRunID)
	assert.Equal(t, root.TraceID, cont.TraceID)
	assert.Equal(t, root.AssistantMessageID, cont.AssistantMessageID)
	require.NotNil(t, cont.ContinuationOfRunID)
	assert.Equal(t, root.ID, *cont.ContinuationOfRunID)

	require.NoError(t, h.sup.Execute(ctx, cont.ID))

	finished, err := testDB.GetRun(ctx, cont.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, finished.Status)

	// The parent stays waiting; its chain finished through the continuation.
	parent, err := testDB.GetRun(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusWaiting, parent.Status)

	msgs, err := testDB.ListMessages(ctx, root.ThreadID)
	require.NoError(t, err)
	roles := make([]model.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	assert.Equal(t, []model.Role{model.RoleSystem, model.RoleUser, model.RoleAssistant, model.RoleTool, model.RoleAssistant}, roles)
	assert.Equal(t, "call_1", msgs[3].ToolCallID)
	assert.Equal(t, "echo:hello", msgs[3].Content)
	assert.Equal(t, "worker said echo:hello", msgs[4].Content)

	// Every course_update on the root topic carries the root id.
	var sawSuccess bool
	deadline := time.After(2 * time.Second)
	for !sawSuccess {
		select {
		case msg := <-sub.C:
			if msg.Type != model.EventCourseUpdate {
				continue
			}
			var ev struct {
				Data model.CourseUpdate `json:"data"`
			}
			require.NoError(t, json.Unmarshal(msg.Data, &ev))
			assert.Equal(t, root.ID, ev.Data.RunID)
			if ev.Data.Status == model.RunStatusSuccess {
				sawSuccess = true
				assert.Equal(t, cont.ID, ev.Data.HopRunID)
			}
		case <-deadline:
			t.Fatal("no success course_update on the root topic")
		}
	}

	entries := h.audit.all()
	require.Len(t, entries, 2)
	assert.Equal(t, model.PhaseInitial, entries[0].Phase)
	assert.Equal(t, model.PhaseToolIteration, entries[1].Phase)
	assert.Equal(t, root.TraceID, entries[0].TraceID)
	assert.Equal(t, root.TraceID, entries[1].TraceID)
	assert.NotEqual(t, entries[0].SpanID, entries[1].SpanID)
	assert.Equal(t, 10, entries[0].InputTokens)
}

func TestResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, delegatingModel("echo"), supervisor.Config{})

	root := h.start(t, "delegate")
	require.NoError(t, h.sup.Execute(ctx, root.ID))
	h.runJobs(t)

	jobs, err := testDB.ListJobsByRun(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	first, err := testDB.GetContinuationOf(ctx, root.ID)
	require.NoError(t, err)

	again, err := h.manager.Resume(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ContinuationExisting, again.Kind)
	assert.Equal(t, first.ID, again.Run.ID)
}

func TestFailedWorkerDeliversErrorResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, delegatingModel("fail"), supervisor.Config{})

	root := h.start(t, "delegate to a failing worker")
	require.NoError(t, h.sup.Execute(ctx, root.ID))
	h.runJobs(t)

	cont, err := testDB.GetContinuationOf(ctx, root.ID)
	require.NoError(t, err)
	require.NoError(t, h.sup.Execute(ctx, cont.ID))

	msgs, err := testDB.ListMessages(ctx, root.ThreadID)
	require.NoError(t, err)
	var tool model.Message
	for _, m := range msgs {
		if m.Role == model.RoleTool {
			tool = m
		}
	}
	assert.JSONEq(t, `{"status":"failed","error":"exit status 2"}`, tool.Content)

	done, err := testDB.GetRun(ctx, cont.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, done.Status)
}

func TestOnlyFirstDelegationHonored(t *testing.T) {
	ctx := context.Background()
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{ToolCalls: []model.ToolCall{
			toolCall("a", supervisor.ToolSpawnWorker, map[string]any{"mode": "echo", "task": "one"}),
			toolCall("b", supervisor.ToolSpawnWorker, map[string]any{"mode": "echo", "task": "two"}),
		}}, nil
	})
	h := newHarness(t, client, supervisor.Config{})

	root := h.start(t, "delegate twice")
	require.NoError(t, h.sup.Execute(ctx, root.ID))

	jobs, err := testDB.ListJobsByRun(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].ToolCallID)
	assert.Equal(t, "a", *jobs[0].ToolCallID)

	msgs, err := testDB.ListMessages(ctx, root.ThreadID)
	require.NoError(t, err)
	tool := last(msgs)
	assert.Equal(t, model.RoleTool, tool.Role)
	assert.Equal(t, "b", tool.ToolCallID)
	assert.Contains(t, tool.Content, "only one spawn_worker")

	run, err := testDB.GetRun(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusWaiting, run.Status)
	assert.Equal(t, "a", *run.PendingToolCallID)
}

func TestInvalidDelegationReturnsToModel(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if calls.Add(1) == 1 {
			return llm.Response{ToolCalls: []model.ToolCall{
				toolCall("x", supervisor.ToolSpawnWorker, map[string]any{"mode": "nope", "task": "t"}),
			}}, nil
		}
		return llm.Response{Content: "gave up"}, nil
	})
	h := newHarness(t, client, supervisor.Config{})

	root := h.start(t, "bad mode")
	require.NoError(t, h.sup.Execute(ctx, root.ID))

	run, err := testDB.GetRun(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)

	jobs, err := testDB.ListJobsByRun(ctx, root.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	msgs, err := testDB.ListMessages(ctx, root.ThreadID)
	require.NoError(t, err)
	assert.Contains(t, msgs[len(msgs)-2].Content, "unknown mode")
}

func TestModelErrorFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, llm.ClientFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, errors.New("llm: status 500: boom")
	}), supervisor.Config{})

	root := h.start(t, "hi")
	require.NoError(t, h.sup.Execute(ctx, root.ID))

	run, err := testDB.GetRun(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "boom")

	entries := h.audit.all()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Error)
}

func TestModelPanicFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, llm.ClientFunc(func(context.Context, llm.Request) (llm.Response, error) {
		panic("nil map write")
	}), supervisor.Config{})

	root := h.start(t, "hi")
	require.NotPanics(t, func() { require.NoError(t, h.sup.Execute(ctx, root.ID)) })

	run, err := testDB.GetRun(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "nil map write")
}

func TestIterationLimitForcesSynthesis(t *testing.T) {
	ctx := context.Background()
	var sawNoTools atomic.Bool
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if len(req.Tools) == 0 {
			sawNoTools.Store(true)
			return llm.Response{Content: "summary"}, nil
		}
		return llm.Response{ToolCalls: []model.ToolCall{
			toolCall(fmt.Sprintf("r%d", len(req.Messages)), supervisor.ToolReadToolOutput, map[string]any{"artifact_id": "missing"}),
		}}, nil
	})
	h := newHarness(t, client, supervisor.Config{MaxIterations: 2})

	root := h.start(t, "loop forever")
	require.NoError(t, h.sup.Execute(ctx, root.ID))

	assert.True(t, sawNoTools.Load())
	run, err := testDB.GetRun(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)

	entries := h.audit.all()
	require.Len(t, entries, 3)
	assert.Equal(t, model.PhaseSynthesis, entries[2].Phase)
}

func TestLargeToolOutputIsOffloadedAndReadable(t *testing.T) {
	ctx := context.Background()
	big := strings.Repeat("0123456789", 50)

	var artifactID string
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		m := last(req.Messages)
		switch {
		case m.Role == model.RoleUser:
			return llm.Response{ToolCalls: []model.ToolCall{
				toolCall("w", supervisor.ToolSpawnWorker, map[string]any{"mode": "echo", "task": big}),
			}}, nil
		case m.ToolCallID == "w":
			id, ok := artifact.ParseReference(m.Content)
			if !ok {
				return llm.Response{Content: "no marker"}, nil
			}
			artifactID = id
			return llm.Response{ToolCalls: []model.ToolCall{
				toolCall("r", supervisor.ToolReadToolOutput, map[string]any{"artifact_id": id, "offset": 5, "limit": 10}),
			}}, nil
		default:
			return llm.Response{Content: "read " + m.Content}, nil
		}
	})
	h := newHarness(t, client, supervisor.Config{})

	root := h.start(t, "big output")
	require.NoError(t, h.sup.Execute(ctx, root.ID))
	h.runJobs(t)
	cont, err := testDB.GetContinuationOf(ctx, root.ID)
	require.NoError(t, err)
	require.NoError(t, h.sup.Execute(ctx, cont.ID))

	require.NotEmpty(t, artifactID)
	msgs, err := testDB.ListMessages(ctx, root.ThreadID)
	require.NoError(t, err)
	final := last(msgs)
	assert.True(t, strings.HasPrefix(final.Content, "read 0123456789"), final.Content)
	assert.Contains(t, final.Content, "more available")
}

func TestCancelledRunIsNotExecuted(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	h := newHarness(t, llm.ClientFunc(func(context.Context, llm.Request) (llm.Response, error) {
		calls.Add(1)
		return llm.Response{Content: "hi"}, nil
	}), supervisor.Config{})

	root := h.start(t, "cancel me")
	_, err := h.runs.Cancel(ctx, root.ID)
	require.NoError(t, err)

	require.NoError(t, h.sup.Execute(ctx, root.ID))
	assert.Zero(t, calls.Load())
}

func TestCancelWhileWaitingSkipsContinuation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, delegatingModel("echo"), supervisor.Config{})

	root := h.start(t, "delegate then cancel")
	require.NoError(t, h.sup.Execute(ctx, root.ID))

	res, err := h.runs.Cancel(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, res.Run.Status)
	assert.Len(t, res.CancelledJobIDs, 1)

	h.runJobs(t)
	_, err = testDB.GetContinuationOf(ctx, root.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadToolOutputToleratesHugeLimit(t *testing.T) {
	ctx := context.Background()
	big := strings.Repeat("0123456789", 50)

	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		m := last(req.Messages)
		switch {
		case m.Role == model.RoleUser:
			return llm.Response{ToolCalls: []model.ToolCall{
				toolCall("w", supervisor.ToolSpawnWorker, map[string]any{"mode": "echo", "task": big}),
			}}, nil
		case m.ToolCallID == "w":
			id, ok := artifact.ParseReference(m.Content)
			if !ok {
				return llm.Response{Content: "no marker"}, nil
			}
			return llm.Response{ToolCalls: []model.ToolCall{
				toolCall("r", supervisor.ToolReadToolOutput, map[string]any{"artifact_id": id, "offset": 1, "limit": math.MaxInt64}),
			}}, nil
		default:
			return llm.Response{Content: "read " + m.Content}, nil
		}
	})
	h := newHarness(t, client, supervisor.Config{})

	root := h.start(t, "big output")
	require.NoError(t, h.sup.Execute(ctx, root.ID))
	h.runJobs(t)
	cont, err := testDB.GetContinuationOf(ctx, root.ID)
	require.NoError(t, err)
	require.NoError(t, h.sup.Execute(ctx, cont.ID))

	done, err := testDB.GetRun(ctx, cont.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, done.Status)

	msgs, err := testDB.ListMessages(ctx, root.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "read "+("echo:"+big)[1:], last(msgs).Content)
}
