package executor

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/continuation"
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

type nopKicker struct{}

func (nopKicker) Kick(context.Context, int64) {}

func newDBPool(t *testing.T, reg *worker.Registry, cfg Config) *Pool {
	t.Helper()
	logger := testutil.TestLogger()
	backend, err := artifact.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	emitter := events.NewEmitter(events.NewHub(logger), testDB, logger)
	manager := continuation.NewManager(testDB, artifact.NewOffloader(artifact.NewStore(backend), 4000, 200), emitter, nopKicker{}, logger)
	return NewPool(testDB, reg, manager, emitter, logger, cfg)
}

// delegatedRun parks a fresh root run on a job of the given mode.
func delegatedRun(t *testing.T, cfg model.JobConfig) (model.Run, model.WorkerJob) {
	t.Helper()
	ctx := context.Background()
	th, err := testDB.CreateThread(ctx, model.Thread{OwnerID: 21, Title: t.Name(), SystemPrompt: "supervise"})
	require.NoError(t, err)
	run, err := testDB.CreateRootRun(ctx, storage.CreateRunParams{
		ThreadID:           th.ID,
		TraceID:            uuid.NewString(),
		Trigger:            model.TriggerAPI,
		AssistantMessageID: uuid.NewString(),
		UserMessage:        "delegate something slow",
	})
	require.NoError(t, err)
	_, err = testDB.TransitionRun(ctx, run.ID, model.RunStatusRunning, storage.RunUpdate{})
	require.NoError(t, err)
	res, err := testDB.DelegateRun(ctx, storage.CreateJobParams{
		SupervisorRunID: run.ID,
		ToolCallID:      "call-" + uuid.NewString(),
		OwnerID:         th.OwnerID,
		TraceID:         run.TraceID,
		Config:          cfg,
	})
	require.NoError(t, err)
	return res.Run, res.Job
}

func blockUntilDone(started chan<- int64) worker.Func {
	return func(ctx context.Context, job model.WorkerJob) (string, error) {
		if started != nil {
			started <- job.ID
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
}

func TestTimedOutJobResumesWithErrorPayload(t *testing.T) {
	ctx := context.Background()
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register("stall", blockUntilDone(nil)))
	p := newDBPool(t, reg, Config{Concurrency: 2, HeartbeatInterval: time.Hour})

	parent, job := delegatedRun(t, model.JobConfig{Mode: "stall", Task: "never returns", TimeoutSeconds: 1})

	require.Equal(t, 1, p.ProcessOnce(ctx))
	p.Wait()

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusTimeout, got.Status)
	assert.True(t, got.Acknowledged)

	chain, err := testDB.ListChain(ctx, parent.RootRunID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	next := chain[1]
	assert.Equal(t, model.RunStatusQueued, next.Status)
	require.NotNil(t, next.ContinuationOfRunID)
	assert.Equal(t, parent.ID, *next.ContinuationOfRunID)

	msgs, err := testDB.ListMessages(ctx, parent.ThreadID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, model.RoleTool, last.Role)
	assert.Equal(t, *job.ToolCallID, last.ToolCallID)
	assert.JSONEq(t, `{"status":"timeout","error":"worker timed out after 1s"}`, last.Content)
}

func TestHeartbeatStopsJobOfCancelledRun(t *testing.T) {
	ctx := context.Background()
	started := make(chan int64, 1)
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register("stall", blockUntilDone(started)))
	p := newDBPool(t, reg, Config{Concurrency: 2, HeartbeatInterval: 50 * time.Millisecond, DefaultTimeout: time.Minute})

	parent, job := delegatedRun(t, model.JobConfig{Mode: "stall", Task: "wait for cancel"})

	require.Equal(t, 1, p.ProcessOnce(ctx))
	select {
	case id := <-started:
		require.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	res, err := testDB.CancelRun(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{job.ID}, res.CancelledJobIDs)

	finished := make(chan struct{})
	go func() {
		p.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running after its run was cancelled")
	}
	assert.Zero(t, p.InFlight())

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	chain, err := testDB.ListChain(ctx, parent.RootRunID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, model.RunStatusCancelled, chain[0].Status)
}
