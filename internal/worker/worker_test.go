package worker

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsugi/internal/llm"
	"github.com/ashita-ai/tsugi/internal/model"
)

func job(cfg model.JobConfig) model.WorkerJob {
	return model.WorkerJob{ID: 1, Config: cfg}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	echo := Func(func(_ context.Context, j model.WorkerJob) (string, error) { return j.Config.Task, nil })

	require.NoError(t, r.Register("echo", echo))
	require.NoError(t, r.Register("agent", echo))
	assert.Error(t, r.Register("echo", echo), "duplicate registration must fail")
	assert.Error(t, r.Register("", echo))

	w, err := r.Lookup("echo")
	require.NoError(t, err)
	out, err := w.Run(context.Background(), job(model.JobConfig{Task: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Equal(t, []string{"agent", "echo"}, r.Modes())
}

func TestAgentWorker(t *testing.T) {
	var got llm.Request
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		got = req
		return llm.Response{Content: "3 files"}, nil
	})
	out, err := NewAgentWorker(client, "small").Run(context.Background(),
		job(model.JobConfig{Mode: ModeAgent, Task: "count files", TargetRepo: "/srv/repo"}))
	require.NoError(t, err)
	assert.Equal(t, "3 files", out)
	assert.Equal(t, "small", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, model.RoleSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "count files")
	assert.Contains(t, got.Messages[1].Content, "/srv/repo")
}

func TestAgentWorkerPropagatesError(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, errors.New("provider down")
	})
	_, err := NewAgentWorker(client, "").Run(context.Background(), job(model.JobConfig{Task: "x"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command worker tests need a POSIX shell")
	}
}

func TestCommandWorkerRuns(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()
	out, err := NewCommandWorker("", nil).Run(context.Background(),
		job(model.JobConfig{Mode: ModeCommand, Task: "pwd; echo hello", TargetRepo: dir}))
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, dir)
}

func TestCommandWorkerFailure(t *testing.T) {
	skipWithoutShell(t)
	out, err := NewCommandWorker("", nil).Run(context.Background(),
		job(model.JobConfig{Task: "echo boom >&2; exit 3"}))
	require.Error(t, err)
	assert.Contains(t, out, "boom")
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandWorkerRefusesSandboxWithoutWrapper(t *testing.T) {
	_, err := NewCommandWorker("", nil).Run(context.Background(),
		job(model.JobConfig{Task: "true", Sandbox: true}))
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestCommandWorkerSandboxWrapper(t *testing.T) {
	skipWithoutShell(t)
	// env acts as a transparent wrapper that still proves the prefix is used.
	w := NewCommandWorker("", []string{"env", "TSUGI_SANDBOXED=1"})
	out, err := w.Run(context.Background(), job(model.JobConfig{Task: "echo $TSUGI_SANDBOXED", Sandbox: true}))
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(out))
}

func TestCommandWorkerHonoursDeadline(t *testing.T) {
	skipWithoutShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewCommandWorker("", nil).Run(ctx, job(model.JobConfig{Task: "exec sleep 5"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
