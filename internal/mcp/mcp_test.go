package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/ctxutil"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/runs"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/testutil"
)

var (
	testDB     *storage.DB
	testStore  *artifact.Store
	testServer *Server
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	dir, err := os.MkdirTemp("", "tsugi-mcp-artifacts")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: temp dir: %v\n", err)
		return 1
	}
	defer func() { _ = os.RemoveAll(dir) }()
	backend, err := artifact.NewFileBackend(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: file backend: %v\n", err)
		return 1
	}
	testStore = artifact.NewStore(backend)

	hub := events.NewHub(logger)
	runSvc := runs.New(testDB, events.NewEmitter(hub, testDB, logger), hub, logger)
	testServer = New(testDB, runSvc, testStore, logger, "test")

	return m.Run()
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func newThread(t *testing.T) model.Thread {
	t.Helper()
	thread, err := testDB.CreateThread(context.Background(), model.Thread{
		OwnerID: 11,
		Title:   t.Name(),
		Model:   "test-model",
	})
	require.NoError(t, err)
	return thread
}

func startRun(t *testing.T, threadID int64) model.StartRunResponse {
	t.Helper()
	result, err := testServer.handleStartRun(context.Background(), toolRequest("tsugi_start_run", map[string]any{
		"thread_id": threadID,
		"message":   "summarize the logs",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var resp model.StartRunResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	return resp
}

func TestStartAndGetRun(t *testing.T) {
	thread := newThread(t)
	started := startRun(t, thread.ID)
	assert.Equal(t, model.RunStatusQueued, started.Status)
	assert.NotEmpty(t, started.TraceID)

	result, err := testServer.handleGetRun(context.Background(), toolRequest("tsugi_get_run", map[string]any{
		"run_id": started.RunID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var view model.RunView
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &view))
	assert.Equal(t, started.RunID, view.Run.RootRunID)
	assert.Equal(t, thread.ID, view.Run.ThreadID)
	assert.Nil(t, view.ContinuedByRunID)
}

func TestStartRunValidation(t *testing.T) {
	thread := newThread(t)
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{name: "missing thread", args: map[string]any{"message": "hi"}, want: "thread_id is required"},
		{name: "missing message", args: map[string]any{"thread_id": thread.ID}, want: "message is required"},
		{name: "unknown thread", args: map[string]any{"thread_id": 999999, "message": "hi"}, want: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := testServer.handleStartRun(context.Background(), toolRequest("tsugi_start_run", tt.args))
			require.NoError(t, err, "handler should not return go error, only tool error")
			require.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.want)
		})
	}
}

func TestWaitRunDefersWhileRunning(t *testing.T) {
	started := startRun(t, newThread(t).ID)

	result, err := testServer.handleWaitRun(context.Background(), toolRequest("tsugi_wait_run", map[string]any{
		"run_id":          started.RunID,
		"timeout_seconds": 1,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp model.WaitResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, model.WaitDeferred, resp.Outcome)
	assert.Equal(t, started.RunID, resp.RootRunID)
}

func TestCancelThenWait(t *testing.T) {
	ctx := context.Background()
	started := startRun(t, newThread(t).ID)

	result, err := testServer.handleCancelRun(ctx, toolRequest("tsugi_cancel_run", map[string]any{"run_id": started.RunID}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Contains(t, parseToolText(t, result), `"cancelled_job_ids": []`)

	result, err = testServer.handleWaitRun(ctx, toolRequest("tsugi_wait_run", map[string]any{"run_id": started.RunID}))
	require.NoError(t, err)
	var resp model.WaitResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, model.WaitOutcome(model.RunStatusCancelled), resp.Outcome)

	// A second cancel is an invalid transition, reported to the caller.
	result, err = testServer.handleCancelRun(ctx, toolRequest("tsugi_cancel_run", map[string]any{"run_id": started.RunID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetJobNotFound(t *testing.T) {
	result, err := testServer.handleGetJob(context.Background(), toolRequest("tsugi_get_job", map[string]any{"job_id": 424242}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Equal(t, "get job: not found", parseToolText(t, result))
}

func TestReadToolOutputPages(t *testing.T) {
	ctx := context.Background()
	content := strings.Repeat("abcdefghij", 3)
	id, err := testStore.Save(ctx, 11, artifact.SaveInput{ToolName: "shell", Content: []byte(content)})
	require.NoError(t, err)

	result, err := testServer.handleReadToolOutput(ctx, toolRequest("tsugi_read_tool_output", map[string]any{
		"owner_id":    11,
		"artifact_id": id,
		"offset":      5,
		"limit":       10,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := parseToolText(t, result)
	assert.True(t, strings.HasPrefix(text, "fghijabcde"))
	assert.Contains(t, text, "continue with offset=15")

	// The last page carries no continuation hint.
	result, err = testServer.handleReadToolOutput(ctx, toolRequest("tsugi_read_tool_output", map[string]any{
		"owner_id":    11,
		"artifact_id": id,
		"offset":      25,
	}))
	require.NoError(t, err)
	assert.Equal(t, "fghij", parseToolText(t, result))
}

func TestReadToolOutputIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	id, err := testStore.Save(ctx, 11, artifact.SaveInput{ToolName: "shell", Content: []byte("secret")})
	require.NoError(t, err)

	result, err := testServer.handleReadToolOutput(ctx, toolRequest("tsugi_read_tool_output", map[string]any{
		"owner_id":    12,
		"artifact_id": id,
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not found")
}

func TestReadToolOutputDefaultsToTokenOwner(t *testing.T) {
	id, err := testStore.Save(context.Background(), 13, artifact.SaveInput{ToolName: "shell", Content: []byte("mine")})
	require.NoError(t, err)

	ctx := ctxutil.WithOwner(context.Background(), 13)
	result, err := testServer.handleReadToolOutput(ctx, toolRequest("tsugi_read_tool_output", map[string]any{
		"artifact_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "mine", parseToolText(t, result))

	result, err = testServer.handleReadToolOutput(context.Background(), toolRequest("tsugi_read_tool_output", map[string]any{
		"artifact_id": id,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunChainResource(t *testing.T) {
	started := startRun(t, newThread(t).ID)
	uri := fmt.Sprintf("tsugi://runs/%d/chain", started.RunID)

	contents, err := testServer.handleRunChain(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	var chain []model.Run
	require.NoError(t, json.Unmarshal([]byte(text.Text), &chain))
	require.Len(t, chain, 1)
	assert.Equal(t, started.RunID, chain[0].ID)
}

func TestParseResourceID(t *testing.T) {
	id, err := parseResourceID("tsugi://threads/42/messages", "tsugi://threads/", "/messages")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"tsugi://threads/x/messages", "tsugi://threads/42", "tsugi://runs/42/messages", "tsugi://threads/-1/messages"} {
		_, err := parseResourceID(bad, "tsugi://threads/", "/messages")
		assert.Error(t, err, bad)
	}
}
