package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/mcp"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/ratelimit"
	"github.com/ashita-ai/tsugi/internal/server"
	"github.com/ashita-ai/tsugi/internal/service/audit"
	"github.com/ashita-ai/tsugi/internal/service/runs"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/testutil"
)

var (
	testDB    *storage.DB
	testRuns  *runs.Service
	testStore *artifact.Store
	testSrv   *httptest.Server
	testCfg   server.ServerConfig
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(context.Background())

	dir, err := os.MkdirTemp("", "tsugi-server-artifacts")
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: temp dir: %v\n", err)
		return 1
	}
	defer func() { _ = os.RemoveAll(dir) }()
	backend, err := artifact.NewFileBackend(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: file backend: %v\n", err)
		return 1
	}
	testStore = artifact.NewStore(backend)

	hub := events.NewHub(logger)
	testRuns = runs.New(testDB, events.NewEmitter(hub, testDB, logger), hub, logger)
	buf := audit.NewBuffer(testDB, logger, 100, 50*time.Millisecond)
	buf.Start(ctx)
	defer buf.Drain(context.Background())

	mcpSrv := mcp.New(testDB, testRuns, testStore, logger, "test")
	testCfg = server.ServerConfig{
		DB:                  testDB,
		Runs:                testRuns,
		Artifacts:           testStore,
		Logger:              logger,
		Hub:                 hub,
		Audit:               buf,
		MCPServer:           mcpSrv.MCPServer(),
		InFlight:            func() (int, int) { return 0, 0 },
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		DefaultModel:        "test-model",
		MaxRequestBodyBytes: 64 * 1024,
		MaxWaitTimeout:      10 * time.Second,
	}
	testSrv = httptest.NewServer(server.New(testCfg).Handler())
	defer testSrv.Close()

	return m.Run()
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func createThread(t *testing.T) model.Thread {
	t.Helper()
	resp, env := do(t, http.MethodPost, "/threads", model.CreateThreadRequest{
		OwnerID:      21,
		Title:        t.Name(),
		SystemPrompt: "You are a supervisor.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error.Message)
	return decode[model.Thread](t, env)
}

func startRun(t *testing.T, threadID int64, headers ...string) model.StartRunResponse {
	t.Helper()
	resp, env := do(t, http.MethodPost, fmt.Sprintf("/threads/%d/run", threadID),
		model.StartRunRequest{Message: "hello"}, headers...)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, env.Error.Message)
	return decode[model.StartRunResponse](t, env)
}

func TestHealth(t *testing.T) {
	resp, env := do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]any](t, env)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "connected", health["postgres"])
	assert.Equal(t, "test", health["version"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	resp, env := do(t, http.MethodGet, "/health", nil, "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "req-123", env.Meta.RequestID)
}

func TestThreadAndRunLifecycle(t *testing.T) {
	thread := createThread(t)
	assert.Equal(t, "test-model", thread.Model, "default model applies when none is requested")

	resp, env := do(t, http.MethodPost, fmt.Sprintf("/threads/%d/run", thread.ID), model.StartRunRequest{Message: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[model.StartRunResponse](t, env)
	assert.Equal(t, "/runs/"+strconv.FormatInt(started.RunID, 10), resp.Header.Get("Location"))
	assert.Equal(t, model.RunStatusQueued, started.Status)

	resp, env = do(t, http.MethodGet, fmt.Sprintf("/runs/%d", started.RunID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[model.RunView](t, env)
	assert.Equal(t, started.TraceID, view.Run.TraceID)

	resp, env = do(t, http.MethodGet, fmt.Sprintf("/runs/%d/chain", started.RunID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Run](t, env), 1)

	resp, env = do(t, http.MethodGet, fmt.Sprintf("/threads/%d/messages", thread.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]model.Message](t, env)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Equal(t, model.RoleUser, msgs[1].Role)
	assert.Equal(t, "hello", msgs[1].Content)

	resp, env = do(t, http.MethodGet, fmt.Sprintf("/runs/%d/jobs", started.RunID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestRequestValidation(t *testing.T) {
	thread := createThread(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"thread without owner", http.MethodPost, "/threads", map[string]any{"title": "x"}, 400, model.ErrCodeInvalidInput},
		{"unknown field", http.MethodPost, "/threads", map[string]any{"owner_id": 1, "colour": "red"}, 400, model.ErrCodeInvalidInput},
		{"empty message", http.MethodPost, fmt.Sprintf("/threads/%d/run", thread.ID), map[string]any{"message": ""}, 400, model.ErrCodeInvalidInput},
		{"continuation trigger", http.MethodPost, fmt.Sprintf("/threads/%d/run", thread.ID), map[string]any{"message": "x", "trigger": "continuation"}, 400, model.ErrCodeInvalidInput},
		{"unknown thread", http.MethodPost, "/threads/999999/run", map[string]any{"message": "x"}, 404, model.ErrCodeNotFound},
		{"bad run id", http.MethodGet, "/runs/abc", nil, 400, model.ErrCodeInvalidInput},
		{"missing run", http.MethodGet, "/runs/999999", nil, 404, model.ErrCodeNotFound},
		{"missing job", http.MethodGet, "/jobs/999999", nil, 404, model.ErrCodeNotFound},
		{"missing thread messages", http.MethodGet, "/threads/999999/messages", nil, 404, model.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	big := strings.Repeat("x", 70*1024)
	resp, env := do(t, http.MethodPost, "/threads", map[string]any{"owner_id": 1, "system_prompt": big})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestIdempotentStartRun(t *testing.T) {
	thread := createThread(t)
	key := "start-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	first := startRun(t, thread.ID, "Idempotency-Key", key)

	resp, env := do(t, http.MethodPost, fmt.Sprintf("/threads/%d/run", thread.ID),
		model.StartRunRequest{Message: "hello"}, "Idempotency-Key", key)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, first.RunID, decode[model.StartRunResponse](t, env).RunID)

	resp, env = do(t, http.MethodPost, fmt.Sprintf("/threads/%d/run", thread.ID),
		model.StartRunRequest{Message: "different"}, "Idempotency-Key", key)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)

	// Only one user message was appended.
	msgs, err := testDB.ListMessages(context.Background(), thread.ID)
	require.NoError(t, err)
	var users int
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			users++
		}
	}
	assert.Equal(t, 1, users)
}

func TestWaitRun(t *testing.T) {
	ctx := context.Background()
	started := startRun(t, createThread(t).ID)

	resp, env := do(t, http.MethodGet, fmt.Sprintf("/runs/%d/wait?timeout=1", started.RunID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.WaitDeferred, decode[model.WaitResponse](t, env).Outcome)

	go func() {
		time.Sleep(200 * time.Millisecond)
		if _, err := testRuns.Claim(ctx, started.RunID); err != nil {
			return
		}
		_, _ = testRuns.Complete(ctx, started.RunID, model.RunStatusSuccess, "")
	}()

	resp, env = do(t, http.MethodGet, fmt.Sprintf("/runs/%d/wait?timeout=5s", started.RunID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.WaitResponse](t, env)
	assert.Equal(t, model.WaitOutcome(model.RunStatusSuccess), got.Outcome)
	assert.Equal(t, started.RunID, got.HopRunID)

	resp, env = do(t, http.MethodGet, fmt.Sprintf("/runs/%d/wait?timeout=-3", started.RunID), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestCancelRun(t *testing.T) {
	started := startRun(t, createThread(t).ID)

	resp, env := do(t, http.MethodPost, fmt.Sprintf("/runs/%d/cancel", started.RunID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Run             model.Run `json:"run"`
		CancelledJobIDs []int64   `json:"cancelled_job_ids"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, model.RunStatusCancelled, body.Run.Status)
	assert.Empty(t, body.CancelledJobIDs)

	resp, env = do(t, http.MethodPost, fmt.Sprintf("/runs/%d/cancel", started.RunID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	started := startRun(t, createThread(t).ID)
	_, err := testDB.InsertAuditEntries(ctx, []model.LLMAuditEntry{{
		TraceID:    started.TraceID,
		SpanID:     "span-" + started.TraceID[:8],
		RunID:      started.RunID,
		Phase:      model.PhaseInitial,
		Model:      "test-model",
		DurationMS: 12,
	}})
	require.NoError(t, err)

	resp, env := do(t, http.MethodGet, "/traces/"+started.TraceID+"/llm-calls", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]model.LLMAuditEntry](t, env)
	require.Len(t, entries, 1)
	assert.Equal(t, model.PhaseInitial, entries[0].Phase)
}

func TestArtifactEndpoints(t *testing.T) {
	ctx := context.Background()
	id, err := testStore.Save(ctx, 21, artifact.SaveInput{ToolName: "shell", Content: []byte("0123456789abcdef")})
	require.NoError(t, err)

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(testSrv.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(b)
	}

	resp, body := get("/owners/21/artifacts/" + id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789abcdef", body)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	resp, body = get("/owners/21/artifacts/" + id + "?offset=4&limit=4")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4567", body)
	assert.Equal(t, "true", resp.Header.Get("X-Artifact-More"))

	resp, body = get("/owners/21/artifacts/" + id + "/metadata")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(body), &env))
	meta := decode[model.ArtifactMetadata](t, env)
	assert.Equal(t, int64(16), meta.SizeBytes)
	assert.Equal(t, "shell", meta.ToolName)

	resp, _ = get("/owners/22/artifacts/" + id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get("/owners/21/artifacts/not-a-valid-id")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribeRejectsBadTopic(t *testing.T) {
	for _, q := range []string{"", "?topic=runs:1", "?topic=run:abc", "?topic=run:0"} {
		resp, env := do(t, http.MethodGet, "/v1/subscribe"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code, q)
	}
}

// sseEvent reads the next non-keepalive SSE event from r.
func sseEvent(t *testing.T, r *bufio.Reader) (string, model.CourseUpdate) {
	t.Helper()
	var typ string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev struct {
				Type string             `json:"type"`
				Data model.CourseUpdate `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			assert.Equal(t, typ, ev.Type)
			return typ, ev.Data
		}
	}
}

func TestSubscribeStreamsCourseUpdates(t *testing.T) {
	started := startRun(t, createThread(t).ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/subscribe?topic=run:%d", testSrv.URL, started.RunID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The first event is a snapshot of the chain's current state.
	typ, update := sseEvent(t, reader)
	assert.Equal(t, string(model.EventCourseUpdate), typ)
	assert.Equal(t, started.RunID, update.RunID)
	assert.Equal(t, model.RunStatusQueued, update.Status)

	_, err = testRuns.Claim(context.Background(), started.RunID)
	require.NoError(t, err)
	_, update = sseEvent(t, reader)
	assert.Equal(t, model.RunStatusRunning, update.Status)

	_, err = testRuns.Complete(context.Background(), started.RunID, model.RunStatusSuccess, "")
	require.NoError(t, err)
	_, update = sseEvent(t, reader)
	assert.Equal(t, model.RunStatusSuccess, update.Status)
	assert.Equal(t, started.RunID, update.HopRunID)
}

func TestWebSocketStreamsCourseUpdates(t *testing.T) {
	started := startRun(t, createThread(t).ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(testSrv.URL, "http") + fmt.Sprintf("/v1/ws?topic=run:%d", started.RunID)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() model.CourseUpdate {
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageText, typ)
		var ev struct {
			Type string             `json:"type"`
			Data model.CourseUpdate `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, string(model.EventCourseUpdate), ev.Type)
		return ev.Data
	}

	assert.Equal(t, model.RunStatusQueued, read().Status)

	_, err = testRuns.Cancel(context.Background(), started.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, read().Status)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestRateLimitedRunStarts(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	cfg := testCfg
	cfg.Limiter = limiter
	srv := httptest.NewServer(server.New(cfg).Handler())
	defer srv.Close()

	thread := createThread(t)
	post := func() *http.Response {
		body := strings.NewReader(`{"message":"hi"}`)
		resp, err := http.Post(fmt.Sprintf("%s/threads/%d/run", srv.URL, thread.ID), "application/json", body)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusAccepted, post().StatusCode)
	limited := post()
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
}

func newMCPClient(t *testing.T) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t)
	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"tsugi_start_run", "tsugi_get_run", "tsugi_wait_run",
		"tsugi_cancel_run", "tsugi_get_job", "tsugi_read_tool_output",
	} {
		assert.True(t, names[want], "expected %s tool", want)
	}
}

func TestMCPStartRun(t *testing.T) {
	c := newMCPClient(t)
	thread := createThread(t)

	result, err := c.CallTool(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "tsugi_start_run",
			Arguments: map[string]any{"thread_id": thread.ID, "message": "from mcp"},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "start run returned error: %v", result.Content)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	var started model.StartRunResponse
	require.NoError(t, json.Unmarshal([]byte(text.Text), &started))

	run, err := testDB.GetRun(context.Background(), started.RunID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, run.ThreadID)
}
