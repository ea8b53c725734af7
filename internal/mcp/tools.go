package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/ctxutil"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/storage"
)

const (
	defaultWaitSeconds = 30
	maxWaitSeconds     = 300
	defaultReadLimit   = 8000
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_start_run",
			mcplib.WithDescription(`Start a supervisor run on a thread with a new user message.

Returns immediately with the root run_id. The run executes in the background;
use tsugi_wait_run to block until the whole chain finishes.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithNumber("thread_id", mcplib.Description("Thread to run on"), mcplib.Required()),
			mcplib.WithString("message", mcplib.Description("User message that starts the run"), mcplib.Required()),
			mcplib.WithString("model", mcplib.Description("Optional model override for this chain")),
		),
		s.handleStartRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_get_run",
			mcplib.WithDescription("Get one run hop, including the id of the hop that continued it, if any."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithNumber("run_id", mcplib.Description("Run id"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_wait_run",
			mcplib.WithDescription(`Wait for a chain to finish.

Follows continuation hops, so waiting on the root run_id reports the final
outcome: success, failed or cancelled. Returns "deferred" when the timeout
elapses first; the chain keeps running and you may wait again.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithNumber("run_id", mcplib.Description("Any run id in the chain"), mcplib.Required()),
			mcplib.WithNumber("timeout_seconds",
				mcplib.Description("How long to wait before returning deferred"),
				mcplib.Min(1),
				mcplib.Max(maxWaitSeconds),
				mcplib.DefaultNumber(defaultWaitSeconds),
			),
		),
		s.handleWaitRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_cancel_run",
			mcplib.WithDescription("Cancel a run and any worker job it is waiting on."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithNumber("run_id", mcplib.Description("Run id"), mcplib.Required()),
		),
		s.handleCancelRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_get_job",
			mcplib.WithDescription("Get a worker job with its status, output and error."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithNumber("job_id", mcplib.Description("Worker job id"), mcplib.Required()),
		),
		s.handleGetJob,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_read_tool_output",
			mcplib.WithDescription(`Read a window of an offloaded tool output.

Tool outputs over the size limit are replaced in the thread by a short preview
and an artifact id. Page through the full text with offset and limit.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithNumber("owner_id", mcplib.Description("Owner of the thread the output came from; defaults to the token's owner")),
			mcplib.WithString("artifact_id", mcplib.Description("Artifact id from the preview"), mcplib.Required()),
			mcplib.WithNumber("offset", mcplib.Description("Character offset to start at"), mcplib.Min(0), mcplib.DefaultNumber(0)),
			mcplib.WithNumber("limit", mcplib.Description("Maximum characters to return"), mcplib.Min(1), mcplib.DefaultNumber(defaultReadLimit)),
		),
		s.handleReadToolOutput,
	)
}

func (s *Server) handleStartRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID := int64(request.GetInt("thread_id", 0))
	if threadID <= 0 {
		return errorResult("thread_id is required"), nil
	}
	req := model.StartRunRequest{
		Message: request.GetString("message", ""),
		Trigger: model.TriggerAPI,
		Model:   request.GetString("model", ""),
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}
	run, err := s.runs.Enqueue(ctx, threadID, req)
	if err != nil {
		return s.serviceError("start run", err)
	}
	return jsonResult(model.StartRunResponse{RunID: run.ID, TraceID: run.TraceID, Status: run.Status})
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := int64(request.GetInt("run_id", 0))
	if id <= 0 {
		return errorResult("run_id is required"), nil
	}
	view, err := s.runs.Get(ctx, id)
	if err != nil {
		return s.serviceError("get run", err)
	}
	return jsonResult(view)
}

func (s *Server) handleWaitRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := int64(request.GetInt("run_id", 0))
	if id <= 0 {
		return errorResult("run_id is required"), nil
	}
	secs := min(max(request.GetInt("timeout_seconds", defaultWaitSeconds), 1), maxWaitSeconds)
	resp, err := s.runs.Wait(ctx, id, time.Duration(secs)*time.Second)
	if err != nil {
		return s.serviceError("wait for run", err)
	}
	return jsonResult(resp)
}

func (s *Server) handleCancelRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := int64(request.GetInt("run_id", 0))
	if id <= 0 {
		return errorResult("run_id is required"), nil
	}
	res, err := s.runs.Cancel(ctx, id)
	if err != nil {
		return s.serviceError("cancel run", err)
	}
	ids := res.CancelledJobIDs
	if ids == nil {
		ids = []int64{}
	}
	return jsonResult(map[string]any{
		"run":               res.Run,
		"cancelled_job_ids": ids,
	})
}

func (s *Server) handleGetJob(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := int64(request.GetInt("job_id", 0))
	if id <= 0 {
		return errorResult("job_id is required"), nil
	}
	job, err := s.db.GetJob(ctx, id)
	if err != nil {
		return s.serviceError("get job", err)
	}
	return jsonResult(job)
}

func (s *Server) handleReadToolOutput(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ownerID := int64(request.GetInt("owner_id", 0))
	if ownerID <= 0 {
		ownerID, _ = ctxutil.OwnerFromContext(ctx)
	}
	id := request.GetString("artifact_id", "")
	if ownerID <= 0 || id == "" {
		return errorResult("owner_id and artifact_id are required"), nil
	}
	offset := request.GetInt("offset", 0)
	limit := request.GetInt("limit", defaultReadLimit)
	if offset < 0 || limit < 1 {
		return errorResult("offset must be >= 0 and limit >= 1"), nil
	}

	data, err := s.artifacts.Read(ctx, ownerID, id)
	if err != nil {
		return s.serviceError("read tool output", err)
	}
	window, more := artifact.Window(data, offset, limit)
	if more {
		window += fmt.Sprintf("\n... [more available; continue with offset=%d]", offset+len([]rune(window)))
	}
	return textResult(window), nil
}

// serviceError turns caller mistakes into tool errors the model can act on.
// Anything else is an internal failure and is logged.
func (s *Server) serviceError(op string, err error) (*mcplib.CallToolResult, error) {
	var te *model.TransitionError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return errorResult(op + ": not found"), nil
	case errors.As(err, &te),
		errors.Is(err, artifact.ErrInvalidArtifactID),
		errors.Is(err, artifact.ErrInvalidOwner),
		errors.Is(err, artifact.ErrPathEscape):
		return errorResult(fmt.Sprintf("%s: %v", op, err)), nil
	}
	s.logger.Error("mcp: "+op+" failed", "error", err)
	return errorResult(op + ": internal error"), nil
}
