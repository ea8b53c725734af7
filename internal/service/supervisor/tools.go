package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/llm"
	"github.com/ashita-ai/tsugi/internal/model"
)

// Tool names reserved by the supervisor loop.
const (
	ToolSpawnWorker    = "spawn_worker"
	ToolReadToolOutput = "read_tool_output"
)

// defaultReadLimit is the window size read_tool_output returns when the
// model does not ask for one.
const defaultReadLimit = 8000

// ToolContext is what a tool may know about the call site.
type ToolContext struct {
	Run    model.Run
	Thread model.Thread
}

// Tool is a tool the model can call that runs inline, inside the run.
type Tool interface {
	Definition() llm.Tool
	Call(ctx context.Context, tc ToolContext, args json.RawMessage) (string, error)
}

// ToolSet is the fixed set of inline tools, built at startup.
type ToolSet struct {
	tools map[string]Tool
	order []string
}

// NewToolSet builds a ToolSet. Names must be unique and must not collide
// with the delegation tool.
func NewToolSet(tools ...Tool) (*ToolSet, error) {
	ts := &ToolSet{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Definition().Name
		if name == "" || name == ToolSpawnWorker {
			return nil, fmt.Errorf("supervisor: tool name %q is reserved or empty", name)
		}
		if _, dup := ts.tools[name]; dup {
			return nil, fmt.Errorf("supervisor: duplicate tool %q", name)
		}
		ts.tools[name] = t
		ts.order = append(ts.order, name)
	}
	return ts, nil
}

// Lookup returns the tool registered under name.
func (ts *ToolSet) Lookup(name string) (Tool, bool) {
	if ts == nil {
		return nil, false
	}
	t, ok := ts.tools[name]
	return t, ok
}

// Definitions returns the tool specs in registration order.
func (ts *ToolSet) Definitions() []llm.Tool {
	if ts == nil {
		return nil
	}
	defs := make([]llm.Tool, 0, len(ts.order))
	for _, name := range ts.order {
		defs = append(defs, ts.tools[name].Definition())
	}
	return defs
}

// spawnWorkerDefinition describes the delegation tool for the given modes.
func spawnWorkerDefinition(modes []string) llm.Tool {
	modeSchema := map[string]any{"type": "string", "description": "Worker kind that executes the task."}
	if len(modes) > 0 {
		modeSchema["enum"] = modes
	}
	params, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode":            modeSchema,
			"task":            map[string]any{"type": "string", "description": "What the worker must do."},
			"target_repo":     map[string]any{"type": "string", "description": "Working directory for the worker."},
			"sandbox":         map[string]any{"type": "boolean", "description": "Run isolated from the host."},
			"timeout_seconds": map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"mode", "task"},
	})
	return llm.Tool{
		Name: ToolSpawnWorker,
		Description: "Delegate a task to a background worker. The run pauses until the worker finishes " +
			"and its result arrives as this tool call's result. Only one delegation per turn is honored.",
		Parameters: params,
	}
}

// ReadToolOutputTool lets the model page through an offloaded tool output.
type ReadToolOutputTool struct {
	store *artifact.Store
}

// NewReadToolOutputTool creates the retrieval tool.
func NewReadToolOutputTool(store *artifact.Store) *ReadToolOutputTool {
	return &ReadToolOutputTool{store: store}
}

// Definition implements Tool.
func (t *ReadToolOutputTool) Definition() llm.Tool {
	return llm.Tool{
		Name:        ToolReadToolOutput,
		Description: "Read part of a tool output that was too large to include inline. Use the artifact_id from a [TOOL_OUTPUT:...] marker.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"artifact_id":{"type":"string"},` +
			`"offset":{"type":"integer","minimum":0,"description":"Character offset to start at."},` +
			`"limit":{"type":"integer","minimum":1,"description":"Maximum characters to return."}},` +
			`"required":["artifact_id"]}`),
	}
}

type readToolOutputArgs struct {
	ArtifactID string `json:"artifact_id"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
}

// Call implements Tool. Reads are confined to the thread owner's artifacts.
func (t *ReadToolOutputTool) Call(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
	var args readToolOutputArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Offset < 0 || args.Limit < 0 {
		return "", errors.New("offset and limit must not be negative")
	}
	if args.Limit == 0 {
		args.Limit = defaultReadLimit
	}
	data, err := t.store.Read(ctx, tc.Thread.OwnerID, strings.TrimSpace(args.ArtifactID))
	if err != nil {
		return "", err
	}
	window, more := artifact.Window(data, args.Offset, args.Limit)
	if more {
		window += fmt.Sprintf("\n... [more available; continue with offset=%d]", args.Offset+len([]rune(window)))
	}
	return window, nil
}
