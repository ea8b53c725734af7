package tsugi

import "encoding/json"

// Job is the public view of a worker job handed to a Worker.
// It is a curated copy of internal/model.WorkerJob for use in extension interfaces.
type Job struct {
	ID         int64
	OwnerID    int64
	Mode       string
	Task       string
	TargetRepo string
	Sandbox    bool
	TraceID    string
}

// ToolCall is a model request to invoke a named tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ChatMessage is one transcript entry sent to a ChatModel.
// Role is one of "system", "user", "assistant" or "tool".
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolSpec describes a function the model may call. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model           string
	ReasoningEffort string
	Messages        []ChatMessage
	Tools           []ToolSpec
}

// ChatResponse is the model's reply. Model is the name the provider reports,
// which may differ from the requested alias.
type ChatResponse struct {
	Content          string
	ToolCalls        []ToolCall
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// SweepReport summarizes a one-shot recovery sweep.
type SweepReport struct {
	StaleJobsFailed  int `json:"stale_jobs_failed"`
	Redriven         int `json:"redriven"`
	Created          int `json:"created"`
	Errors           int `json:"errors"`
	QueuedRunsKicked int `json:"queued_runs_kicked"`
}
