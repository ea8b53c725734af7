package model

import "time"

// LLMPhase identifies which step of a supervisor turn a model call served.
type LLMPhase string

const (
	PhaseInitial       LLMPhase = "initial"
	PhaseToolIteration LLMPhase = "tool_iteration"
	PhaseSynthesis     LLMPhase = "synthesis"
)

// LLMAuditEntry records a single model invocation. Rows of one chain share
// TraceID; SpanID is unique per call.
type LLMAuditEntry struct {
	ID           int64     `json:"id"`
	TraceID      string    `json:"trace_id"`
	SpanID       string    `json:"span_id"`
	RunID        int64     `json:"run_id"`
	Phase        LLMPhase  `json:"phase"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMS   int64     `json:"duration_ms"`
	Error        *string   `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
