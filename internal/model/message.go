package model

import (
	"encoding/json"
	"time"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to invoke a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of a conversation transcript.
type Message struct {
	ID         int64      `json:"id,omitempty"`
	ThreadID   int64      `json:"thread_id,omitempty"`
	RunID      *int64     `json:"run_id,omitempty"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	MessageID  string     `json:"message_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
}

// CharCount is the size of a message as counted against a context budget:
// content runes plus the raw bytes of any tool-call arguments.
func (m Message) CharCount() int {
	n := len([]rune(m.Content))
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return n
}

// Thread is the conversation a chain of runs operates on.
type Thread struct {
	ID              int64           `json:"id"`
	OwnerID         int64           `json:"owner_id"`
	FicheID         *int64          `json:"fiche_id,omitempty"`
	Title           string          `json:"title"`
	SystemPrompt    string          `json:"system_prompt"`
	Model           string          `json:"model"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
