// Package llm defines the model-invocation boundary used by the supervisor
// loop and agent workers, plus an OpenAI-compatible implementation.
//
// The interface allows swapping providers (or fakes in tests) without
// changing consumers.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ashita-ai/tsugi/internal/model"
)

// ErrEmptyResponse is returned when the provider answers with no choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// Client invokes a chat model.
type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one model call.
type Request struct {
	Messages        []model.Message
	Tools           []Tool
	Model           string
	ReasoningEffort model.ReasoningEffort
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content   string
	ToolCalls []model.ToolCall
	Usage     Usage
	// Model is the model name reported by the provider, which may differ
	// from the requested alias.
	Model string
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f ClientFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
