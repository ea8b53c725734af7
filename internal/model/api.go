package model

import (
	"fmt"
	"time"
)

// Field length limits for request bodies.
const (
	MaxTaskLen    = 64 * 1024 // 64 KB
	MaxMessageLen = 256 * 1024
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateThreadRequest is the request body for POST /threads.
type CreateThreadRequest struct {
	OwnerID         int64           `json:"owner_id"`
	FicheID         *int64          `json:"fiche_id,omitempty"`
	Title           string          `json:"title,omitempty"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
}

// Validate checks field presence and enum values.
func (r CreateThreadRequest) Validate() error {
	if r.OwnerID <= 0 {
		return fmt.Errorf("owner_id is required")
	}
	if !r.ReasoningEffort.Valid() {
		return fmt.Errorf("reasoning_effort %q is not one of none, low, medium, high", r.ReasoningEffort)
	}
	if len(r.SystemPrompt) > MaxMessageLen {
		return fmt.Errorf("system_prompt exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// StartRunRequest is the request body for POST /threads/{id}/run.
type StartRunRequest struct {
	Message         string          `json:"message"`
	Trigger         RunTrigger      `json:"trigger,omitempty"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
}

// Validate checks field presence and enum values. Continuation runs are
// created internally and cannot be requested by a caller.
func (r StartRunRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	if r.Trigger != "" && (!r.Trigger.Valid() || r.Trigger == TriggerContinuation) {
		return fmt.Errorf("trigger %q is not allowed", r.Trigger)
	}
	if !r.ReasoningEffort.Valid() {
		return fmt.Errorf("reasoning_effort %q is not one of none, low, medium, high", r.ReasoningEffort)
	}
	return nil
}

// StartRunResponse is returned with 202 Accepted from POST /threads/{id}/run.
type StartRunResponse struct {
	RunID   int64     `json:"run_id"`
	TraceID string    `json:"trace_id"`
	Status  RunStatus `json:"status"`
}

// RunView is a run plus the id of the run that continued it, if any.
type RunView struct {
	Run
	ContinuedByRunID *int64 `json:"continued_by_run_id,omitempty"`
}

// WaitOutcome is the caller-facing result of a long poll. It is either a
// run status or "deferred" and is never persisted.
type WaitOutcome string

// WaitDeferred means the caller stopped waiting; the run keeps executing.
const WaitDeferred WaitOutcome = "deferred"

// WaitResponse is returned from GET /runs/{id}/wait.
type WaitResponse struct {
	RootRunID int64       `json:"root_run_id"`
	HopRunID  int64       `json:"hop_run_id"`
	Outcome   WaitOutcome `json:"outcome"`
	Error     string      `json:"error,omitempty"`
}
