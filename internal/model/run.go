// Package model defines the core domain types for Tsugi.
//
// Types map directly to database rows and event payloads. Enumerations are
// closed string types that are validated when they cross the storage or
// HTTP boundary, so an unknown status string never reaches service code.
package model

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a supervisor run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusWaiting,
		RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusCancelled
}

// ParseRunStatus converts a raw string into a RunStatus.
func ParseRunStatus(raw string) (RunStatus, error) {
	s := RunStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("model: unknown run status %q", raw)
	}
	return s, nil
}

// Scan implements sql.Scanner so pgx validates statuses while reading rows.
func (s *RunStatus) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseRunStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// RunTrigger records what caused a run to be created.
type RunTrigger string

const (
	TriggerManual       RunTrigger = "manual"
	TriggerSchedule     RunTrigger = "schedule"
	TriggerChat         RunTrigger = "chat"
	TriggerWebhook      RunTrigger = "webhook"
	TriggerAPI          RunTrigger = "api"
	TriggerContinuation RunTrigger = "continuation"
)

// Valid reports whether t is one of the known triggers.
func (t RunTrigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerSchedule, TriggerChat, TriggerWebhook, TriggerAPI, TriggerContinuation:
		return true
	}
	return false
}

// ParseRunTrigger converts a raw string into a RunTrigger.
func ParseRunTrigger(raw string) (RunTrigger, error) {
	t := RunTrigger(raw)
	if !t.Valid() {
		return "", fmt.Errorf("model: unknown run trigger %q", raw)
	}
	return t, nil
}

// Scan implements sql.Scanner.
func (t *RunTrigger) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseRunTrigger(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ReasoningEffort is the model reasoning-effort hint. Empty means the model default.
type ReasoningEffort string

const (
	ReasoningNone   ReasoningEffort = "none"
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// Valid reports whether e is empty or one of the known effort levels.
func (e ReasoningEffort) Valid() bool {
	switch e {
	case "", ReasoningNone, ReasoningLow, ReasoningMedium, ReasoningHigh:
		return true
	}
	return false
}

// Run is one hop of a supervisor conversation turn. A chain of runs linked by
// ContinuationOfRunID shares RootRunID and TraceID.
type Run struct {
	ID                  int64           `json:"id"`
	ThreadID            int64           `json:"thread_id"`
	TraceID             string          `json:"trace_id"`
	RootRunID           int64           `json:"root_run_id"`
	ContinuationOfRunID *int64          `json:"continuation_of_run_id,omitempty"`
	Status              RunStatus       `json:"status"`
	Trigger             RunTrigger      `json:"trigger"`
	Model               string          `json:"model"`
	ReasoningEffort     ReasoningEffort `json:"reasoning_effort,omitempty"`
	PendingToolCallID   *string         `json:"pending_tool_call_id,omitempty"`
	AssistantMessageID  string          `json:"assistant_message_id"`
	Error               *string         `json:"error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IsContinuation reports whether the run resumes an earlier waiting run.
func (r Run) IsContinuation() bool {
	return r.ContinuationOfRunID != nil
}

// Validate checks the structural invariants of a run row.
func (r Run) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("model: run %d: invalid status %q", r.ID, r.Status)
	}
	waiting := r.Status == RunStatusWaiting
	pending := r.PendingToolCallID != nil && *r.PendingToolCallID != ""
	if waiting && !pending {
		return fmt.Errorf("model: run %d: waiting without pending tool call", r.ID)
	}
	if !waiting && pending {
		return fmt.Errorf("model: run %d: pending tool call on %s run", r.ID, r.Status)
	}
	if r.ContinuationOfRunID == nil && r.ID != 0 && r.RootRunID != r.ID {
		return fmt.Errorf("model: run %d: root run %d must equal id for a chain root", r.ID, r.RootRunID)
	}
	if r.ContinuationOfRunID != nil && r.Trigger != TriggerContinuation {
		return fmt.Errorf("model: run %d: continuation with trigger %q", r.ID, r.Trigger)
	}
	return nil
}

// ErrInvalidTransition is the sentinel wrapped by TransitionError.
var ErrInvalidTransition = errors.New("model: invalid status transition")

// TransitionError reports a rejected state-machine move.
type TransitionError struct {
	Kind string
	ID   int64
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("model: %s %d: invalid transition %s -> %s", e.Kind, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusRunning: {RunStatusWaiting, RunStatusSuccess, RunStatusFailed, RunStatusCancelled},
	// A waiting run is never resumed in place; its continuation is a new row.
	RunStatusWaiting: {RunStatusCancelled},
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckRunTransition returns a *TransitionError when the move is not allowed.
func CheckRunTransition(id int64, from, to RunStatus) error {
	if CanTransitionRun(from, to) {
		return nil
	}
	return &TransitionError{Kind: "run", ID: id, From: string(from), To: string(to)}
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", errors.New("model: cannot scan NULL into enum")
	default:
		return "", fmt.Errorf("model: cannot scan %T into enum", src)
	}
}
