package model

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a worker job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSuccess,
		JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// ParseJobStatus converts a raw string into a JobStatus.
func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("model: unknown job status %q", raw)
	}
	return s, nil
}

// Scan implements sql.Scanner.
func (s *JobStatus) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseJobStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusRunning: {JobStatusSuccess, JobStatusFailed, JobStatusTimeout, JobStatusCancelled},
}

// CanTransitionJob reports whether a job may move from one status to another.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobConfig is the delegation request a supervisor hands to a worker.
type JobConfig struct {
	Mode           string `json:"mode"`
	Task           string `json:"task"`
	TargetRepo     string `json:"target_repo,omitempty"`
	Sandbox        bool   `json:"sandbox,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Validate checks that the config names a mode and a task.
func (c JobConfig) Validate() error {
	if c.Mode == "" {
		return fmt.Errorf("model: job config: mode is required")
	}
	if c.Task == "" {
		return fmt.Errorf("model: job config: task is required")
	}
	if len(c.Task) > MaxTaskLen {
		return fmt.Errorf("model: job config: task exceeds maximum length of %d bytes", MaxTaskLen)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("model: job config: timeout_seconds must be non-negative")
	}
	return nil
}

// WorkerJob is a row in the idempotent job ledger.
type WorkerJob struct {
	ID              int64      `json:"id"`
	SupervisorRunID *int64     `json:"supervisor_run_id,omitempty"`
	ToolCallID      *string    `json:"tool_call_id,omitempty"`
	OwnerID         int64      `json:"owner_id"`
	Status          JobStatus  `json:"status"`
	Config          JobConfig  `json:"config"`
	Acknowledged    bool       `json:"acknowledged"`
	TraceID         string     `json:"trace_id"`
	Output          *string    `json:"output,omitempty"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobResult is the terminal outcome an executor records for a job.
type JobResult struct {
	Status JobStatus
	Output string
	Error  string
}
