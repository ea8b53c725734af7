package model

import (
	"fmt"
	"time"
)

// EventType is the type discriminator of a published event.
type EventType string

const (
	// EventCourseUpdate reports a status change anywhere in a run chain.
	EventCourseUpdate EventType = "course_update"
	// EventJobUpdate reports a worker job reaching a new status.
	EventJobUpdate EventType = "job_update"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// CourseUpdate is the payload of a course_update event. RunID is always the
// root run of the chain so subscribers track one stable identity.
type CourseUpdate struct {
	RunID              int64     `json:"run_id"`
	HopRunID           int64     `json:"hop_run_id"`
	ThreadID           int64     `json:"thread_id"`
	Status             RunStatus `json:"status"`
	TraceID            string    `json:"trace_id"`
	AssistantMessageID string    `json:"assistant_message_id,omitempty"`
	Error              string    `json:"error,omitempty"`
	At                 time.Time `json:"at"`
}

// JobUpdate is the payload of a job_update event.
type JobUpdate struct {
	JobID   int64     `json:"job_id"`
	RunID   int64     `json:"run_id"`
	Status  JobStatus `json:"status"`
	TraceID string    `json:"trace_id"`
	At      time.Time `json:"at"`
}

// Topic helpers. Subscribers key on these strings.

// RunTopic is the topic for a run chain, keyed by its root run id.
func RunTopic(rootRunID int64) string { return fmt.Sprintf("run:%d", rootRunID) }

// ThreadTopic is the topic for every chain on a thread.
func ThreadTopic(threadID int64) string { return fmt.Sprintf("thread:%d", threadID) }

// FicheTopic is the topic for every thread of a fiche.
func FicheTopic(ficheID int64) string { return fmt.Sprintf("fiche:%d", ficheID) }
