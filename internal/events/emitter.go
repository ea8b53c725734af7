package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/tsugi/internal/model"
)

// ThreadLookup resolves a thread so runs can also be published on their
// fiche topic. *storage.DB satisfies it.
type ThreadLookup interface {
	GetThread(ctx context.Context, id int64) (model.Thread, error)
}

// Emitter turns run and job changes into aliased events.
type Emitter struct {
	pub     Publisher
	threads ThreadLookup
	logger  *slog.Logger
	now     func() time.Time

	// fiche ids by thread id; a thread's fiche never changes.
	fiches sync.Map
}

// NewEmitter creates an Emitter over pub. threads may be nil, in which case
// fiche topics are never published.
func NewEmitter(pub Publisher, threads ThreadLookup, logger *slog.Logger) *Emitter {
	return &Emitter{pub: pub, threads: threads, logger: logger, now: time.Now}
}

func (e *Emitter) ficheOf(ctx context.Context, threadID int64) *int64 {
	if e.threads == nil {
		return nil
	}
	if v, ok := e.fiches.Load(threadID); ok {
		return v.(*int64)
	}
	t, err := e.threads.GetThread(ctx, threadID)
	if err != nil {
		e.logger.Warn("events: thread lookup failed", "thread_id", threadID, "error", err)
		return nil
	}
	e.fiches.Store(threadID, t.FicheID)
	return t.FicheID
}

// CourseUpdateFor builds the outward payload for a run hop. RunID is the
// chain's root run id; the hop id travels separately for debugging.
func CourseUpdateFor(run model.Run, at time.Time) model.CourseUpdate {
	u := model.CourseUpdate{
		RunID:              run.RootRunID,
		HopRunID:           run.ID,
		ThreadID:           run.ThreadID,
		Status:             run.Status,
		TraceID:            run.TraceID,
		AssistantMessageID: run.AssistantMessageID,
		At:                 at.UTC(),
	}
	if u.RunID == 0 {
		u.RunID = run.ID
	}
	if run.Error != nil {
		u.Error = *run.Error
	}
	return u
}

// TopicsFor returns the topics a run's updates are published on.
func TopicsFor(run model.Run, ficheID *int64) []string {
	root := run.RootRunID
	if root == 0 {
		root = run.ID
	}
	topics := []string{model.RunTopic(root), model.ThreadTopic(run.ThreadID)}
	if ficheID != nil {
		topics = append(topics, model.FicheTopic(*ficheID))
	}
	return topics
}

// RunChanged publishes a course_update for run. Publication failures are
// logged; subscribers can always recover state by reading the run.
func (e *Emitter) RunChanged(ctx context.Context, run model.Run) {
	ev := model.Event{Type: model.EventCourseUpdate, Data: CourseUpdateFor(run, e.now())}
	if err := e.pub.Publish(ctx, TopicsFor(run, e.ficheOf(ctx, run.ThreadID)), ev); err != nil {
		e.logger.Warn("events: publish course_update failed",
			"run_id", run.ID, "root_run_id", run.RootRunID, "status", run.Status, "error", err)
	}
}

// JobChanged publishes a job_update on the owning chain's run topic.
func (e *Emitter) JobChanged(ctx context.Context, job model.WorkerJob, rootRunID int64) {
	if job.SupervisorRunID == nil {
		return
	}
	ev := model.Event{Type: model.EventJobUpdate, Data: model.JobUpdate{
		JobID:   job.ID,
		RunID:   rootRunID,
		Status:  job.Status,
		TraceID: job.TraceID,
		At:      e.now().UTC(),
	}}
	if err := e.pub.Publish(ctx, []string{model.RunTopic(rootRunID)}, ev); err != nil {
		e.logger.Warn("events: publish job_update failed", "job_id", job.ID, "error", err)
	}
}
