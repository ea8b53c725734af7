package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/ctxutil"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/audit"
	"github.com/ashita-ai/tsugi/internal/service/runs"
	"github.com/ashita-ai/tsugi/internal/storage"
)

// healthCacheTTL bounds how often concurrent health probes reach Postgres.
const healthCacheTTL = 2 * time.Second

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	runs                *runs.Service
	artifacts           *artifact.Store
	hub                 *events.Hub
	audit               *audit.Buffer
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	defaultModel        string
	maxRequestBodyBytes int64
	maxWaitTimeout      time.Duration
	// inFlight reports executing hops and jobs for /health. Nil reports zeros.
	inFlight func() (hops, jobs int)

	healthGroup singleflight.Group
	healthMu    sync.Mutex
	healthAt    time.Time
	healthErr   error
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Hub, Audit, InFlight.
type HandlersDeps struct {
	DB                  *storage.DB
	Runs                *runs.Service
	Artifacts           *artifact.Store
	Hub                 *events.Hub
	Audit               *audit.Buffer
	Logger              *slog.Logger
	Version             string
	DefaultModel        string
	MaxRequestBodyBytes int64
	MaxWaitTimeout      time.Duration
	InFlight            func() (hops, jobs int)
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxWaitTimeout <= 0 {
		d.MaxWaitTimeout = time.Minute
	}
	h := &Handlers{
		db:                  d.DB,
		runs:                d.Runs,
		artifacts:           d.Artifacts,
		hub:                 d.Hub,
		audit:               d.Audit,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		defaultModel:        d.DefaultModel,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxWaitTimeout:      d.MaxWaitTimeout,
		inFlight:            d.InFlight,
	}
	return h
}

// HandleCreateThread handles POST /threads.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req model.CreateThreadRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if owner, ok := ctxutil.OwnerFromContext(r.Context()); ok && req.OwnerID == 0 {
		req.OwnerID = owner
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, "POST /threads", req)
	if !proceed {
		return
	}

	modelName := req.Model
	if modelName == "" {
		modelName = h.defaultModel
	}
	thread, err := h.db.CreateThread(r.Context(), model.Thread{
		OwnerID:         req.OwnerID,
		FicheID:         req.FicheID,
		Title:           req.Title,
		SystemPrompt:    req.SystemPrompt,
		Model:           modelName,
		ReasoningEffort: req.ReasoningEffort,
	})
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, err, "failed to create thread")
		return
	}
	h.completeIdempotentWrite(r, idem, http.StatusCreated, thread)
	writeJSON(w, r, http.StatusCreated, thread)
}

// HandleGetThreadMessages handles GET /threads/{id}/messages.
func (h *Handlers) HandleGetThreadMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.db.GetThread(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err, "failed to get thread")
		return
	}
	msgs, err := h.db.ListMessages(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

// HandleStartRun handles POST /threads/{id}/run. It returns 202 as soon as
// the run is queued; execution happens on the runners.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, "POST /threads/"+strconv.FormatInt(threadID, 10)+"/run", req)
	if !proceed {
		return
	}

	run, err := h.runs.Enqueue(r.Context(), threadID, req)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, err, "failed to start run")
		return
	}
	resp := model.StartRunResponse{
		RunID:   run.ID,
		TraceID: run.TraceID,
		Status:  run.Status,
	}
	h.completeIdempotentWrite(r, idem, http.StatusAccepted, resp)
	w.Header().Set("Location", "/runs/"+strconv.FormatInt(run.ID, 10))
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleGetRun handles GET /runs/{id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	view, err := h.runs.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleGetChain handles GET /runs/{id}/chain.
func (h *Handlers) HandleGetChain(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	chain, err := h.runs.Chain(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get chain")
		return
	}
	writeJSON(w, r, http.StatusOK, chain)
}

// HandleWaitRun handles GET /runs/{id}/wait?timeout=30s. It blocks until the
// chain finishes or the timeout elapses, in which case the outcome is
// "deferred" and the run keeps going.
func (h *Handlers) HandleWaitRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	timeout, err := queryDuration(r, "timeout", 30*time.Second)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if timeout > h.maxWaitTimeout {
		timeout = h.maxWaitTimeout
	}

	// Long polls outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	resp, err := h.runs.Wait(r.Context(), id, timeout)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.writeServiceError(w, r, err, "failed to wait for run")
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// cancelResponse is returned from POST /runs/{id}/cancel.
type cancelResponse struct {
	Run             model.Run `json:"run"`
	CancelledJobIDs []int64   `json:"cancelled_job_ids"`
}

// HandleCancelRun handles POST /runs/{id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.runs.Cancel(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to cancel run")
		return
	}
	ids := res.CancelledJobIDs
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, r, http.StatusOK, cancelResponse{Run: res.Run, CancelledJobIDs: ids})
}

// HandleListRunJobs handles GET /runs/{id}/jobs.
func (h *Handlers) HandleListRunJobs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	jobs, err := h.db.ListJobsByRun(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []model.WorkerJob{}
	}
	writeJSON(w, r, http.StatusOK, jobs)
}

// HandleGetJob handles GET /jobs/{id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	job, err := h.db.GetJob(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get job")
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleGetAuditTrail handles GET /traces/{trace_id}/llm-calls.
func (h *Handlers) HandleGetAuditTrail(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if traceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id is required")
		return
	}
	entries, err := h.db.ListAuditByTrace(r.Context(), traceID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list llm calls")
		return
	}
	if entries == nil {
		entries = []model.LLMAuditEntry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleGetArtifact handles GET /owners/{owner_id}/artifacts/{artifact_id}.
// Optional offset and limit select a character window.
func (h *Handlers) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	ownerID, err := pathID(r, "owner_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	data, err := h.artifacts.Read(r.Context(), ownerID, r.PathValue("artifact_id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to read artifact")
		return
	}

	q := r.URL.Query()
	if q.Has("offset") || q.Has("limit") {
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", len(data))
		if offset < 0 || limit < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be >= 0 and limit >= 1")
			return
		}
		window, more := artifact.Window(data, offset, limit)
		w.Header().Set("X-Artifact-More", strconv.FormatBool(more))
		data = []byte(window)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleGetArtifactMetadata handles GET /owners/{owner_id}/artifacts/{artifact_id}/metadata.
func (h *Handlers) HandleGetArtifactMetadata(w http.ResponseWriter, r *http.Request) {
	ownerID, err := pathID(r, "owner_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	meta, err := h.artifacts.ReadMetadata(r.Context(), ownerID, r.PathValue("artifact_id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to read artifact metadata")
		return
	}
	writeJSON(w, r, http.StatusOK, meta)
}

// healthResponse is returned from GET /health.
type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Postgres         string `json:"postgres"`
	AuditBufferDepth int    `json:"audit_buffer_depth"`
	AuditDropped     int64  `json:"audit_dropped"`
	EventsDropped    int64  `json:"events_dropped"`
	RunsInFlight     int    `json:"runs_in_flight"`
	JobsInFlight     int    `json:"jobs_in_flight"`
	Uptime           int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.pingDB(r.Context()); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.audit != nil {
		resp.AuditBufferDepth = h.audit.Len()
		resp.AuditDropped = h.audit.Dropped()
	}
	if h.hub != nil {
		resp.EventsDropped = h.hub.Dropped()
	}
	if h.inFlight != nil {
		resp.RunsInFlight, resp.JobsInFlight = h.inFlight()
	}
	writeJSON(w, r, httpStatus, resp)
}

// pingDB checks Postgres. Concurrent probes share one ping and the result
// is cached for healthCacheTTL.
func (h *Handlers) pingDB(ctx context.Context) error {
	h.healthMu.Lock()
	if time.Since(h.healthAt) < healthCacheTTL {
		err := h.healthErr
		h.healthMu.Unlock()
		return err
	}
	h.healthMu.Unlock()

	_, err, _ := h.healthGroup.Do("ping", func() (any, error) {
		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		err := h.db.Ping(pingCtx)
		h.healthMu.Lock()
		h.healthAt, h.healthErr = time.Now(), err
		h.healthMu.Unlock()
		return nil, err
	})
	return err
}

// writeServiceError maps service and storage errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var te *model.TransitionError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.As(err, &te):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, te.Error())
	case errors.Is(err, artifact.ErrInvalidArtifactID),
		errors.Is(err, artifact.ErrInvalidOwner),
		errors.Is(err, artifact.ErrPathEscape):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error(msg, "error", err, "path", r.URL.Path)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
	}
}

// --- Shared helpers ---

func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryDuration accepts a Go duration ("30s") or a bare number of seconds.
func queryDuration(r *http.Request, key string, defaultVal time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s: must not be negative", key)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: expected a duration like 30s", key)
	}
	return d, nil
}
