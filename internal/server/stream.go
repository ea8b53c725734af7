package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
)

const (
	sseKeepalive = 15 * time.Second
	// maxTopicsPerStream bounds how many topics one connection may watch.
	maxTopicsPerStream = 16
	wsWriteTimeout     = 10 * time.Second
)

var topicPattern = regexp.MustCompile(`^(run|thread|fiche):[1-9][0-9]*$`)

// parseTopics reads the repeated ?topic= parameter.
func parseTopics(r *http.Request) ([]string, error) {
	raw := r.URL.Query()["topic"]
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one topic is required (run:<id>, thread:<id> or fiche:<id>)")
	}
	if len(raw) > maxTopicsPerStream {
		return nil, fmt.Errorf("at most %d topics per stream", maxTopicsPerStream)
	}
	seen := make(map[string]bool, len(raw))
	topics := make([]string, 0, len(raw))
	for _, t := range raw {
		if !topicPattern.MatchString(t) {
			return nil, fmt.Errorf("invalid topic %q", t)
		}
		if !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	return topics, nil
}

// subscribeAll subscribes to every topic and merges the deliveries into one
// channel that closes when ctx is done.
func (h *Handlers) subscribeAll(ctx context.Context, topics []string) <-chan events.Message {
	out := make(chan events.Message, 64)
	subs := make([]*events.Subscription, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, h.hub.Subscribe(t))
	}

	done := make(chan struct{}, len(subs))
	for _, sub := range subs {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-sub.C:
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		for range subs {
			<-done
		}
		for _, sub := range subs {
			h.hub.Unsubscribe(sub)
		}
		close(out)
	}()
	return out
}

// snapshots returns the current course_update of every run topic so a new
// subscriber starts from the chain's present state.
func (h *Handlers) snapshots(ctx context.Context, topics []string) []events.Message {
	var out []events.Message
	for _, t := range topics {
		idStr, ok := strings.CutPrefix(t, "run:")
		if !ok {
			continue
		}
		id, _ := strconv.ParseInt(idStr, 10, 64)
		run, err := h.db.GetRun(ctx, id)
		if err != nil {
			continue
		}
		latest, err := h.db.LatestInChain(ctx, run.RootRunID)
		if err != nil {
			continue
		}
		data, err := json.Marshal(model.Event{
			Type: model.EventCourseUpdate,
			Data: events.CourseUpdateFor(latest, time.Now()),
		})
		if err != nil {
			continue
		}
		out = append(out, events.Message{Topic: t, Type: model.EventCourseUpdate, Data: data})
	}
	return out
}

// HandleSubscribe handles GET /v1/subscribe?topic=run:<id> as a Server-Sent
// Events stream.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event streaming not available")
		return
	}
	topics, err := parseTopics(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	ctx := r.Context()
	ch := h.subscribeAll(ctx, topics)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	for _, msg := range h.snapshots(ctx, topics) {
		if _, err := w.Write(formatSSE(string(msg.Type), string(msg.Data))); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(formatSSE(string(msg.Type), string(msg.Data))); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleWebSocket handles GET /v1/ws?topic=run:<id>. Each event is sent as
// one text frame holding the JSON envelope.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event streaming not available")
		return
	}
	topics, err := parseTopics(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// The stream is server-to-client; CloseRead handles control frames and
	// cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	ch := h.subscribeAll(ctx, topics)

	for _, msg := range h.snapshots(ctx, topics) {
		if err := wsWrite(ctx, conn, msg.Data); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsWrite(ctx, conn, msg.Data); err != nil {
				return
			}
		}
	}
}

func wsWrite(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
