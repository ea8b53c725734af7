package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/storage"
)

// envelope is the NOTIFY payload for an event crossing processes.
type envelope struct {
	Topics []string        `json:"topics"`
	Type   model.EventType `json:"type"`
	Event  json.RawMessage `json:"event"`
}

// NotifyPublisher publishes events through Postgres NOTIFY so every
// process's Listener can fan them out to its local Hub.
type NotifyPublisher struct {
	db *storage.DB
}

// NewNotifyPublisher creates a NotifyPublisher.
func NewNotifyPublisher(db *storage.DB) *NotifyPublisher {
	return &NotifyPublisher{db: db}
}

// Publish sends ev on the events channel.
func (p *NotifyPublisher) Publish(ctx context.Context, topics []string, ev model.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode event: %w", err)
	}
	payload, err := json.Marshal(envelope{Topics: topics, Type: ev.Type, Event: raw})
	if err != nil {
		return fmt.Errorf("events: encode envelope: %w", err)
	}
	return p.db.Notify(ctx, storage.ChannelEvents, string(payload))
}

// Listener owns the LISTEN connection and routes each notification to the
// handler registered for its channel. A pgx.Conn is not safe for concurrent
// use, so one Listener serves every channel of the process.
type Listener struct {
	db     *storage.DB
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]func(payload string)
}

// NewListener creates a Listener. Register handlers before Start.
func NewListener(db *storage.DB, logger *slog.Logger) *Listener {
	return &Listener{db: db, logger: logger, handlers: make(map[string]func(string))}
}

// Handle registers fn for channel.
func (l *Listener) Handle(channel string, fn func(payload string)) {
	l.mu.Lock()
	l.handlers[channel] = fn
	l.mu.Unlock()
}

// RelayTo routes the events channel into hub.
func (l *Listener) RelayTo(hub *Hub) {
	l.Handle(storage.ChannelEvents, func(payload string) {
		var env envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			l.logger.Warn("events: discard malformed notification", "error", err)
			return
		}
		hub.Deliver(env.Topics, env.Type, env.Event)
	})
}

// Start listens on every registered channel and dispatches notifications.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (l *Listener) Start(ctx context.Context) {
	l.mu.RLock()
	channels := make([]string, 0, len(l.handlers))
	for ch := range l.handlers {
		channels = append(channels, ch)
	}
	l.mu.RUnlock()

	for _, ch := range channels {
		if err := l.db.Listen(ctx, ch); err != nil {
			l.logger.Error("events: listen failed", "channel", ch, "error", err)
			return
		}
	}
	l.logger.Info("events: listening for notifications", "channels", channels)

	for {
		channel, payload, err := l.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("events: notification error, retrying", "error", err)
			continue
		}
		l.mu.RLock()
		fn := l.handlers[channel]
		l.mu.RUnlock()
		if fn != nil {
			fn(payload)
		}
	}
}
