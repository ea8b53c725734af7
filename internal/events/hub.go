// Package events publishes run-chain status changes to subscribers.
//
// Subscribers key on topics (run:<root_run_id>, thread:<id>, fiche:<id>).
// Every course_update is stamped with the root run id of its chain at
// publication time, so a client that started watching run 1 keeps receiving
// updates after the run was continued as run 2, 3 and so on. Internal code
// always works with per-hop ids; aliasing happens only here.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/tsugi/internal/model"
)

// subscriberBuffer is the per-subscriber queue depth. Events for a
// subscriber with a full queue are dropped rather than blocking publishers.
const subscriberBuffer = 64

// Message is one delivered event.
type Message struct {
	Topic string
	Type  model.EventType
	// Data is the JSON-encoded event envelope.
	Data []byte
}

// Publisher delivers an event to every subscriber of any of the topics.
type Publisher interface {
	Publish(ctx context.Context, topics []string, ev model.Event) error
}

// Subscription is a live registration on a Hub.
type Subscription struct {
	C     <-chan Message
	ch    chan Message
	topic string
}

// Hub fans events out to in-process subscribers.
type Hub struct {
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	topics map[string]map[chan Message]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		topics: make(map[string]map[chan Message]struct{}),
	}
}

// Subscribe registers for events on topic. The caller must call Unsubscribe.
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Message, subscriberBuffer)
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[chan Message]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()
	return &Subscription{C: ch, ch: ch, topic: topic}
}

// Unsubscribe removes the subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if subs, ok := h.topics[sub.topic]; ok {
		if _, ok := subs[sub.ch]; ok {
			delete(subs, sub.ch)
			close(sub.ch)
		}
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	h.mu.Unlock()
}

// Publish encodes ev once and delivers it to subscribers of each topic.
func (h *Hub) Publish(_ context.Context, topics []string, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.Deliver(topics, ev.Type, data)
	return nil
}

// Deliver sends pre-encoded event data to subscribers of each topic. Slow
// subscribers with a full buffer miss the event.
func (h *Hub) Deliver(topics []string, typ model.EventType, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, topic := range topics {
		for ch := range h.topics[topic] {
			select {
			case ch <- Message{Topic: topic, Type: typ, Data: data}:
			default:
				h.dropped.Add(1)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
