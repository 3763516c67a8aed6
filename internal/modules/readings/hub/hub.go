package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"sensorhub-server/internal/modules/readings/types"
)

// Recorder receives hub events. *metrics.Metrics satisfies it.
type Recorder interface {
	SubscriberAdded()
	SubscriberRemoved()
	MessageSent()
	SubscriberDropped()
}

type nopRecorder struct{}

func (nopRecorder) SubscriberAdded()   {}
func (nopRecorder) SubscriberRemoved() {}
func (nopRecorder) MessageSent()       {}
func (nopRecorder) SubscriberDropped() {}

// Subscriber is one registered push channel. Messages carries encoded
// envelopes and is closed once the subscriber is removed from the hub.
type Subscriber struct {
	ID string

	send      chan []byte
	closeOnce sync.Once
}

func (s *Subscriber) Messages() <-chan []byte { return s.send }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// Hub is the set of live subscribers.
type Hub struct {
	logger   *slog.Logger
	recorder Recorder
	buffer   int

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
}

// New returns a hub whose subscribers queue up to buffer envelopes each.
// A nil recorder is allowed.
func New(buffer int, recorder Recorder, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		recorder: recorder,
		buffer:   buffer,
		subs:     make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber. After Close it returns a subscriber
// whose channel is already closed.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:   uuid.NewString(),
		send: make(chan []byte, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub
	h.recorder.SubscriberAdded()
	h.logger.Debug("subscriber added", "subscriber_id", sub.ID, "subscribers", len(h.subs))
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call repeatedly.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.subs[sub.ID]
	if ok {
		delete(h.subs, sub.ID)
		h.recorder.SubscriberRemoved()
	}
	remaining := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if ok {
		h.logger.Debug("subscriber removed", "subscriber_id", sub.ID, "subscribers", remaining)
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// PublishNewReading queues a new-reading envelope to every subscriber.
// Subscribers whose buffer is full are dropped; nobody blocks the publisher.
func (h *Hub) PublishNewReading(r types.Reading) {
	msg, err := encode(types.EnvelopeNewReading, r)
	if err != nil {
		h.logger.Error("encode envelope", "type", types.EnvelopeNewReading, "id", r.ID, "error", err)
		return
	}

	var slow []*Subscriber
	h.mu.RLock()
	for _, sub := range h.subs {
		select {
		case sub.send <- msg:
			h.recorder.MessageSent()
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber", "subscriber_id", sub.ID, "buffer", h.buffer)
		h.recorder.SubscriberDropped()
		h.Unsubscribe(sub)
	}
}

// SyncLatest queues a latest-reading envelope to sub alone. It returns false
// if sub is not registered or its buffer is full.
func (h *Hub) SyncLatest(sub *Subscriber, r types.Reading) bool {
	msg, err := encode(types.EnvelopeLatestReading, r)
	if err != nil {
		h.logger.Error("encode envelope", "type", types.EnvelopeLatestReading, "id", r.ID, "error", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subs[sub.ID]; !ok {
		return false
	}
	select {
	case sub.send <- msg:
		h.recorder.MessageSent()
		return true
	default:
		return false
	}
}

// Close removes every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		h.recorder.SubscriberRemoved()
		sub.close()
	}
}

func encode(kind string, r types.Reading) ([]byte, error) {
	return json.Marshal(types.Envelope{Type: kind, Data: r})
}
