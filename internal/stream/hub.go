package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coinwatch/internal/events"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Subscription is one live stream client.
type Subscription struct {
	id      string
	ch      chan []byte
	dropped atomic.Uint64
	closed  bool
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// C yields encoded events. It is closed when the subscription is unregistered.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Dropped counts messages discarded because this subscriber's buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub fans encoded events out to every registered subscriber. A slow subscriber
// loses messages rather than delaying the others.
type Hub struct {
	buffer int
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	drops  atomic.Uint64
	closed bool
}

// NewHub constructs a Hub. buffer <= 0 selects DefaultBuffer.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		logger: logger.With().Str("component", "stream_hub").Logger(),
		subs:   make(map[string]*Subscription),
	}
}

// Register adds a subscriber. Registering on a closed hub yields an already-closed subscription.
func (h *Hub) Register() *Subscription {
	sub := &Subscription{id: uuid.NewString(), ch: make(chan []byte, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	h.logger.Debug().Str("subscriber", sub.id).Int("subscribers", len(h.subs)).Msg("subscriber registered")
	return sub
}

// Unregister removes sub and closes its channel. Repeated calls are no-ops.
func (h *Hub) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	delete(h.subs, sub.id)
	sub.closed = true
	close(sub.ch)
	h.logger.Debug().Str("subscriber", sub.id).Int("subscribers", len(h.subs)).Msg("subscriber removed")
}

// BroadcastRaw delivers payload to every subscriber without blocking.
func (h *Hub) BroadcastRaw(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- payload:
		default:
			sub.dropped.Add(1)
			h.drops.Add(1)
		}
	}
}

// Broadcast encodes ev and delivers it to every subscriber.
func (h *Hub) Broadcast(ev events.Event) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	h.BroadcastRaw(payload)
	return nil
}

// Publish lets the hub stand in for a broker in single-process deployments.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	return h.Broadcast(ev)
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total number of messages dropped across all subscribers.
func (h *Hub) Dropped() uint64 {
	return h.drops.Load()
}

// Close unregisters every subscriber. Later registrations are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.closed = true
		close(sub.ch)
	}
}

var _ events.Publisher = (*Hub)(nil)
