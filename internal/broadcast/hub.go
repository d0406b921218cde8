// Package broadcast fans H.264 units out to many subscribers with
// bounded per-subscriber queues and non-blocking, drop-on-overflow
// delivery, prefilling late joiners from a GOP snapshot.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog"

	"screencore/internal/h264"
)

// Subscriber is one consumer's bounded delivery queue plus bookkeeping
// the hub needs to manage it.
type Subscriber struct {
	ID      string
	units   chan h264.Unit
	dropped uint64

	mu sync.Mutex
}

// Units returns the channel new units arrive on; the subscriber's
// consumer goroutine should range over it until it's closed.
func (s *Subscriber) Units() <-chan h264.Unit { return s.units }

// Dropped returns how many units this subscriber has missed due to a
// full queue.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Hub fans out units published for one stream to every current
// subscriber. It holds no opinion about where units come from or when
// the underlying capture worker starts/stops.
type Hub struct {
	queueDepth int
	log        zerolog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// New returns an empty Hub. queueDepth bounds each subscriber's buffered
// channel.
func New(queueDepth int, log zerolog.Logger) *Hub {
	return &Hub{queueDepth: queueDepth, log: log, subs: make(map[string]*Subscriber)}
}

// Subscribe registers a new subscriber and, if prefill is non-empty,
// enqueues it atomically under the same lock used to register the
// subscriber — so a unit published concurrently with this call can never
// land between the prefill and the subscriber becoming visible to
// Publish, which would otherwise produce a duplicate or a gap.
func (h *Hub) Subscribe(id string, prefill []h264.Unit) *Subscriber {
	sub := &Subscriber{ID: id, units: make(chan h264.Unit, h.queueDepth)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range prefill {
		select {
		case sub.units <- u:
		default:
			sub.dropped++
		}
	}
	h.subs[id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.units)
	}
}

// Publish delivers a unit to every current subscriber without blocking:
// a subscriber whose queue is full drops the unit rather than stalling
// the whole stream.
func (h *Hub) Publish(u h264.Unit) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.units <- u:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
			h.log.Debug().Str("subscriber", sub.ID).Msg("dropped unit: subscriber queue full")
		}
	}
}

// SubscriberCount reports how many subscribers are currently attached.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll unsubscribes and closes every current subscriber's channel,
// used when the owning capture worker is torn down.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		close(sub.units)
	}
}
