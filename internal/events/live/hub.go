// Package live pushes committed event notifications to connected websocket
// clients. A subscriber watches one event type; slow subscribers lose
// notifications instead of holding up the request that produced them.
package live

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"crvs/internal/events/service"
	"crvs/pkg/requestcontext"
)

const defaultBuffer = 32

type subscriber struct {
	id        int64
	eventType string
	send      chan service.Notification
}

// Hub fans notifications out to subscribers. It implements service.Notifier.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int64]*subscriber
	nextID  int64
	closed  bool
	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

type Option func(*Hub)

// WithBuffer sets how many notifications may wait per subscriber.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{subs: make(map[int64]*subscriber), buffer: defaultBuffer}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Notify never blocks and never fails: a full subscriber buffer drops the
// notification for that subscriber only.
func (h *Hub) Notify(ctx context.Context, n service.Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.eventType != n.EventType {
			continue
		}
		select {
		case sub.send <- n:
		default:
			h.dropped.Add(1)
			if h.logger != nil {
				h.logger.WarnContext(ctx, "live subscriber lagging, notification dropped",
					"subscriber", sub.id,
					"event_id", n.EventID.String(),
					"request_id", requestcontext.RequestID(ctx),
				)
			}
		}
	}
	return nil
}

// subscribe registers a subscriber for eventType. It returns nil once the hub
// is closed.
func (h *Hub) subscribe(eventType string) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.nextID++
	sub := &subscriber{id: h.nextID, eventType: eventType, send: make(chan service.Notification, h.buffer)}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.send)
	}
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports notifications lost to lagging subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends every subscription; connections send a close frame and return.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.send)
	}
}
