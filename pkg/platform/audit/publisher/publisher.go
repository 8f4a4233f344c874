// Package publisher emits audit events to an audit.Store, either inline or
// through a bounded background buffer.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	id "crvs/pkg/domain"
	audit "crvs/pkg/platform/audit"
)

const batchSize = 64

type Publisher struct {
	store  audit.Store
	logger *slog.Logger
	now    func() time.Time

	buffer *ringBuffer
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer makes Emit non-blocking. Events are queued in a buffer of
// the given size and written by a background worker; when the buffer is full
// the oldest pending event is dropped.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.buffer = newRingBuffer(size)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.buffer != nil {
		p.wake = make(chan struct{}, 1)
		p.done = make(chan struct{})
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Emit records event. A zero timestamp is set to now and a missing category
// is derived from the action.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if p.buffer == nil {
		return p.store.Append(ctx, event)
	}
	p.buffer.enqueue(event)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// List returns the trail of one event.
func (p *Publisher) List(ctx context.Context, eventID id.EventID) ([]audit.Event, error) {
	return p.store.ListByEvent(ctx, eventID)
}

// Dropped reports how many buffered events were discarded.
func (p *Publisher) Dropped() int64 {
	if p.buffer == nil {
		return 0
	}
	return p.buffer.droppedCount()
}

// Close stops the worker after writing every pending event.
func (p *Publisher) Close() {
	if p.buffer == nil {
		return
	}
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.wake:
			p.drain()
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	ctx := context.Background()
	for {
		batch := p.buffer.dequeueBatch(batchSize)
		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			if err := p.store.Append(ctx, event); err != nil {
				p.logger.ErrorContext(ctx, "audit event dropped",
					"action", event.Action,
					"event_id", event.EventID.String(),
					"request_id", event.RequestID,
					"error", err,
				)
			}
		}
	}
}
