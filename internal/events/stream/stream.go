// Package stream connects the event service to Kafka: committed actions are
// published as notifications, and the reindex handler consumes them to
// repair the search index.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crvs/internal/events/service"
	"crvs/internal/platform/kafka/consumer"
	"crvs/internal/platform/kafka/producer"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/requestcontext"
)

//go:generate mockgen -source=stream.go -destination=mocks/mocks.go -package=mocks Publisher Reindexer

const (
	headerRequestID = "request_id"
	headerAction    = "action_type"
)

// Publisher writes one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg producer.Message) error
}

// Notifier publishes service notifications keyed by event id, so every
// notification of one event lands on the same partition in order.
type Notifier struct {
	publisher Publisher
	topic     string
}

func NewNotifier(publisher Publisher, topic string) *Notifier {
	return &Notifier{publisher: publisher, topic: topic}
}

func (n *Notifier) Notify(ctx context.Context, note service.Notification) error {
	value, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	headers := map[string]string{headerAction: string(note.ActionType)}
	if rid := requestcontext.RequestID(ctx); rid != "" {
		headers[headerRequestID] = rid
	}
	return n.publisher.Publish(ctx, producer.Message{
		Topic:   n.topic,
		Key:     []byte(note.EventID.String()),
		Value:   value,
		Headers: headers,
	})
}

// Reindexer projects the current state of an event into the search index.
type Reindexer interface {
	Reindex(ctx context.Context, eventID id.EventID) error
}

// ReindexHandler consumes notifications and reprojects the event they name.
type ReindexHandler struct {
	reindexer Reindexer
	logger    *slog.Logger
	attempts  int
	backoff   time.Duration
}

type ReindexOption func(*ReindexHandler)

// WithRetry sets how often a failing reindex is tried before the message is
// dropped, and the pause between tries.
func WithRetry(attempts int, backoff time.Duration) ReindexOption {
	return func(h *ReindexHandler) {
		if attempts > 0 {
			h.attempts = attempts
		}
		if backoff >= 0 {
			h.backoff = backoff
		}
	}
}

func NewReindexHandler(reindexer Reindexer, logger *slog.Logger, opts ...ReindexOption) *ReindexHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &ReindexHandler{reindexer: reindexer, logger: logger, attempts: 3, backoff: 200 * time.Millisecond}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Handle reprojects the event named by msg. Malformed messages and deleted
// events are skipped.
func (h *ReindexHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	if rid := msg.Headers[headerRequestID]; rid != "" {
		ctx = requestcontext.WithRequestID(ctx, rid)
	}
	var note service.Notification
	if err := json.Unmarshal(msg.Value, &note); err != nil || note.EventID.IsNil() {
		h.logger.WarnContext(ctx, "skipping malformed notification",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	var err error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		err = h.reindexer.Reindex(ctx, note.EventID)
		if err == nil {
			return nil
		}
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logger.InfoContext(ctx, "notification names an unknown event",
				"event_id", note.EventID.String(),
				"request_id", requestcontext.RequestID(ctx),
			)
			return nil
		}
		if attempt < h.attempts {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(h.backoff):
			}
		}
	}
	return fmt.Errorf("reindex event %s: %w", note.EventID, err)
}
