// Package service is the entry point of the event action pipeline.
//
// Every request runs as one stateless unit of work: authorize, check the
// idempotency key, check assignment and lifecycle state, validate against the
// merged declaration, then append to the log conditioned on the version that
// was read. A lost append re-reads the log and redoes the merge and
// validation, up to a bounded number of attempts. Side effects after the
// commit (index projection, duplicate search, notifications) are best effort
// and never fail the request.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"crvs/internal/events/authz"
	"crvs/internal/events/configuration"
	"crvs/internal/events/metrics"
	"crvs/internal/events/models"
	"crvs/internal/events/search"
	"crvs/internal/events/state"
	"crvs/pkg/attrs"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/audit"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/requestcontext"
)

// Store is the append-only action log.
type Store interface {
	Create(ctx context.Context, event *models.Event) error
	Get(ctx context.Context, eventID id.EventID) (*models.Event, error)
	FindCreated(ctx context.Context, actor id.UserID, transactionID id.TransactionID) (*models.Event, error)
	Append(ctx context.Context, eventID id.EventID, expectedVersion int, actions ...models.Action) (*models.Event, error)
	ListIDs(ctx context.Context, eventType string) ([]id.EventID, error)
}

// ConfigProvider resolves the configuration of an event type.
type ConfigProvider interface {
	Get(ctx context.Context, eventType string) (*configuration.EventConfig, error)
}

// Index is the search index the service projects EventIndex values into.
type Index interface {
	Index(ctx context.Context, name string, doc search.Document) error
	Delete(ctx context.Context, name string, eventID id.EventID) error
	Search(ctx context.Context, name string, q search.Query, limit int) ([]search.Document, error)
}

// DuplicateChecker searches for events that may record the same fact.
type DuplicateChecker interface {
	Check(ctx context.Context, cfg *configuration.EventConfig, idx *models.EventIndex) ([]models.DuplicateRef, error)
}

// AuditPublisher records the audit trail of an event.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Notifier announces committed actions to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

const (
	defaultMaxAttempts  = 3
	defaultListLimit    = 100
	createAttempts      = 3
	defaultIndexTimeout = 2 * time.Second
)

// Service orchestrates action requests against events.
type Service struct {
	store        Store
	configs      ConfigProvider
	authorizer   *authz.Authorizer
	index        Index
	dedup        DuplicateChecker
	confirmer    Confirmer
	notifiers    []Notifier
	auditor      AuditPublisher
	folder       *state.Folder
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	indexPrefix  string
	indexTimeout time.Duration
	maxAttempts  int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithIndex enables index projection and listing.
func WithIndex(index Index, prefix string) Option {
	return func(s *Service) {
		s.index = index
		s.indexPrefix = prefix
	}
}

// WithDuplicateChecker enables duplicate search after declare-class actions.
func WithDuplicateChecker(c DuplicateChecker) Option {
	return func(s *Service) {
		s.dedup = c
	}
}

// WithConfirmer sets the collaborator confirming two-phase actions. The
// default accepts every request synchronously.
func WithConfirmer(c Confirmer) Option {
	return func(s *Service) {
		if c != nil {
			s.confirmer = c
		}
	}
}

// WithNotifier adds a notification sink. Every sink sees every notification.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = p
	}
}

func WithFolder(f *state.Folder) Option {
	return func(s *Service) {
		if f != nil {
			s.folder = f
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMaxAttempts bounds how often a request is redone after losing an
// append race.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithIndexTimeout bounds each write the service makes to the search index.
func WithIndexTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.indexTimeout = d
		}
	}
}

// New constructs a Service.
func New(store Store, configs ConfigProvider, authorizer *authz.Authorizer, opts ...Option) *Service {
	s := &Service{
		store:        store,
		configs:      configs,
		authorizer:   authorizer,
		confirmer:    AcceptingConfirmer{},
		folder:       state.NewFolder(0),
		logger:       slog.Default(),
		tracer:       otel.Tracer("crvs/internal/events/service"),
		maxAttempts:  defaultMaxAttempts,
		indexTimeout: defaultIndexTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) loadEvent(ctx context.Context, eventID id.EventID) (*models.Event, error) {
	event, err := s.store.Get(ctx, eventID)
	if err != nil {
		return nil, translateStoreError(err, "failed to load event")
	}
	return event, nil
}

func translateStoreError(err error, message string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "event not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "event was modified concurrently")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, message)
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, message)
}

func (s *Service) indexName(eventType string) string {
	return search.IndexName(s.indexPrefix, eventType)
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		attributes = append(attributes, "client_ip", ip)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, event, args...)
	}
	if action := attrs.ExtractString(attributes, "action"); action != "" && event != string(audit.EventAccessDenied) {
		s.metrics.IncrementAction(action, attrs.ExtractString(attributes, "outcome"))
	}
	s.emitAudit(ctx, event, attributes)
}

func (s *Service) emitAudit(ctx context.Context, event string, attributes []any) {
	if s.auditor == nil {
		return
	}
	entry := audit.Event{
		Action:     event,
		EventType:  attrs.ExtractString(attributes, "event_type"),
		ActionType: attrs.ExtractString(attributes, "action"),
		Decision:   attrs.ExtractString(attributes, "outcome"),
		Reason:     attrs.ExtractString(attributes, "reason"),
		RequestID:  requestcontext.RequestID(ctx),
		ClientIP:   requestcontext.ClientIP(ctx),
	}
	if eventID, err := id.ParseEventID(attrs.ExtractString(attributes, "event_id")); err == nil {
		entry.EventID = eventID
	}
	if actor, err := id.ParseUserID(attrs.ExtractString(attributes, "user_id")); err == nil {
		entry.ActorID = actor
	}
	if err := s.auditor.Emit(ctx, entry); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit emit failed",
			"event", event,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}
