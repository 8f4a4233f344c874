package configuration

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"crvs/internal/events/models"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/sentinel"
)

const (
	documentKey         = "document"
	defaultFetchTimeout = 10 * time.Second
)

// Provider serves decoded configurations. Raw documents are cached for ttl;
// concurrent misses share one fetch.
type Provider struct {
	source       Source
	cache        Cache
	ttl          time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
	group        singleflight.Group

	twoPhase []models.ActionType

	mu      sync.RWMutex
	lastRaw []byte
	lastDoc Document
}

// Option configures a Provider.
type Option func(*Provider)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option {
	return func(p *Provider) { p.cache = c }
}

// WithTTL sets how long a fetched document is served before refetching.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.ttl = ttl }
}

// WithFetchTimeout bounds a shared fetch. The fetch outlives the caller that
// started it, so waiting callers are not failed by its cancellation.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.fetchTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithTwoPhaseDefaults overrides which action types are two-phase when an
// event configuration does not set twoPhase itself. A nil list keeps the
// built-in default (REGISTER only).
func WithTwoPhaseDefaults(types []models.ActionType) Option {
	return func(p *Provider) { p.twoPhase = types }
}

// NewProvider builds a provider over a source.
func NewProvider(source Source, opts ...Option) *Provider {
	p := &Provider{
		source:       source,
		ttl:          time.Minute,
		fetchTimeout: defaultFetchTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.cache == nil {
		p.cache = NewMemoryCache()
	}
	return p
}

// Get returns the configuration of one event type. Unknown types are
// CodeNotFound; fetch failures are CodeUnavailable.
func (p *Provider) Get(ctx context.Context, eventType string) (*EventConfig, error) {
	doc, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	cfg, ok := doc.Find(eventType)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "event type not configured: "+eventType)
	}
	return cfg, nil
}

// All returns every configured event type.
func (p *Provider) All(ctx context.Context) (Document, error) {
	raw, err := p.raw(ctx)
	if err != nil {
		return nil, err
	}
	return p.decode(raw)
}

func (p *Provider) raw(ctx context.Context) ([]byte, error) {
	cached, ok, err := p.cache.Get(ctx, documentKey)
	if err != nil {
		p.logger.WarnContext(ctx, "event configuration cache read failed", "error", err)
	}
	if ok {
		return cached, nil
	}

	ch := p.group.DoChan(documentKey, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
		defer cancel()
		data, err := p.source.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := p.decode(data); err != nil {
			return nil, err
		}
		if err := p.cache.Set(ctx, documentKey, data, p.ttl); err != nil {
			p.logger.WarnContext(ctx, "event configuration cache write failed", "error", err)
		}
		return data, nil
	})

	var v any
	select {
	case <-ctx.Done():
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeUnavailable, "event configuration unavailable")
	case res := <-ch:
		v, err = res.Val, res.Err
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "event configuration fetch failed", "error", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sentinel.ErrUnavailable) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "event configuration unavailable")
		}
		var de *dErrors.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "event configuration unavailable")
	}
	return v.([]byte), nil
}

// decode reuses the last decoded document while the raw bytes are unchanged.
func (p *Provider) decode(raw []byte) (Document, error) {
	p.mu.RLock()
	if p.lastDoc != nil && bytes.Equal(p.lastRaw, raw) {
		doc := p.lastDoc
		p.mu.RUnlock()
		return doc, nil
	}
	p.mu.RUnlock()

	doc, err := Decode(raw)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "invalid event configuration")
	}
	if p.twoPhase != nil {
		for i := range doc {
			doc[i].SetTwoPhaseDefaults(p.twoPhase)
		}
	}
	p.mu.Lock()
	p.lastRaw, p.lastDoc = raw, doc
	p.mu.Unlock()
	return doc, nil
}
