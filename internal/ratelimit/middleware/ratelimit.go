// Package middleware limits how many requests one caller may send in a
// sliding window.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"crvs/internal/ratelimit/models"
	"crvs/pkg/platform/httputil"
	"crvs/pkg/requestcontext"
)

//go:generate mockgen -source=ratelimit.go -destination=mocks/mocks.go -package=mocks BucketStore

// BucketStore counts requests per key.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
}

type Middleware struct {
	store    BucketStore
	logger   *slog.Logger
	limit    int
	window   time.Duration
	rejected prometheus.Counter
}

type Option func(*Middleware)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRegisterer registers the rejection counter.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Middleware) {
		m.rejected = promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "crvs_ratelimit_rejected_total",
			Help: "Requests rejected by the per-caller rate limit",
		})
	}
}

// New limits each caller to limit requests per window.
func New(store BucketStore, limit int, window time.Duration, opts ...Option) *Middleware {
	m := &Middleware{store: store, logger: slog.Default(), limit: limit, window: window}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// RateLimit keys authenticated callers by user id and the rest by client IP.
// Safe methods pass through. A store failure lets the request through.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := callerKey(ctx)

		result, err := m.store.Allow(ctx, key, m.limit, m.window)
		if err != nil {
			m.logger.WarnContext(ctx, "rate limit check failed",
				"key", key,
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			if m.rejected != nil {
				m.rejected.Inc()
			}
			m.logger.InfoContext(ctx, "rate limit exceeded",
				"key", key,
				"request_id", requestcontext.RequestID(ctx),
			)
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
			httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
				Error:      "rate_limit_exceeded",
				Message:    "Too many requests. Please try again later.",
				RetryAfter: result.RetryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(ctx context.Context) string {
	if actor := requestcontext.Actor(ctx); actor.IsAuthenticated() {
		return "user:" + actor.ID.String()
	}
	return "ip:" + requestcontext.ClientIP(ctx)
}
