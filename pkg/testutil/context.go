package testutil

import (
	"context"
	"net/http"
	"time"

	id "crvs/pkg/domain"
	"crvs/pkg/requestcontext"
)

// ActorContext returns ctx carrying an authenticated actor, simulating what the
// auth middleware does for a verified bearer token.
func ActorContext(ctx context.Context, userID id.UserID, role string, scopes ...string) context.Context {
	return requestcontext.WithActor(ctx, requestcontext.ActorInfo{ID: userID, Role: role, Scopes: scopes})
}

// WithActor adds an authenticated actor to the request context.
// If the userID is not a valid UUID, the request is returned unchanged.
func WithActor(req *http.Request, userID, role string, scopes ...string) *http.Request {
	parsed, err := id.ParseUserID(userID)
	if err != nil {
		return req
	}
	return req.WithContext(ActorContext(req.Context(), parsed, role, scopes...))
}

// AtTime pins the request time read through requestcontext.Now.
func AtTime(ctx context.Context, t time.Time) context.Context {
	return requestcontext.WithTime(ctx, t)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
