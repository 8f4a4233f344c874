// Package admin serves operator endpoints: reading an event's audit trail and
// forcing a search reindex.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/audit"
	"crvs/pkg/platform/httputil"
	"crvs/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks AuditTrail Reindexer

// AuditTrail lists recorded audit events.
type AuditTrail interface {
	List(ctx context.Context, eventID id.EventID) ([]audit.Event, error)
}

// Reindexer reprojects one event into the search index.
type Reindexer interface {
	Reindex(ctx context.Context, eventID id.EventID) error
}

type Handler struct {
	trail     AuditTrail
	reindexer Reindexer
	logger    *slog.Logger
}

func New(trail AuditTrail, reindexer Reindexer, logger *slog.Logger) *Handler {
	return &Handler{trail: trail, reindexer: reindexer, logger: logger}
}

// Register mounts the admin routes. Access control is left to middleware.
func (h *Handler) Register(r chi.Router) {
	r.Route("/admin/events/{eventId}", func(r chi.Router) {
		r.Get("/audit", h.HandleAuditTrail)
		r.Post("/reindex", h.HandleReindex)
	})
}

type auditEntryResponse struct {
	Category   string    `json:"category"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	ActionType string    `json:"actionType,omitempty"`
	ActorID    string    `json:"actorId,omitempty"`
	Decision   string    `json:"decision,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	ClientIP   string    `json:"clientIp,omitempty"`
}

type auditTrailResponse struct {
	EventID string               `json:"eventId"`
	Entries []auditEntryResponse `json:"entries"`
	Total   int                  `json:"total"`
}

// HandleAuditTrail handles GET /admin/events/{eventId}/audit.
func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID, err := id.ParseEventID(chi.URLParam(r, "eventId"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid event id"))
		return
	}
	events, err := h.trail.List(ctx, eventID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list audit trail",
			"event_id", eventID.String(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit trail"))
		return
	}

	resp := auditTrailResponse{EventID: eventID.String(), Entries: make([]auditEntryResponse, 0, len(events))}
	for _, e := range events {
		entry := auditEntryResponse{
			Category:   string(e.Category),
			Timestamp:  e.Timestamp,
			Action:     e.Action,
			ActionType: e.ActionType,
			Decision:   e.Decision,
			Reason:     e.Reason,
			RequestID:  e.RequestID,
			ClientIP:   e.ClientIP,
		}
		if !e.ActorID.IsNil() {
			entry.ActorID = e.ActorID.String()
		}
		resp.Entries = append(resp.Entries, entry)
	}
	resp.Total = len(resp.Entries)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleReindex handles POST /admin/events/{eventId}/reindex.
func (h *Handler) HandleReindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID, err := id.ParseEventID(chi.URLParam(r, "eventId"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid event id"))
		return
	}
	if err := h.reindexer.Reindex(ctx, eventID); err != nil {
		h.logger.WarnContext(ctx, "admin reindex failed",
			"event_id", eventID.String(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "event reindexed",
		"event_id", eventID.String(),
		"log_type", "audit",
		"request_id", requestcontext.RequestID(ctx),
	)
	w.WriteHeader(http.StatusNoContent)
}
