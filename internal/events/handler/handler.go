// Package handler exposes the event service over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"crvs/internal/events/models"
	"crvs/internal/events/service"
	"crvs/internal/events/state"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/httputil"
	"crvs/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// Service is the subset of the event service the handler calls.
type Service interface {
	CreateEvent(ctx context.Context, req service.CreateRequest) (*models.Event, error)
	GetEvent(ctx context.Context, eventID id.EventID) (*models.Event, error)
	GetEventIndex(ctx context.Context, eventID id.EventID) (*models.EventIndex, error)
	ListEvents(ctx context.Context, req service.ListRequest) ([]*models.EventIndex, error)
	Request(ctx context.Context, req service.ActionRequest) (*models.Event, error)
	Assign(ctx context.Context, eventID id.EventID, transactionID id.TransactionID) (*models.Event, error)
	Unassign(ctx context.Context, eventID id.EventID, transactionID id.TransactionID, assignedTo *id.UserID) (*models.Event, error)
	DeleteEvent(ctx context.Context, eventID id.EventID, transactionID id.TransactionID) (*models.Event, error)
	ConfirmAction(ctx context.Context, eventID id.EventID, actionID id.ActionID, transactionID id.TransactionID) (*models.Event, error)
	RejectAction(ctx context.Context, eventID id.EventID, actionID id.ActionID, transactionID id.TransactionID, reason string) (*models.Event, error)
}

// Handler serves the event routes.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts the event routes on r. Authentication is expected to be
// enforced by middleware on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Route("/{eventId}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleDelete)
			r.Get("/index", h.HandleGetIndex)
			r.Post("/assignment/assign", h.HandleAssign)
			r.Post("/assignment/unassign", h.HandleUnassign)
			r.Post("/actions/{actionId}/confirm", h.HandleConfirm)
			r.Post("/actions/{actionId}/reject", h.HandleReject)
			r.Post("/actions/{actionType}", h.HandleAction)
		})
	})
}

// HandleCreate handles POST /events.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CreateEventRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	event, err := h.service.CreateEvent(ctx, service.CreateRequest{
		Type:          req.Type,
		TransactionID: req.parsedTransactionID,
	})
	if err != nil {
		h.fail(ctx, w, "create event failed", err, "event_type", req.Type)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, event)
}

// HandleList handles GET /events?type=&status=&limit=.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	req := service.ListRequest{
		Type:   strings.TrimSpace(q.Get("type")),
		Status: models.EventStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		req.Limit = limit
	}

	events, err := h.service.ListEvents(ctx, req)
	if err != nil {
		h.fail(ctx, w, "list events failed", err, "event_type", req.Type)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Events: events})
}

// HandleGet handles GET /events/{eventId}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	event, err := h.service.GetEvent(ctx, eventID)
	if err != nil {
		h.fail(ctx, w, "get event failed", err, "event_id", eventID.String())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, event)
}

// HandleGetIndex handles GET /events/{eventId}/index.
func (h *Handler) HandleGetIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	idx, err := h.service.GetEventIndex(ctx, eventID)
	if err != nil {
		h.fail(ctx, w, "get event index failed", err, "event_id", eventID.String())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, idx)
}

// HandleDelete handles DELETE /events/{eventId}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.withAction(w, r, func(ctx context.Context, eventID id.EventID, req *ActionRequest) (*models.Event, error) {
		return h.service.DeleteEvent(ctx, eventID, req.parsedTransactionID)
	})
}

// HandleAssign handles POST /events/{eventId}/assignment/assign.
func (h *Handler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	h.withAction(w, r, func(ctx context.Context, eventID id.EventID, req *ActionRequest) (*models.Event, error) {
		return h.service.Assign(ctx, eventID, req.parsedTransactionID)
	})
}

// HandleUnassign handles POST /events/{eventId}/assignment/unassign.
func (h *Handler) HandleUnassign(w http.ResponseWriter, r *http.Request) {
	h.withAction(w, r, func(ctx context.Context, eventID id.EventID, req *ActionRequest) (*models.Event, error) {
		return h.service.Unassign(ctx, eventID, req.parsedTransactionID, req.parsedAssignedTo)
	})
}

// HandleAction handles POST /events/{eventId}/actions/{actionType}. The reply
// is 202 when the request left its action awaiting confirmation.
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	actionType, ok := models.ParseActionType(chi.URLParam(r, "actionType"))
	if !ok || !actionType.Requestable() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "unknown action type"))
		return
	}
	h.withAction(w, r, func(ctx context.Context, eventID id.EventID, req *ActionRequest) (*models.Event, error) {
		return h.service.Request(ctx, service.ActionRequest{
			EventID:        eventID,
			Type:           actionType,
			TransactionID:  req.parsedTransactionID,
			Declaration:    req.Declaration,
			Annotation:     req.Annotation,
			KeepAssignment: req.KeepAssignment,
			RequestID:      req.parsedRequestID,
			AssignedTo:     req.parsedAssignedTo,
			Reason:         req.Reason,
		})
	})
}

// HandleConfirm handles POST /events/{eventId}/actions/{actionId}/confirm.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	h.withResolve(w, r, func(ctx context.Context, eventID id.EventID, actionID id.ActionID, req *ResolveRequest) (*models.Event, error) {
		return h.service.ConfirmAction(ctx, eventID, actionID, req.parsedTransactionID)
	})
}

// HandleReject handles POST /events/{eventId}/actions/{actionId}/reject.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.withResolve(w, r, func(ctx context.Context, eventID id.EventID, actionID id.ActionID, req *ResolveRequest) (*models.Event, error) {
		return h.service.RejectAction(ctx, eventID, actionID, req.parsedTransactionID, req.Reason)
	})
}

func (h *Handler) withAction(w http.ResponseWriter, r *http.Request, call func(context.Context, id.EventID, *ActionRequest) (*models.Event, error)) {
	ctx := r.Context()
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ActionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	event, err := call(ctx, eventID, req)
	if err != nil {
		h.fail(ctx, w, "action request failed", err,
			"event_id", eventID.String(),
			"path", r.URL.Path,
		)
		return
	}
	httputil.WriteJSON(w, actionStatus(ctx, event, req.parsedTransactionID), event)
}

func (h *Handler) withResolve(w http.ResponseWriter, r *http.Request, call func(context.Context, id.EventID, id.ActionID, *ResolveRequest) (*models.Event, error)) {
	ctx := r.Context()
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	actionID, err := id.ParseActionID(chi.URLParam(r, "actionId"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[ResolveRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	event, err := call(ctx, eventID, actionID, req)
	if err != nil {
		h.fail(ctx, w, "resolve action failed", err,
			"event_id", eventID.String(),
			"action_id", actionID.String(),
		)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, event)
}

// actionStatus is 202 when the caller's own entry under this transaction is
// still awaiting confirmation.
func actionStatus(ctx context.Context, event *models.Event, tx id.TransactionID) int {
	pending, ok := state.PendingRequest(event)
	if ok && pending.TransactionID == tx && pending.CreatedBy == requestcontext.Actor(ctx).ID {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// fail logs at a level matching the error class and writes the reply.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error, attrs ...any) {
	attrs = append(attrs, "error", err, "request_id", requestcontext.RequestID(ctx))
	de, ok := dErrors.As(err)
	if ok && dErrors.ToHTTPStatus(de.Code) < http.StatusInternalServerError {
		h.logger.InfoContext(ctx, msg, attrs...)
	} else {
		h.logger.ErrorContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (id.EventID, bool) {
	eventID, err := id.ParseEventID(chi.URLParam(r, "eventId"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.EventID{}, false
	}
	return eventID, true
}
