package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/requestcontext"
)

// CreateRequest starts a new event.
type CreateRequest struct {
	Type          string
	TransactionID id.TransactionID
}

// CreateEvent creates an event of the requested type, assigned to its
// creator. Creating twice with the same transaction returns the first event.
func (s *Service) CreateEvent(ctx context.Context, req CreateRequest) (*models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "events.create", trace.WithAttributes(
		attribute.String("event.type", req.Type),
	))
	defer span.End()

	event, err := s.createEvent(ctx, req)
	if err != nil {
		span.RecordError(err)
		s.metrics.IncrementAction(string(models.ActionCreate), outcome(err))
		return nil, err
	}
	return event, nil
}

func (s *Service) createEvent(ctx context.Context, req CreateRequest) (*models.Event, error) {
	actor := requestcontext.Actor(ctx)
	if !actor.IsAuthenticated() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if req.Type == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "type is required")
	}
	if req.TransactionID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "transactionId is required")
	}
	if err := s.authorizer.Authorize(ctx, actor, models.ActionCreate, req.Type); err != nil {
		return nil, err
	}
	cfg, err := s.configs.Get(ctx, req.Type)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "unknown event type")
		}
		return nil, err
	}

	if existing, err := s.replayCreate(ctx, actor.ID, req); existing != nil || err != nil {
		return existing, err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		event := s.newEvent(ctx, req, actor)
		err := s.store.Create(ctx, event)
		switch {
		case err == nil:
			s.logAudit(ctx, "event_created",
				"event_id", event.ID.String(),
				"event_type", event.Type,
				"tracking_id", event.TrackingID.String(),
				"action", string(models.ActionCreate),
				"outcome", "accepted",
				"user_id", actor.ID.String(),
			)
			return s.afterCommit(ctx, cfg, event, models.ActionCreate, req.TransactionID), nil
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			// a concurrent retry of the same request won
			existing, err := s.replayCreate(ctx, actor.ID, req)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
		case errors.Is(err, sentinel.ErrConflict):
			s.logger.InfoContext(ctx, "tracking id collision, retrying",
				"tracking_id", event.TrackingID.String(),
				"request_id", requestcontext.RequestID(ctx),
			)
		default:
			return nil, translateStoreError(err, "failed to create event")
		}
	}
	return nil, dErrors.New(dErrors.CodeConflict, "could not allocate a tracking id, retry the request")
}

// replayCreate returns the event an earlier request with the same transaction
// created, or nil when there is none.
func (s *Service) replayCreate(ctx context.Context, actor id.UserID, req CreateRequest) (*models.Event, error) {
	existing, err := s.store.FindCreated(ctx, actor, req.TransactionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateStoreError(err, "failed to look up transaction")
	}
	if existing.Type != req.Type {
		return nil, dErrors.New(dErrors.CodeConflict, "transactionId was already used for another event type")
	}
	s.metrics.IncrementAction(string(models.ActionCreate), "replay")
	return existing.Prefix(existing.LastEntryOfTransaction(actor, req.TransactionID)), nil
}

func (s *Service) newEvent(ctx context.Context, req CreateRequest, actor requestcontext.ActorInfo) *models.Event {
	now := requestcontext.Now(ctx).UTC()
	eventID := id.NewEventID()
	assignee := actor.ID
	entry := func(t models.ActionType) models.Action {
		return models.Action{
			ID:            id.NewActionID(),
			EventID:       eventID,
			Type:          t,
			Status:        models.ActionStatusAccepted,
			Declaration:   models.Declaration{},
			CreatedBy:     actor.ID,
			CreatedByRole: actor.Role,
			CreatedAt:     now,
			TransactionID: req.TransactionID,
		}
	}
	assign := entry(models.ActionAssign)
	assign.AssignedTo = &assignee

	return &models.Event{
		ID:         eventID,
		Type:       req.Type,
		TrackingID: id.NewTrackingID(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Actions:    []models.Action{entry(models.ActionCreate), assign},
	}
}
