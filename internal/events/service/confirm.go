package service

import (
	"context"
	"errors"
	"time"

	"crvs/internal/events/configuration"
	"crvs/internal/events/models"
	"crvs/internal/events/state"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/requestcontext"
)

// Outcome is the answer of a Confirmer.
type Outcome string

const (
	// OutcomeAccepted confirms the action in the same request.
	OutcomeAccepted Outcome = "accepted"
	// OutcomePending leaves the Requested entry for a later confirm or reject.
	OutcomePending Outcome = "pending"
	// OutcomeRejected declines the action.
	OutcomeRejected Outcome = "rejected"
)

// ConfirmRequest describes the Requested entry awaiting confirmation.
type ConfirmRequest struct {
	EventType string
	Event     *models.Event
	Action    models.Action
}

// Confirmation is a Confirmer's decision.
type Confirmation struct {
	Outcome Outcome
	Reason  string
}

// Confirmer decides two-phase actions, usually by asking the country
// configuration service.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error)
}

// AcceptingConfirmer accepts every action synchronously.
type AcceptingConfirmer struct{}

func (AcceptingConfirmer) Confirm(context.Context, ConfirmRequest) (Confirmation, error) {
	return Confirmation{Outcome: OutcomeAccepted}, nil
}

// resolveRequested asks the confirmer about a freshly appended Requested
// entry and appends its resolution. A confirmer failure leaves the entry
// pending; it can still be resolved through ConfirmAction or RejectAction.
func (s *Service) resolveRequested(ctx context.Context, cfg *configuration.EventConfig, event *models.Event, requested models.Action, keepAssignment bool) (*models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "events.confirm")
	defer span.End()

	decision, err := s.confirmer.Confirm(ctx, ConfirmRequest{EventType: event.Type, Event: event, Action: requested})
	if err != nil {
		s.logger.WarnContext(ctx, "two-phase confirmation failed, action left pending",
			"event_id", event.ID.String(),
			"action_id", requested.ID.String(),
			"action", string(requested.Type),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		span.RecordError(err)
		return s.unassignAfter(ctx, event, requested, keepAssignment)
	}

	var status models.ActionStatus
	switch decision.Outcome {
	case OutcomeAccepted:
		status = models.ActionStatusAccepted
	case OutcomeRejected:
		status = models.ActionStatusRejected
	default:
		return s.unassignAfter(ctx, event, requested, keepAssignment)
	}
	return s.appendResolution(ctx, cfg, event, requested, status, decision.Reason, requested.CreatedBy, requested.TransactionID, keepAssignment)
}

// appendResolution appends the Accepted or Rejected entry of a pending
// request. Requests other than reads are blocked while an entry is pending,
// so a lost race only needs a re-read.
func (s *Service) appendResolution(
	ctx context.Context,
	cfg *configuration.EventConfig,
	event *models.Event,
	requested models.Action,
	status models.ActionStatus,
	reason string,
	actor id.UserID,
	transactionID id.TransactionID,
	keepAssignment bool,
) (*models.Event, error) {
	original := requested.ID
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		pending, ok := state.PendingRequest(event)
		if !ok || pending.ID != original {
			return nil, dErrors.New(dErrors.CodeInvalidState, "action is not pending confirmation")
		}
		resolution := models.Action{
			ID:               id.NewActionID(),
			EventID:          event.ID,
			Type:             requested.Type,
			Status:           status,
			Declaration:      models.Declaration{},
			CreatedBy:        actor,
			CreatedByRole:    requestcontext.Actor(ctx).Role,
			CreatedAt:        requestcontext.Now(ctx).UTC(),
			TransactionID:    transactionID,
			OriginalActionID: &original,
			Reason:           reason,
		}
		entries := []models.Action{resolution}
		idx := s.folder.Fold(event)
		if !keepAssignment && idx.IsAssignedTo(requested.CreatedBy) {
			entries = append(entries, s.unassignEntry(ctx, event.ID, actor, transactionID, resolution.CreatedAt))
		}

		next, err := s.store.Append(ctx, event.ID, event.Version(), entries...)
		if err == nil {
			s.logAudit(ctx, "action_"+string(status),
				"event_id", event.ID.String(),
				"action", string(requested.Type),
				"outcome", string(status),
				"user_id", actor.String(),
			)
			if status == models.ActionStatusAccepted {
				next = s.afterCommit(ctx, cfg, next, requested.Type, transactionID)
			} else {
				s.project(ctx, next)
			}
			return next, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, translateStoreError(err, "failed to append resolution")
		}
		s.metrics.IncrementConflict(string(requested.Type))
		if event, err = s.loadEvent(ctx, event.ID); err != nil {
			return nil, err
		}
	}
	return nil, dErrors.New(dErrors.CodeConflict, "event was modified concurrently, retry the request")
}

// unassignAfter releases the requester's assignment once a request is left
// pending.
func (s *Service) unassignAfter(ctx context.Context, event *models.Event, requested models.Action, keepAssignment bool) (*models.Event, error) {
	idx := s.folder.Fold(event)
	if keepAssignment || !idx.IsAssignedTo(requested.CreatedBy) {
		s.project(ctx, event)
		return event, nil
	}
	next, err := s.store.Append(ctx, event.ID, event.Version(),
		s.unassignEntry(ctx, event.ID, requested.CreatedBy, requested.TransactionID, requested.CreatedAt))
	if err != nil {
		// the pending entry is committed; a stale assignment is repaired by the next UNASSIGN
		s.logger.WarnContext(ctx, "failed to release assignment",
			"event_id", event.ID.String(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		s.project(ctx, event)
		return event, nil
	}
	s.project(ctx, next)
	return next, nil
}

func (s *Service) unassignEntry(ctx context.Context, eventID id.EventID, actor id.UserID, transactionID id.TransactionID, at time.Time) models.Action {
	return models.Action{
		ID:            id.NewActionID(),
		EventID:       eventID,
		Type:          models.ActionUnassign,
		Status:        models.ActionStatusAccepted,
		Declaration:   models.Declaration{},
		CreatedBy:     actor,
		CreatedByRole: requestcontext.Actor(ctx).Role,
		CreatedAt:     at,
		TransactionID: transactionID,
	}
}

// ConfirmAction accepts a pending two-phase action.
func (s *Service) ConfirmAction(ctx context.Context, eventID id.EventID, actionID id.ActionID, transactionID id.TransactionID) (*models.Event, error) {
	return s.resolve(ctx, eventID, actionID, transactionID, models.ActionStatusAccepted, "")
}

// RejectAction declines a pending two-phase action.
func (s *Service) RejectAction(ctx context.Context, eventID id.EventID, actionID id.ActionID, transactionID id.TransactionID, reason string) (*models.Event, error) {
	return s.resolve(ctx, eventID, actionID, transactionID, models.ActionStatusRejected, reason)
}

func (s *Service) resolve(ctx context.Context, eventID id.EventID, actionID id.ActionID, transactionID id.TransactionID, status models.ActionStatus, reason string) (*models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "events.resolve")
	defer span.End()

	if transactionID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "transactionId is required")
	}
	actor := requestcontext.Actor(ctx)
	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	requested, ok := event.FindAction(actionID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "action not found")
	}
	if err := s.authorizer.Authorize(ctx, actor, requested.Type, event.Type); err != nil {
		return nil, err
	}
	if n := event.LastEntryOfTransaction(actor.ID, transactionID); n > 0 {
		s.metrics.IncrementAction(string(requested.Type), "replay")
		return event.Prefix(n), nil
	}
	cfg, err := s.configs.Get(ctx, event.Type)
	if err != nil {
		return nil, err
	}
	return s.appendResolution(ctx, cfg, event, requested, status, reason, actor.ID, transactionID, true)
}
