package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crvs/internal/events/conditional"
	"crvs/internal/events/configuration"
	"crvs/internal/events/models"
	"crvs/internal/events/state"
	"crvs/internal/events/validation"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/platform/audit"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/requestcontext"
)

// ActionRequest is one client request for an action on an existing event.
type ActionRequest struct {
	EventID        id.EventID
	Type           models.ActionType
	TransactionID  id.TransactionID
	Declaration    models.Declaration
	Annotation     models.Declaration
	KeepAssignment bool
	// RequestID references the REQUEST_CORRECTION entry an approval or
	// rejection of a correction decides.
	RequestID *id.ActionID
	// AssignedTo, on UNASSIGN, is the user the caller expects to remove.
	AssignedTo *id.UserID
	Reason     string
}

// Request runs an action request through the pipeline and returns the
// updated event. Replaying a transaction returns the event as it was right
// after that transaction's last entry.
func (s *Service) Request(ctx context.Context, req ActionRequest) (*models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "events.request", trace.WithAttributes(
		attribute.String("event.id", req.EventID.String()),
		attribute.String("action.type", string(req.Type)),
	))
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ObserveActionLatency(string(req.Type), time.Since(start)) }()

	event, err := s.request(ctx, req)
	if err != nil {
		span.RecordError(err)
		s.metrics.IncrementAction(string(req.Type), outcome(err))
		return nil, err
	}
	return event, nil
}

func (s *Service) request(ctx context.Context, req ActionRequest) (*models.Event, error) {
	actor := requestcontext.Actor(ctx)
	if !actor.IsAuthenticated() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if req.TransactionID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "transactionId is required")
	}

	event, err := s.loadEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizer.Authorize(ctx, actor, req.Type, event.Type); err != nil {
		s.logAudit(ctx, string(audit.EventAccessDenied),
			"event_id", event.ID,
			"event_type", event.Type,
			"action", string(req.Type),
			"outcome", "denied",
			"user_id", actor.ID,
		)
		return nil, err
	}
	if !req.Type.Requestable() {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("%s cannot be requested", req.Type))
	}
	cfg, err := s.configs.Get(ctx, event.Type)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if n := event.LastEntryOfTransaction(actor.ID, req.TransactionID); n > 0 {
			s.logger.InfoContext(ctx, "replaying action request",
				"event_id", event.ID.String(),
				"action", string(req.Type),
				"transaction_id", req.TransactionID.String(),
				"request_id", requestcontext.RequestID(ctx),
			)
			s.metrics.IncrementAction(string(req.Type), "replay")
			return event.Prefix(n), nil
		}

		entries, err := s.plan(ctx, cfg, event, req, actor)
		if err != nil {
			return nil, err
		}
		primary := entries[0]

		next, err := s.store.Append(ctx, event.ID, event.Version(), entries...)
		if err == nil {
			s.logAudit(ctx, "action_"+strings.ToLower(string(primary.Status)),
				"event_id", event.ID.String(),
				"action_id", primary.ID.String(),
				"action", string(req.Type),
				"outcome", strings.ToLower(string(primary.Status)),
				"user_id", actor.ID.String(),
				"version", next.Version(),
			)
			if primary.Status == models.ActionStatusRequested {
				return s.resolveRequested(ctx, cfg, next, primary, req.KeepAssignment)
			}
			return s.afterCommit(ctx, cfg, next, req.Type, req.TransactionID), nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, translateStoreError(err, "failed to append action")
		}

		s.metrics.IncrementConflict(string(req.Type))
		s.logger.InfoContext(ctx, "append lost to a concurrent writer, retrying",
			"event_id", event.ID.String(),
			"action", string(req.Type),
			"attempt", attempt+1,
			"request_id", requestcontext.RequestID(ctx),
		)
		if event, err = s.loadEvent(ctx, event.ID); err != nil {
			return nil, err
		}
	}
	return nil, dErrors.New(dErrors.CodeConflict, "event was modified concurrently, retry the request")
}

// plan checks the request against the current log and builds the entries to
// append. The first entry is the requested action.
func (s *Service) plan(ctx context.Context, cfg *configuration.EventConfig, event *models.Event, req ActionRequest, actor requestcontext.ActorInfo) ([]models.Action, error) {
	if pending, ok := state.PendingRequest(event); ok && req.Type.RequiresAssignment() {
		return nil, dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("%s is waiting for confirmation", pending.Type))
	}

	idx := s.folder.Fold(event)
	if !state.IsActionAllowed(idx, req.Type) {
		return nil, dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("%s is not allowed on an event in status %s", req.Type, idx.Status))
	}
	if err := s.checkAssignment(idx, req, actor); err != nil {
		return nil, err
	}

	declaration, annotation, err := s.validate(ctx, cfg, event, idx, req, actor)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx).UTC()
	twoPhase := req.Type.RequiresAssignment() && cfg.IsTwoPhase(req.Type)
	status := models.ActionStatusAccepted
	if twoPhase {
		status = models.ActionStatusRequested
	}
	primary := models.Action{
		ID:            id.NewActionID(),
		EventID:       event.ID,
		Type:          req.Type,
		Status:        status,
		Declaration:   declaration,
		Annotation:    annotation,
		CreatedBy:     actor.ID,
		CreatedByRole: actor.Role,
		CreatedAt:     now,
		TransactionID: req.TransactionID,
		RequestID:     req.RequestID,
		Reason:        req.Reason,
	}
	if req.Type == models.ActionAssign {
		assignee := actor.ID
		primary.AssignedTo = &assignee
	}

	entries := []models.Action{primary}
	if !twoPhase && req.Type.RequiresAssignment() && !req.KeepAssignment {
		entries = append(entries, s.unassignEntry(ctx, event.ID, actor.ID, req.TransactionID, now))
	}
	return entries, nil
}

func (s *Service) checkAssignment(idx *models.EventIndex, req ActionRequest, actor requestcontext.ActorInfo) error {
	switch req.Type {
	case models.ActionAssign:
		if idx.AssignedTo != nil && *idx.AssignedTo != actor.ID {
			return dErrors.New(dErrors.CodeConflict, "event is assigned to another user")
		}
	case models.ActionUnassign:
		if idx.AssignedTo == nil {
			return dErrors.New(dErrors.CodeConflict, "event is not assigned")
		}
		if req.AssignedTo != nil && *req.AssignedTo != *idx.AssignedTo {
			return dErrors.New(dErrors.CodeConflict, "event is assigned to a different user")
		}
		if *idx.AssignedTo != actor.ID && !s.authorizer.CanUnassignOthers(actor, idx.Type) {
			return dErrors.New(dErrors.CodeForbidden, "cannot unassign another user")
		}
	default:
		if req.Type.RequiresAssignment() && !idx.IsAssignedTo(actor.ID) {
			return dErrors.New(dErrors.CodeConflict, "event is not assigned to the caller")
		}
	}
	return nil
}

// validate checks the payload of the request and returns the cleaned
// declaration and annotation. Every failure is collected into one field map.
func (s *Service) validate(
	ctx context.Context,
	cfg *configuration.EventConfig,
	event *models.Event,
	idx *models.EventIndex,
	req ActionRequest,
	actor requestcontext.ActorInfo,
) (models.Declaration, models.Declaration, error) {
	ctx, span := s.tracer.Start(ctx, "events.validate")
	defer span.End()

	vctx := validation.Context{
		Actor: conditional.Actor{ID: actor.ID.String(), Role: actor.Role, Scopes: actor.Scopes},
		Now:   requestcontext.Now(ctx),
		Mode:  validation.ModeFor(req.Type),
	}
	fields := dErrors.FieldErrors{}

	declaration := models.Declaration{}
	if req.Type.CarriesDeclaration() {
		result := validation.Declaration(cfg, idx.Declaration, req.Declaration, vctx)
		fields.Merge("", result.Errors)
		if result.Cleaned != nil {
			declaration = result.Cleaned
		}
	} else {
		for _, key := range req.Declaration.Keys() {
			fields.Add(key, dErrors.FailureUnknownField, fmt.Sprintf("%s does not accept declaration values", req.Type))
		}
	}

	var annotation models.Declaration
	annotationFields := cfg.AnnotationFields(req.Type)
	if len(annotationFields) > 0 || len(req.Annotation) > 0 {
		result := validation.Annotation(annotationFields, idx.Declaration.Merge(declaration), req.Annotation, vctx)
		fields.Merge("", result.Errors)
		if len(result.Cleaned) > 0 {
			annotation = result.Cleaned
		}
	}

	switch req.Type {
	case models.ActionReject:
		if strings.TrimSpace(req.Reason) == "" {
			fields.Add("reason", dErrors.FailureRequired, "a reason is required to reject")
		}
	case models.ActionApproveCorrection, models.ActionRejectCorrection:
		if req.RequestID == nil {
			fields.Add("requestId", dErrors.FailureRequired, "the correction request is required")
		} else if !isOpenCorrection(event, *req.RequestID) {
			fields.Add("requestId", dErrors.FailureInvalidValue, "no open correction request with this id")
		}
	}

	if len(fields) > 0 {
		s.logger.InfoContext(ctx, "action payload rejected",
			"event_id", event.ID.String(),
			"action", string(req.Type),
			"fields", fields.FieldIDs(),
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, nil, dErrors.NewValidation("action payload is invalid", fields)
	}
	return declaration, annotation, nil
}

// isOpenCorrection reports whether requestID is an accepted correction
// request not yet approved or rejected.
func isOpenCorrection(event *models.Event, requestID id.ActionID) bool {
	var open bool
	for _, a := range event.Actions {
		if !a.IsAccepted() {
			continue
		}
		switch a.Type {
		case models.ActionRequestCorrection:
			target := a.ID
			if a.OriginalActionID != nil {
				target = *a.OriginalActionID
			}
			if target == requestID {
				open = true
			}
		case models.ActionApproveCorrection, models.ActionRejectCorrection:
			if a.RequestID != nil && *a.RequestID == requestID {
				open = false
			}
		}
	}
	return open
}

// Assign assigns the event to the caller.
func (s *Service) Assign(ctx context.Context, eventID id.EventID, transactionID id.TransactionID) (*models.Event, error) {
	return s.Request(ctx, ActionRequest{EventID: eventID, Type: models.ActionAssign, TransactionID: transactionID})
}

// Unassign removes the event's assignment. assignedTo, when set, must name the
// current assignee.
func (s *Service) Unassign(ctx context.Context, eventID id.EventID, transactionID id.TransactionID, assignedTo *id.UserID) (*models.Event, error) {
	return s.Request(ctx, ActionRequest{EventID: eventID, Type: models.ActionUnassign, TransactionID: transactionID, AssignedTo: assignedTo})
}

// DeleteEvent deletes an event that has not been declared yet.
func (s *Service) DeleteEvent(ctx context.Context, eventID id.EventID, transactionID id.TransactionID) (*models.Event, error) {
	return s.Request(ctx, ActionRequest{EventID: eventID, Type: models.ActionDelete, TransactionID: transactionID})
}

func outcome(err error) string {
	if de, ok := dErrors.As(err); ok {
		return string(de.Code)
	}
	return string(dErrors.CodeInternal)
}
