package service

import (
	"context"
	"errors"
	"time"

	"crvs/internal/events/configuration"
	"crvs/internal/events/models"
	"crvs/internal/events/search"
	id "crvs/pkg/domain"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/requestcontext"
)

// Notification announces one committed request to downstream consumers.
type Notification struct {
	EventID       id.EventID         `json:"eventId"`
	EventType     string             `json:"eventType"`
	TrackingID    id.TrackingID      `json:"trackingId"`
	ActionType    models.ActionType  `json:"actionType"`
	Status        models.EventStatus `json:"status"`
	Flags         []models.Flag      `json:"flags"`
	TransactionID id.TransactionID   `json:"transactionId"`
	Version       int                `json:"version"`
	At            time.Time          `json:"at"`
}

// afterCommit runs the side effects of an accepted action. The returned event
// includes the DUPLICATE_DETECTED entry when the duplicate check appended one.
func (s *Service) afterCommit(ctx context.Context, cfg *configuration.EventConfig, event *models.Event, actionType models.ActionType, transactionID id.TransactionID) *models.Event {
	idx := s.project(ctx, event)
	if actionType.IsDeclareClass() && s.dedup != nil && cfg != nil {
		event = s.detectDuplicates(ctx, cfg, event, idx, transactionID)
	}
	s.notify(ctx, event, actionType, transactionID)
	return event
}

// project writes the folded index of event to the search index. Failures are
// logged; the reindex consumer repairs stale documents.
func (s *Service) project(ctx context.Context, event *models.Event) *models.EventIndex {
	idx := s.folder.Fold(event)
	if s.index == nil {
		return idx
	}
	name := s.indexName(event.Type)

	writeCtx, cancel := context.WithTimeout(ctx, s.indexTimeout)
	defer cancel()

	var err error
	if idx.Status == models.StatusDeleted {
		err = s.index.Delete(writeCtx, name, event.ID)
		if errors.Is(err, sentinel.ErrNotFound) {
			err = nil
		}
	} else {
		err = s.index.Index(writeCtx, name, search.Encode(idx))
	}
	if err != nil {
		s.metrics.IncrementSideEffectFailure("index")
		s.logger.ErrorContext(ctx, "failed to project event index",
			"event_id", event.ID.String(),
			"index", name,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return idx
}

// Reindex projects the current state of an event again. The reindex consumer
// calls it for every notification it reads.
func (s *Service) Reindex(ctx context.Context, eventID id.EventID) error {
	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return err
	}
	s.project(ctx, event)
	return nil
}

// detectDuplicates searches for earlier events recording the same fact and
// appends a DUPLICATE_DETECTED entry when the set of suspects changed.
func (s *Service) detectDuplicates(ctx context.Context, cfg *configuration.EventConfig, event *models.Event, idx *models.EventIndex, transactionID id.TransactionID) *models.Event {
	ctx, span := s.tracer.Start(ctx, "events.dedup")
	defer span.End()

	start := time.Now()
	duplicates, err := s.dedup.Check(ctx, cfg, idx)
	if err != nil {
		s.metrics.ObserveDedup("error", time.Since(start))
		s.metrics.IncrementSideEffectFailure("dedup")
		span.RecordError(err)
		s.logger.WarnContext(ctx, "duplicate check failed",
			"event_id", event.ID.String(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return event
	}
	result := "none"
	if len(duplicates) > 0 {
		result = "match"
	}
	s.metrics.ObserveDedup(result, time.Since(start))

	if sameDuplicates(idx.PotentialDuplicates, duplicates) {
		return event
	}
	entry := models.Action{
		ID:            id.NewActionID(),
		EventID:       event.ID,
		Type:          models.ActionDuplicateDetected,
		Status:        models.ActionStatusAccepted,
		Declaration:   models.Declaration{},
		CreatedBy:     requestcontext.Actor(ctx).ID,
		CreatedByRole: requestcontext.Actor(ctx).Role,
		CreatedAt:     requestcontext.Now(ctx).UTC(),
		TransactionID: transactionID,
		Duplicates:    duplicates,
	}
	next, err := s.store.Append(ctx, event.ID, event.Version(), entry)
	if err != nil {
		s.metrics.IncrementSideEffectFailure("dedup")
		s.logger.WarnContext(ctx, "failed to record duplicates",
			"event_id", event.ID.String(),
			"duplicates", len(duplicates),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return event
	}
	s.logAudit(ctx, "duplicates_detected",
		"event_id", event.ID.String(),
		"tracking_id", event.TrackingID.String(),
		"duplicates", len(duplicates),
	)
	s.project(ctx, next)
	return next
}

func sameDuplicates(a, b []models.DuplicateRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func (s *Service) notify(ctx context.Context, event *models.Event, actionType models.ActionType, transactionID id.TransactionID) {
	if len(s.notifiers) == 0 {
		return
	}
	idx := s.folder.Fold(event)
	n := Notification{
		EventID:       event.ID,
		EventType:     event.Type,
		TrackingID:    event.TrackingID,
		ActionType:    actionType,
		Status:        idx.Status,
		Flags:         idx.Flags,
		TransactionID: transactionID,
		Version:       event.Version(),
		At:            event.UpdatedAt,
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			s.metrics.IncrementSideEffectFailure("notify")
			s.logger.WarnContext(ctx, "failed to publish action notification",
				"event_id", event.ID.String(),
				"action", string(actionType),
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
	}
}
