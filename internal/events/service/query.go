package service

import (
	"context"

	"crvs/internal/events/models"
	"crvs/internal/events/search"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/requestcontext"
)

// ListRequest filters ListEvents.
type ListRequest struct {
	Type   string
	Status models.EventStatus
	Limit  int
}

// GetEvent returns the full action log of an event.
func (s *Service) GetEvent(ctx context.Context, eventID id.EventID) (*models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "events.get")
	defer span.End()

	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizer.Authorize(ctx, requestcontext.Actor(ctx), models.ActionRead, event.Type); err != nil {
		return nil, err
	}
	return event, nil
}

// GetEventIndex returns the materialized state of an event.
func (s *Service) GetEventIndex(ctx context.Context, eventID id.EventID) (*models.EventIndex, error) {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return s.folder.Fold(event), nil
}

// ListEvents lists the current state of events of one type, optionally
// filtered by status. With a search index configured the list is read from it
// and may lag the log; otherwise every log of the type is folded.
func (s *Service) ListEvents(ctx context.Context, req ListRequest) ([]*models.EventIndex, error) {
	ctx, span := s.tracer.Start(ctx, "events.list")
	defer span.End()

	if req.Type == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "type is required")
	}
	if err := s.authorizer.AuthorizeList(ctx, requestcontext.Actor(ctx), req.Type); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	if s.index != nil {
		return s.listFromIndex(ctx, req, limit)
	}

	ids, err := s.store.ListIDs(ctx, req.Type)
	if err != nil {
		return nil, translateStoreError(err, "failed to list events")
	}
	out := make([]*models.EventIndex, 0, len(ids))
	for _, eventID := range ids {
		event, err := s.loadEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		idx := s.folder.Fold(event)
		if idx.Status == models.StatusDeleted || (req.Status != "" && idx.Status != req.Status) {
			continue
		}
		out = append(out, idx)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Service) listFromIndex(ctx context.Context, req ListRequest, limit int) ([]*models.EventIndex, error) {
	q := search.MatchAll()
	if req.Status != "" {
		q = search.Term(search.MetaStatus, string(req.Status))
	}
	docs, err := s.index.Search(ctx, s.indexName(req.Type), q, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "search index unavailable")
	}
	out := make([]*models.EventIndex, 0, len(docs))
	for _, doc := range docs {
		out = append(out, search.Decode(doc))
	}
	return out, nil
}
