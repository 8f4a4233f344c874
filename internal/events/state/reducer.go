// Package state folds an event's action log into its materialized EventIndex.
//
// Folding is pure: the same log always yields the same index, and folding a
// prefix of a log yields an earlier version of the same index. Only Accepted
// entries change state; Requested and Rejected entries stay visible in the log
// but are skipped. A two-phase action therefore affects state exactly once,
// through its Accepted entry, which takes its payload from the Requested entry
// it confirms.
package state

import (
	"crvs/internal/events/models"
	id "crvs/pkg/domain"
)

// Fold computes the index of the whole log.
func Fold(event *models.Event) *models.EventIndex {
	return FoldPrefix(event, len(event.Actions))
}

// FoldPrefix computes the index of the first n entries.
func FoldPrefix(event *models.Event, n int) *models.EventIndex {
	if n > len(event.Actions) {
		n = len(event.Actions)
	}
	idx := initial(event)
	for i := 0; i < n; i++ {
		apply(idx, event, i)
	}
	return idx
}

func initial(event *models.Event) *models.EventIndex {
	return &models.EventIndex{
		ID:                  event.ID,
		Type:                event.Type,
		TrackingID:          event.TrackingID,
		Status:              models.StatusCreated,
		Flags:               []models.Flag{},
		Declaration:         models.Declaration{},
		PotentialDuplicates: []models.DuplicateRef{},
		CreatedAt:           event.CreatedAt,
		UpdatedAt:           event.CreatedAt,
	}
}

// apply folds entry i of the log into idx. Earlier entries referenced by the
// entry (the Requested entry of a two-phase action, the correction request of
// an approval) are resolved against the same log.
func apply(idx *models.EventIndex, event *models.Event, i int) {
	action := event.Actions[i]
	idx.Version = i + 1
	if !action.IsAccepted() {
		return
	}

	payload := action
	if action.OriginalActionID != nil {
		if original, ok := findBefore(event, i, *action.OriginalActionID); ok {
			payload.Declaration = original.Declaration
			payload.Annotation = original.Annotation
			payload.Reason = original.Reason
			payload.RequestID = original.RequestID
		}
	}

	switch action.Type {
	case models.ActionCreate:
		idx.Status = models.StatusCreated
		idx.CreatedBy = action.CreatedBy
		idx.CreatedAt = action.CreatedAt

	case models.ActionNotify:
		idx.Declaration = idx.Declaration.Merge(payload.Declaration)
		idx.Status = models.StatusNotified
		idx.SetFlag(models.FlagIncomplete)

	case models.ActionDeclare, models.ActionValidate, models.ActionRegister:
		idx.Declaration = idx.Declaration.Merge(payload.Declaration)
		idx.ClearFlag(models.FlagRejected)
		idx.ClearFlag(models.FlagIncomplete)
		stamp := &models.StatusRecord{At: action.CreatedAt, By: action.CreatedBy}
		if idx.LegalStatuses.Declared == nil {
			idx.LegalStatuses.Declared = stamp
		}
		switch action.Type {
		case models.ActionDeclare:
			idx.Status = models.StatusDeclared
		case models.ActionValidate:
			idx.Status = models.StatusValidated
		case models.ActionRegister:
			idx.Status = models.StatusRegistered
			idx.LegalStatuses.Registered = stamp
			idx.SetFlag(models.FlagPendingCertification)
		}

	case models.ActionReject:
		idx.SetFlag(models.FlagRejected)

	case models.ActionArchive:
		idx.Status = models.StatusArchived

	case models.ActionDelete:
		idx.Status = models.StatusDeleted

	case models.ActionAssign:
		idx.AssignedTo = action.AssignedTo
		return

	case models.ActionUnassign:
		idx.AssignedTo = nil
		return

	case models.ActionRead:
		return

	case models.ActionPrintCertificate:
		idx.ClearFlag(models.FlagPendingCertification)
		idx.SetFlag(models.FlagPrinted)

	case models.ActionRequestCorrection:
		idx.SetFlag(models.FlagCorrectionRequested)

	case models.ActionApproveCorrection:
		if payload.RequestID != nil {
			if request, ok := findBefore(event, i, *payload.RequestID); ok {
				idx.Declaration = idx.Declaration.Merge(request.Declaration)
			}
		}
		idx.ClearFlag(models.FlagCorrectionRequested)

	case models.ActionRejectCorrection:
		idx.ClearFlag(models.FlagCorrectionRequested)

	case models.ActionDuplicateDetected:
		idx.PotentialDuplicates = append([]models.DuplicateRef{}, action.Duplicates...)
		if len(idx.PotentialDuplicates) > 0 {
			idx.SetFlag(models.FlagPotentialDuplicate)
		} else {
			idx.ClearFlag(models.FlagPotentialDuplicate)
		}
		return

	case models.ActionCustom:
	}

	idx.UpdatedAt = action.CreatedAt
	idx.UpdatedBy = action.CreatedBy
}

func findBefore(event *models.Event, i int, actionID id.ActionID) (models.Action, bool) {
	for j := i - 1; j >= 0; j-- {
		if event.Actions[j].ID == actionID {
			return event.Actions[j], true
		}
	}
	return models.Action{}, false
}

// PendingRequest returns the latest Requested entry that has neither been
// accepted nor rejected yet.
func PendingRequest(event *models.Event) (models.Action, bool) {
	resolved := make(map[id.ActionID]bool)
	for i := len(event.Actions) - 1; i >= 0; i-- {
		a := event.Actions[i]
		if a.OriginalActionID != nil {
			resolved[*a.OriginalActionID] = true
			continue
		}
		if a.Status == models.ActionStatusRequested && !resolved[a.ID] {
			return a, true
		}
	}
	return models.Action{}, false
}
