package state

import "crvs/internal/events/models"

var preRegistration = []models.EventStatus{
	models.StatusCreated, models.StatusNotified, models.StatusDeclared, models.StatusValidated,
}

// IsActionAllowed reports whether the lifecycle permits requesting an action
// of type t on an event in the given state. CREATE is never allowed on an
// existing event.
func IsActionAllowed(idx *models.EventIndex, t models.ActionType) bool {
	if idx.Status == models.StatusDeleted {
		return false
	}
	if idx.Status == models.StatusArchived {
		return t == models.ActionRead || t == models.ActionAssign || t == models.ActionUnassign
	}

	rejected := idx.HasFlag(models.FlagRejected)
	switch t {
	case models.ActionCreate:
		return false
	case models.ActionRead, models.ActionAssign, models.ActionUnassign, models.ActionCustom:
		return true
	case models.ActionNotify:
		return statusIn(idx, models.StatusCreated, models.StatusNotified)
	case models.ActionDeclare:
		return statusIn(idx, models.StatusCreated, models.StatusNotified) ||
			(rejected && statusIn(idx, models.StatusDeclared, models.StatusValidated))
	case models.ActionValidate:
		return statusIn(idx, models.StatusCreated, models.StatusNotified, models.StatusDeclared) ||
			(rejected && statusIn(idx, models.StatusValidated))
	case models.ActionRegister, models.ActionArchive, models.ActionDuplicateDetected:
		return statusIn(idx, preRegistration...)
	case models.ActionReject:
		return !rejected && statusIn(idx, models.StatusNotified, models.StatusDeclared, models.StatusValidated)
	case models.ActionDelete:
		return statusIn(idx, models.StatusCreated, models.StatusNotified)
	case models.ActionPrintCertificate, models.ActionRequestCorrection:
		return idx.Status == models.StatusRegistered && !idx.HasFlag(models.FlagCorrectionRequested)
	case models.ActionApproveCorrection, models.ActionRejectCorrection:
		return idx.Status == models.StatusRegistered && idx.HasFlag(models.FlagCorrectionRequested)
	}
	return false
}

// AllowedActions lists the action types IsActionAllowed accepts, in the
// canonical order.
func AllowedActions(idx *models.EventIndex) []models.ActionType {
	var out []models.ActionType
	for _, t := range models.AllActionTypes() {
		if t.Requestable() && IsActionAllowed(idx, t) {
			out = append(out, t)
		}
	}
	return out
}

func statusIn(idx *models.EventIndex, statuses ...models.EventStatus) bool {
	for _, s := range statuses {
		if idx.Status == s {
			return true
		}
	}
	return false
}
