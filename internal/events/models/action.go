package models

import (
	"time"

	id "crvs/pkg/domain"
)

// ActionType names one lifecycle operation against an event.
type ActionType string

const (
	ActionCreate            ActionType = "CREATE"
	ActionNotify            ActionType = "NOTIFY"
	ActionDeclare           ActionType = "DECLARE"
	ActionValidate          ActionType = "VALIDATE"
	ActionRegister          ActionType = "REGISTER"
	ActionReject            ActionType = "REJECT"
	ActionArchive           ActionType = "ARCHIVE"
	ActionAssign            ActionType = "ASSIGN"
	ActionUnassign          ActionType = "UNASSIGN"
	ActionRead              ActionType = "READ"
	ActionPrintCertificate  ActionType = "PRINT_CERTIFICATE"
	ActionRequestCorrection ActionType = "REQUEST_CORRECTION"
	ActionApproveCorrection ActionType = "APPROVE_CORRECTION"
	ActionRejectCorrection  ActionType = "REJECT_CORRECTION"
	ActionDuplicateDetected ActionType = "DUPLICATE_DETECTED"
	ActionCustom            ActionType = "CUSTOM"
	ActionDelete            ActionType = "DELETE"
)

var allActionTypes = []ActionType{
	ActionCreate, ActionNotify, ActionDeclare, ActionValidate, ActionRegister,
	ActionReject, ActionArchive, ActionAssign, ActionUnassign, ActionRead,
	ActionPrintCertificate, ActionRequestCorrection, ActionApproveCorrection,
	ActionRejectCorrection, ActionDuplicateDetected, ActionCustom, ActionDelete,
}

// AllActionTypes lists every known action type in declaration order.
func AllActionTypes() []ActionType {
	return append([]ActionType(nil), allActionTypes...)
}

// ParseActionType accepts the wire form of an action type, case-insensitive on
// the separator ("print-certificate" and "PRINT_CERTIFICATE" are equal).
func ParseActionType(s string) (ActionType, bool) {
	normalized := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-':
			c = '_'
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		}
		normalized = append(normalized, c)
	}
	t := ActionType(normalized)
	for _, known := range allActionTypes {
		if known == t {
			return t, true
		}
	}
	return "", false
}

// IsDeclareClass reports whether an accepted action of this type triggers the
// duplicate check.
func (t ActionType) IsDeclareClass() bool {
	switch t {
	case ActionNotify, ActionDeclare, ActionValidate, ActionRegister:
		return true
	}
	return false
}

// CarriesDeclaration reports whether the action may carry declaration values.
func (t ActionType) CarriesDeclaration() bool {
	return t.IsDeclareClass() || t == ActionRequestCorrection
}

// RequiresAssignment reports whether the caller must hold the event's
// assignment to request the action.
func (t ActionType) RequiresAssignment() bool {
	switch t {
	case ActionCreate, ActionRead, ActionAssign, ActionUnassign, ActionDuplicateDetected:
		return false
	}
	return true
}

// Requestable reports whether clients may request the action over RPC.
func (t ActionType) Requestable() bool {
	return t != ActionDuplicateDetected && t != ActionCreate
}

// ActionStatus is the lifecycle status of one log entry.
type ActionStatus string

const (
	ActionStatusRequested ActionStatus = "Requested"
	ActionStatusAccepted  ActionStatus = "Accepted"
	ActionStatusRejected  ActionStatus = "Rejected"
)

// DuplicateRef identifies an event suspected to describe the same fact.
type DuplicateRef struct {
	ID         id.EventID    `json:"id"`
	TrackingID id.TrackingID `json:"trackingId"`
}

// Action is one immutable entry of an event's append-only log.
//
// Invariants:
//   - Entries are never mutated or reordered once appended
//   - An Accepted entry confirming a two-phase action points at its Requested
//     entry through OriginalActionID and does not repeat the declaration
//   - Every entry written by one request carries that request's TransactionID
type Action struct {
	ID               id.ActionID      `json:"id"`
	EventID          id.EventID       `json:"eventId"`
	Type             ActionType       `json:"type"`
	Status           ActionStatus     `json:"status"`
	Declaration      Declaration      `json:"declaration"`
	Annotation       Declaration      `json:"annotation,omitempty"`
	CreatedBy        id.UserID        `json:"createdBy"`
	CreatedByRole    string           `json:"createdByRole,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	TransactionID    id.TransactionID `json:"transactionId"`
	OriginalActionID *id.ActionID     `json:"originalActionId,omitempty"`
	RequestID        *id.ActionID     `json:"requestId,omitempty"`
	AssignedTo       *id.UserID       `json:"assignedTo,omitempty"`
	Duplicates       []DuplicateRef   `json:"duplicates,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// IsAccepted reports whether the entry is an Accepted entry.
func (a Action) IsAccepted() bool {
	return a.Status == ActionStatusAccepted
}
