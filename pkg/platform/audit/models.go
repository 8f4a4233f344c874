// Package audit records the trail of decisions taken on civil registration
// events: who requested which action, and how it was resolved.
package audit

import (
	"context"
	"time"

	id "crvs/pkg/domain"
)

// EventCategory classifies audit events by their retention needs.
type EventCategory string

const (
	// CategoryCompliance covers decisions with legal significance; these are
	// kept for the lifetime of the record.
	CategoryCompliance EventCategory = "compliance"
	// CategorySecurity covers access decisions worth alerting on.
	CategorySecurity EventCategory = "security"
	// CategoryOperations covers routine activity and can be sampled.
	CategoryOperations EventCategory = "operations"
)

type AuditEvent string

const (
	EventCreated            AuditEvent = "event_created"
	EventActionAccepted     AuditEvent = "action_accepted"
	EventActionRequested    AuditEvent = "action_requested"
	EventActionRejected     AuditEvent = "action_rejected"
	EventDuplicatesDetected AuditEvent = "duplicates_detected"
	EventAccessDenied       AuditEvent = "access_denied"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventCreated:            CategoryCompliance,
	EventActionAccepted:     CategoryCompliance,
	EventActionRejected:     CategoryCompliance,
	EventDuplicatesDetected: CategoryCompliance,
	EventAccessDenied:       CategorySecurity,
	EventActionRequested:    CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Event is one audit trail entry.
type Event struct {
	Category   EventCategory
	Timestamp  time.Time
	Action     string
	EventID    id.EventID
	EventType  string
	ActionType string
	ActorID    id.UserID
	Decision   string
	Reason     string
	RequestID  string
	ClientIP   string
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEvent(ctx context.Context, eventID id.EventID) ([]Event, error)
}
