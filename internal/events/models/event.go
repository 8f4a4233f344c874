package models

import (
	"sort"
	"time"

	id "crvs/pkg/domain"
)

// Event is the aggregate: an identity, a fixed type and an append-only log.
type Event struct {
	ID         id.EventID    `json:"id"`
	Type       string        `json:"type"`
	TrackingID id.TrackingID `json:"trackingId"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	Actions    []Action      `json:"actions"`
}

// Version is the number of log entries; appends are conditioned on it.
func (e *Event) Version() int {
	return len(e.Actions)
}

// FindAction returns the entry with the given id.
func (e *Event) FindAction(actionID id.ActionID) (Action, bool) {
	for _, a := range e.Actions {
		if a.ID == actionID {
			return a, true
		}
	}
	return Action{}, false
}

// Prefix returns a copy of the event truncated to its first n entries.
func (e *Event) Prefix(n int) *Event {
	if n > len(e.Actions) {
		n = len(e.Actions)
	}
	out := *e
	out.Actions = append([]Action(nil), e.Actions[:n]...)
	if n > 0 {
		out.UpdatedAt = out.Actions[n-1].CreatedAt
	} else {
		out.UpdatedAt = out.CreatedAt
	}
	return &out
}

// LastEntryOfTransaction returns the index one past the last entry the given
// actor wrote under transactionID, or 0 when there is none.
func (e *Event) LastEntryOfTransaction(actor id.UserID, transactionID id.TransactionID) int {
	last := 0
	for i, a := range e.Actions {
		if a.TransactionID == transactionID && a.CreatedBy == actor {
			last = i + 1
		}
	}
	return last
}

// EventStatus is the lifecycle status of the materialized event.
type EventStatus string

const (
	StatusCreated    EventStatus = "CREATED"
	StatusNotified   EventStatus = "NOTIFIED"
	StatusDeclared   EventStatus = "DECLARED"
	StatusValidated  EventStatus = "VALIDATED"
	StatusRegistered EventStatus = "REGISTERED"
	StatusArchived   EventStatus = "ARCHIVED"
	StatusDeleted    EventStatus = "DELETED"
)

// Flag is an inherent marker computed alongside the status.
type Flag string

const (
	FlagRejected             Flag = "rejected"
	FlagIncomplete           Flag = "incomplete"
	FlagPendingCertification Flag = "pending-certification"
	FlagPrinted              Flag = "printed"
	FlagCorrectionRequested  Flag = "correction-requested"
	FlagPotentialDuplicate   Flag = "potential-duplicate"
)

// StatusRecord remembers who moved the event into a legal status and when.
type StatusRecord struct {
	At time.Time `json:"at"`
	By id.UserID `json:"by"`
}

// LegalStatuses tracks the legally meaningful milestones of an event.
type LegalStatuses struct {
	Declared   *StatusRecord `json:"declared,omitempty"`
	Registered *StatusRecord `json:"registered,omitempty"`
}

// EventIndex is the materialized current state of an event. It is derived from
// the action log and never written to independently.
type EventIndex struct {
	ID                  id.EventID     `json:"id"`
	Type                string         `json:"type"`
	TrackingID          id.TrackingID  `json:"trackingId"`
	Status              EventStatus    `json:"status"`
	Flags               []Flag         `json:"flags"`
	Declaration         Declaration    `json:"declaration"`
	AssignedTo          *id.UserID     `json:"assignedTo"`
	PotentialDuplicates []DuplicateRef `json:"potentialDuplicates"`
	LegalStatuses       LegalStatuses  `json:"legalStatuses"`
	CreatedAt           time.Time      `json:"createdAt"`
	CreatedBy           id.UserID      `json:"createdBy"`
	UpdatedAt           time.Time      `json:"updatedAt"`
	UpdatedBy           id.UserID      `json:"updatedBy"`
	Version             int            `json:"version"`
}

// HasFlag reports whether the flag is set.
func (i *EventIndex) HasFlag(flag Flag) bool {
	for _, f := range i.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// SetFlag adds the flag, keeping Flags sorted and unique.
func (i *EventIndex) SetFlag(flag Flag) {
	if i.HasFlag(flag) {
		return
	}
	flags := make([]Flag, 0, len(i.Flags)+1)
	i.Flags = append(append(flags, i.Flags...), flag)
	sort.Slice(i.Flags, func(a, b int) bool { return i.Flags[a] < i.Flags[b] })
}

// ClearFlag removes the flag if present.
func (i *EventIndex) ClearFlag(flag Flag) {
	out := make([]Flag, 0, len(i.Flags))
	for _, f := range i.Flags {
		if f != flag {
			out = append(out, f)
		}
	}
	i.Flags = out
}

// IsAssignedTo reports whether the event is assigned to the user.
func (i *EventIndex) IsAssignedTo(user id.UserID) bool {
	return i.AssignedTo != nil && *i.AssignedTo == user
}
