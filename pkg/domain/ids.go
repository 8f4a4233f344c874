package domain

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"

	dErrors "crvs/pkg/domain-errors"
)

// Distinct UUID-backed identifier types. The compiler keeps them apart so an
// action id can never be passed where an event id is expected.
type (
	EventID  uuid.UUID
	ActionID uuid.UUID
	UserID   uuid.UUID
)

func (id EventID) String() string  { return uuid.UUID(id).String() }
func (id ActionID) String() string { return uuid.UUID(id).String() }
func (id UserID) String() string   { return uuid.UUID(id).String() }

func (id EventID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id ActionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id UserID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

func (id EventID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id ActionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id UserID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }

func (id *EventID) UnmarshalText(b []byte) error  { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ActionID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *UserID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }

func NewEventID() EventID   { return EventID(uuid.New()) }
func NewActionID() ActionID { return ActionID(uuid.New()) }
func NewUserID() UserID     { return UserID(uuid.New()) }

func parseUUID(s, name string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, name+" is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+name)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, name+" cannot be nil")
	}
	return parsed, nil
}

// ParseEventID validates an event id at a trust boundary.
func ParseEventID(s string) (EventID, error) {
	parsed, err := parseUUID(s, "event id")
	return EventID(parsed), err
}

// ParseActionID validates an action id at a trust boundary.
func ParseActionID(s string) (ActionID, error) {
	parsed, err := parseUUID(s, "action id")
	return ActionID(parsed), err
}

// ParseUserID validates a user id at a trust boundary.
func ParseUserID(s string) (UserID, error) {
	parsed, err := parseUUID(s, "user id")
	return UserID(parsed), err
}

// TrackingID is the short human-facing reference printed on paperwork.
type TrackingID string

const (
	trackingIDLength   = 7
	trackingIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewTrackingID generates a random tracking id from an alphabet without
// look-alike characters.
func NewTrackingID() TrackingID {
	buf := make([]byte, trackingIDLength)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = trackingIDAlphabet[int(b)%len(trackingIDAlphabet)]
	}
	return TrackingID(buf)
}

func (t TrackingID) String() string { return string(t) }

// TransactionID is the client-supplied idempotency key of a request.
type TransactionID string

const maxTransactionIDLength = 128

// ParseTransactionID rejects empty and oversized keys.
func ParseTransactionID(s string) (TransactionID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "transactionId is required")
	}
	if len(s) > maxTransactionIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, "transactionId must be 128 characters or less")
	}
	return TransactionID(s), nil
}

func (t TransactionID) String() string { return string(t) }
