// Package domainerrors carries the typed error taxonomy shared by services and
// transports. Services return *Error values; transports translate the Code into
// a status and a wire code without inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// Code classifies a domain error.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInvalidState       Code = "invalid_state"
	CodeInvariantViolation Code = "invariant_violation"
	CodeUnavailable        Code = "unavailable"
	CodeInternal           Code = "internal"
)

// FailureKind is the sub-kind of a single field validation failure.
type FailureKind string

const (
	FailureRequired     FailureKind = "REQUIRED_FIELD_MISSING"
	FailureInvalidValue FailureKind = "INVALID_VALUE"
	FailureUnknownField FailureKind = "UNKNOWN_FIELD"
)

// FieldFailure describes one problem with one field.
type FieldFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// FieldErrors maps a field id to every failure recorded for it.
type FieldErrors map[string][]FieldFailure

// Add records a failure for the field.
func (f FieldErrors) Add(fieldID string, kind FailureKind, message string) {
	f[fieldID] = append(f[fieldID], FieldFailure{Kind: kind, Message: message})
}

// Merge copies every failure from other into f.
func (f FieldErrors) Merge(prefix string, other FieldErrors) {
	for id, failures := range other {
		f[prefix+id] = append(f[prefix+id], failures...)
	}
}

// FieldIDs returns the offending field ids in sorted order.
func (f FieldErrors) FieldIDs() []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasKind reports whether any field failed with the given kind.
func (f FieldErrors) HasKind(kind FailureKind) bool {
	for _, failures := range f {
		for _, failure := range failures {
			if failure.Kind == kind {
				return true
			}
		}
	}
	return false
}

// Error is the domain error carried across service boundaries.
type Error struct {
	Code    Code
	Message string
	Fields  FieldErrors
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a domain error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NewValidation builds a validation error carrying the full field map.
func NewValidation(message string, fields FieldErrors) *Error {
	return &Error{Code: CodeValidation, Message: message, Fields: fields}
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.cause
	}
	return false
}

// Is is an alias of HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// ToHTTPStatus maps a code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeInvalidInput, CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidState:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WireCode maps a code to the client-facing error code.
func WireCode(code Code) string {
	switch code {
	case CodeForbidden:
		return "FORBIDDEN"
	case CodeValidation:
		return "VALIDATION_ERROR"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeConflict:
		return "CONFLICT"
	case CodeInvalidState:
		return "INVALID_STATE"
	case CodeUnavailable:
		return "INFRASTRUCTURE_ERROR"
	case CodeUnauthorized:
		return "UNAUTHORIZED"
	case CodeBadRequest, CodeInvalidInput:
		return "BAD_REQUEST"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return HasCode(err, CodeConflict) || HasCode(err, CodeUnavailable)
}
