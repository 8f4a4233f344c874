package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Action log stores, the search index
// and the configuration cache return these (optionally wrapped) so services can
// translate them into domain errors:
//   - ErrNotFound: event, action or configuration does not exist
//   - ErrConflict: optimistic append lost against a concurrent writer
//   - ErrAlreadyUsed: idempotency key already bound to another event
//   - ErrUnavailable: backend temporarily unavailable or timed out
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrAlreadyUsed = errors.New("already used")
	ErrUnavailable = errors.New("unavailable")
)
