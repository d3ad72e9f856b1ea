package state

import "errors"

// Typed store errors. Handlers map these onto the HTTP/WS error envelopes;
// the store itself never swallows them.
var (
	// ErrNotFound is returned when a referenced entity or session is absent.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned on id collision during create.
	ErrConflict = errors.New("entity id already exists")
	// ErrDanglingRef is returned when a reference cannot be resolved.
	ErrDanglingRef = errors.New("dangling reference")
	// ErrUnauthorized is returned when a permission check fails.
	ErrUnauthorized = errors.New("not authorized")
	// ErrValidation is returned for malformed input or transform results.
	ErrValidation = errors.New("validation failed")
	// ErrInternal is returned for unexpected failures.
	ErrInternal = errors.New("internal error")
)
