// Package errs implements the error taxonomy from spec §7: engines and
// the store classify failures so the request boundary (out of scope)
// and the worker's retry routing can react without parsing strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	// DataValidation means the caller supplied bad input; surfaced as 400.
	DataValidation Kind = "data_validation"
	// NotFound means the referenced entity doesn't exist; surfaced as 404.
	NotFound Kind = "not_found"
	// UnexpectedResult means a store mutation affected the wrong number
	// of rows; logged, claim released, task retried after backoff.
	UnexpectedResult Kind = "unexpected_result"
	// MigrationNeeded is fatal at startup.
	MigrationNeeded Kind = "migration_needed"
	// Transport covers HTTP non-success and network failures, routed
	// into the per-queue incomplete/retry path.
	Transport Kind = "transport"
)

// Error wraps a cause with a Kind so callers can switch on classification
// without string matching.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given Kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given Kind around a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
