// Package errs defines the structured error taxonomy shared across Muninn.
//
// Every error surfaced by the data layer carries a stable Code that callers
// (the orchestrator, CLI frontends) can branch on, a human-readable message,
// and an optional wrapped cause. Codes map onto CLI exit codes:
//
//	CodeValidation      -> exit 2
//	CodeConcurrency     -> exit 3
//	everything else     -> exit 1
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeConfiguration covers bad base paths, conflicting schema bundles,
	// and embedding dimension mismatches. Fatal at startup.
	CodeConfiguration Code = "configuration"

	// CodeValidation covers records failing descriptor validation. The
	// offending batch is rejected, the sync scope aborts without advancing
	// offsets.
	CodeValidation Code = "schema_mismatch"

	// CodeStorage covers cold or hot store write failures (disk full,
	// corruption, schema narrowing). Fatal for the current sync.
	CodeStorage Code = "storage_fault"

	// CodeConcurrency covers AlreadyRunning on a scope and exclusive-open
	// failures. The caller decides whether to retry.
	CodeConcurrency Code = "concurrency_conflict"

	// CodeFetcher covers remote failures, rate limits, and malformed
	// fetcher responses.
	CodeFetcher Code = "fetcher_error"

	// CodeCancelled marks cooperative cancellation. Distinguished from
	// failures; partial effects are governed by sync idempotence.
	CodeCancelled Code = "cancelled"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around an existing cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from an error chain. Returns ok=false when the
// chain carries no coded error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
