// Package errs defines the engine's error taxonomy.
//
// Every component-local failure is reified into an *Error carrying a Kind,
// so callers up the stack (the Scheduler, the Gateway) can branch on Kind
// without string matching, and the Gateway can map Kind to an HTTP status
// code in one place.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the engine's error-handling design.
type Kind string

const (
	KindLockTimeout          Kind = "lock_timeout"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindGit                  Kind = "git_error"
	KindWorktreeCorruption   Kind = "worktree_corruption"
	KindContainerStart       Kind = "container_start_error"
	KindAgentFailure         Kind = "agent_failure"
	KindTestFailure          Kind = "test_failure"
	KindMergeConflict        Kind = "merge_conflict"
	KindTimeout              Kind = "timeout"
	KindCallbackUnauthorized Kind = "callback_unauthorized"
)

// Error is the engine's typed error.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, message string, wrapped error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: wrapped}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
