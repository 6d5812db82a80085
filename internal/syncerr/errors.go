// Package syncerr defines the error taxonomy shared by the session manager
// and the optimistic mutation engine.
//
// Every failure the core reports is an *Error carrying a Code. Callers
// branch on the code with the Is* helpers, which see through wrapping.
//
// The core never retries on its own. A reported error always accompanies a
// terminal, observable state (a Failed session or a rolled-back list), so the
// caller decides whether to try again.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Code categorizes a synchronization error.
type Code string

const (
	// CodeNetwork is a transient transport failure. Surfaced, never retried.
	CodeNetwork Code = "NETWORK_ERROR"

	// CodeTimeout means a deadline expired before the remote answered.
	CodeTimeout Code = "TIMEOUT"

	// CodeRemoteRejected means the store returned an explicit error payload.
	CodeRemoteRejected Code = "REMOTE_REJECTED"

	// CodeAbortedBySupersession marks a stale result from an operation whose
	// context is no longer current. It is dropped, not shown to users.
	CodeAbortedBySupersession Code = "ABORTED_BY_SUPERSESSION"

	// CodeConcurrencyConflict means another operation on the same key is in
	// flight. Reported to the immediate caller only.
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
)

// Error is a coded synchronization error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed ("session.fetch", "update", ...).
	Op string

	// Key is the entity or flight key involved, if any.
	Key string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Key != "":
		return fmt.Sprintf("%s: %s (op=%s, key=%s)", e.Code, msg, e.Op, e.Key)
	case e.Op != "":
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, msg, e.Op)
	default:
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// IsConflict reports whether err is a per-key concurrency conflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeConcurrencyConflict }

// IsRejected reports whether err is an explicit remote rejection.
func IsRejected(err error) bool { return CodeOf(err) == CodeRemoteRejected }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return CodeOf(err) == CodeNetwork }

// IsSuperseded reports whether err describes a discarded stale result.
// UI layers should ignore such errors.
func IsSuperseded(err error) bool { return CodeOf(err) == CodeAbortedBySupersession }

// NewTimeout creates a TIMEOUT error.
func NewTimeout(op, key string) *Error {
	return &Error{
		Code:    CodeTimeout,
		Op:      op,
		Key:     key,
		Message: "deadline exceeded",
		Err:     context.DeadlineExceeded,
	}
}

// NewConflict creates a CONCURRENCY_CONFLICT error for key.
func NewConflict(op, key string) *Error {
	return &Error{
		Code:    CodeConcurrencyConflict,
		Op:      op,
		Key:     key,
		Message: "another operation for this key is in flight",
	}
}

// NewSuperseded creates an ABORTED_BY_SUPERSESSION error.
func NewSuperseded(op, key string) *Error {
	return &Error{
		Code:    CodeAbortedBySupersession,
		Op:      op,
		Key:     key,
		Message: "result discarded: context superseded",
	}
}

// NewRejected creates a REMOTE_REJECTED error from a store error payload.
func NewRejected(op, key, remoteCode, message string) *Error {
	msg := message
	if remoteCode != "" {
		msg = fmt.Sprintf("%s: %s", remoteCode, message)
	}
	return &Error{
		Code:    CodeRemoteRejected,
		Op:      op,
		Key:     key,
		Message: msg,
	}
}

// Classify wraps an arbitrary error from a remote call in an *Error.
//
// Errors that already carry a code keep it. Deadline expiry maps to TIMEOUT,
// cancellation to ABORTED_BY_SUPERSESSION, everything else to
// NETWORK_ERROR. Returns nil for a nil error.
func Classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Op: op, Key: key, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeAbortedBySupersession, Op: op, Key: key, Err: err}
	}
	return &Error{Code: CodeNetwork, Op: op, Key: key, Err: err}
}
