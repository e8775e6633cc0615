// Package txn implements atomic write sequencing: a coordinator that
// wraps backend transactions with reentrant nesting (savepoints), a
// timeout race with bounded retry, and the error taxonomy shared by the
// store layers above it.
package txn

import (
	"errors"
	"fmt"
)

// Code categorizes store errors. Control flow branches on codes, never on
// message text.
type Code string

const (
	// CodeConstraintViolation indicates a uniqueness clash.
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"

	// CodeTransactionTimeout indicates the wrapped body exceeded its
	// deadline. This is the only code eligible for retry-with-backoff.
	CodeTransactionTimeout Code = "TRANSACTION_TIMEOUT"

	// CodeTransactionConflict indicates a nested rollback triggered by an
	// inner failure, or use of a transaction that is already closed.
	CodeTransactionConflict Code = "TRANSACTION_CONFLICT"

	// CodeLockUnavailable indicates acquire found an active holder.
	CodeLockUnavailable Code = "LOCK_UNAVAILABLE"

	// CodeReplicationApply indicates a malformed or stale sync message.
	CodeReplicationApply Code = "REPLICATION_APPLY"

	// CodeBackendIO indicates a connectivity or driver failure.
	CodeBackendIO Code = "BACKEND_IO"
)

// Error is the coded error carried across store layers.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the failing operation (e.g. "store.create", "lock.sweep").
	Op string

	// Message is a human-readable description.
	Message string

	// Details contains additional context for diagnostics.
	Details map[string]string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Code, e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the Code from an error chain, or "" if the chain holds
// no *Error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTimeout reports whether the error chain is timeout-classified.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTransactionTimeout }

// IsConflict reports whether the error chain is a transaction conflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeTransactionConflict }

// IsConstraint reports whether the error chain is a uniqueness violation.
func IsConstraint(err error) bool { return CodeOf(err) == CodeConstraintViolation }

// IsBackendIO reports whether the error chain is a backend I/O failure.
func IsBackendIO(err error) bool { return CodeOf(err) == CodeBackendIO }

// NewTimeout builds a timeout-classified error for the named operation.
func NewTimeout(op string, timeoutMs int64) *Error {
	return &Error{
		Code:    CodeTransactionTimeout,
		Op:      op,
		Message: "transaction deadline exceeded",
		Details: map[string]string{"timeout_ms": fmt.Sprintf("%d", timeoutMs)},
	}
}

// NewConflict wraps an inner failure that aborted the nested chain.
func NewConflict(op string, err error) *Error {
	return &Error{
		Code:    CodeTransactionConflict,
		Op:      op,
		Message: "transaction aborted",
		Err:     err,
	}
}

// NewConstraint builds a uniqueness-violation error.
func NewConstraint(op, message string, err error) *Error {
	return &Error{
		Code:    CodeConstraintViolation,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// WrapBackend classifies a driver failure as backend I/O.
func WrapBackend(op string, err error) *Error {
	return &Error{
		Code:    CodeBackendIO,
		Op:      op,
		Message: "backend operation failed",
		Err:     err,
	}
}
