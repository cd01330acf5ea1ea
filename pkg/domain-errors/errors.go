// Package dErrors provides coded domain errors shared by services, stores
// and transport. Codes classify failures for callers and the HTTP layer;
// stores return sentinel errors and services translate them into these.
package dErrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	// Validation failures detected before any external I/O.
	CodeNotFound           Code = "not_found"
	CodeDuplicateID        Code = "duplicate_id"
	CodeInvalidEdge        Code = "invalid_edge"
	CodeAlreadyRevoked     Code = "already_revoked"
	CodeTransitionInFlight Code = "transition_in_flight"
	CodeBadRequest         Code = "bad_request"
	CodeInvariantViolation Code = "invariant_violation"

	// Collaborator failures; the committed state is unchanged.
	CodeDetectionFailed    Code = "detection_failed"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeSubmissionFailed   Code = "submission_failed"

	// Timeout is an unknown outcome: the ledger transaction may still
	// confirm out of band.
	CodeTimeout Code = "transition_timed_out"

	CodeUnauthorized Code = "unauthorized"
	CodeInternal     Code = "internal"
)

// Error carries a code, a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error, preserving the
// cause chain for errors.Is/As.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.cause
		if err == nil {
			break
		}
	}
	return false
}

// Is is a readability alias for HasCode used at call sites that branch on
// a single code.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// error carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the outermost message, or the raw error text for
// uncoded errors.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
