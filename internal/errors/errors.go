// Package errors defines the error taxonomy of the pre-processing protocol.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a protocol error code
type ErrorCode string

// Predefined error codes
const (
	// Message-level errors
	MalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	SignatureInvalid ErrorCode = "SIGNATURE_INVALID"
	UnknownSender    ErrorCode = "UNKNOWN_SENDER"
	StaleRetry       ErrorCode = "STALE_RETRY"

	// Request outcome errors
	QuorumUnreachable  ErrorCode = "QUORUM_UNREACHABLE"
	NonDeterministic   ErrorCode = "NON_DETERMINISTIC_EXECUTION"
	RequestTimedOut    ErrorCode = "REQUEST_TIMED_OUT"
	CancelledByPrimary ErrorCode = "CANCELLED_BY_PRIMARY"

	// Admission errors
	ResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	DuplicateRequest  ErrorCode = "DUPLICATE_REQUEST"

	// Fatal errors
	InvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	InternalError      ErrorCode = "INTERNAL_ERROR"
)

// ProtocolError is a structured error carried across the pre-processor boundary
type ProtocolError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsFatal reports whether the error must abort the process. An invariant
// violation cannot be recovered locally: the in-memory protocol state is
// corrupt.
func (e *ProtocolError) IsFatal() bool { return e.Code == InvariantViolation }

// New creates a new protocol error
func New(code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// Newf creates a new protocol error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with a protocol error code
func Wrap(err error, code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Err: err}
}

// Predefined error constructors

func NewMalformedMessageError(detail string) *ProtocolError {
	return New(MalformedMessage, detail)
}

func NewSignatureInvalidError(detail string) *ProtocolError {
	return New(SignatureInvalid, detail)
}

func NewResourceExhaustedError(detail string) *ProtocolError {
	return New(ResourceExhausted, detail)
}

func NewInvariantViolationError(detail string) *ProtocolError {
	return New(InvariantViolation, detail)
}

// CodeOf extracts the protocol error code from err, or InternalError when err
// is not a ProtocolError.
func CodeOf(err error) ErrorCode {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return InternalError
}

// IsCode checks whether err carries the given protocol error code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
