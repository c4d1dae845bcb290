package errors

import (
	"errors"
	"fmt"
)

// Code represents a stable error classification for programmatic handling.
// The provider/store/workflow layers key their retry and compensation
// decisions off the code, never off message text.
type Code string

const (
	CodeUnknown Code = "unknown"

	// External-call classifications.
	CodeClient       Code = "client"        // 4xx-equivalent, caller/input problem, terminal
	CodeServer       Code = "server"        // 5xx-equivalent, provider-side, retryable
	CodeNetwork      Code = "network"       // no response at all, retryable
	CodeRequestSetup Code = "request_setup" // malformed call or missing precondition, terminal

	// Store and orchestration classifications.
	CodeNotFound Code = "not_found"
	CodeConflict Code = "conflict" // duplicate key, or an execution already in flight
	CodeWorkflow Code = "workflow" // uncaught non-classified workflow failure

	// HTTP/auth layer.
	CodeInvalid      Code = "invalid"
	CodeUnauthorized Code = "unauthorized"
	CodeInternal     Code = "internal"
	CodeDeadline     Code = "deadline_exceeded"
)

// AppError is a structured error type that carries a code, message, and optional metadata.
type AppError struct {
	Code    Code
	Message string
	Err     error
	Meta    map[string]any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *AppError) Unwrap() error { return e.Err }

// WithMeta attaches metadata to the error.
func (e *AppError) WithMeta(k string, v any) *AppError {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[k] = v
	return e
}

// New creates a new AppError with code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with code and message.
func Wrap(err error, code Code, message string) *AppError {
	if err == nil {
		return New(code, message)
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// IsCode checks if an error has the provided code (through unwrapping).
func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// CodeOf extracts the code from an error, defaulting to CodeUnknown.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// Retryable reports whether an error is worth retrying. Unclassified errors
// count as retryable so transient failures wrapped by third-party code are
// not given up on early.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeClient, CodeRequestSetup, CodeNotFound, CodeConflict, CodeInvalid, CodeUnauthorized:
		return false
	}
	return true
}
