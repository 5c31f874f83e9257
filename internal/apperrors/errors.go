// Package apperrors provides standardized error handling for the sandpool API.
//
// This package implements a consistent error format across all API endpoints:
//   - Structured error responses with error codes
//   - Automatic HTTP status code mapping
//   - Optional error details for debugging
//   - Machine-readable error codes for client error handling
//
// Error Structure:
//   - Code: Machine-readable error identifier (e.g., "no_capacity")
//   - Message: Human-readable error message
//   - Details: Optional additional context (wrapped errors)
//   - StatusCode: HTTP status code (400, 404, 409, 500, 503, 504)
//
// Usage patterns:
//
//	// Simple error
//	return apperrors.NotFound("session", id)
//
//	// Wrap underlying error
//	return apperrors.StoreUnavailable(err)
//
//	// In HTTP handler
//	c.JSON(err.StatusCode, err.ToResponse())
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents a standardized application error with HTTP context.
type AppError struct {
	// Code is a machine-readable error identifier.
	// Format: lower_snake_case (e.g., "no_capacity", "not_found").
	// Used by clients for programmatic error handling.
	Code string `json:"code"`

	// Message is a human-readable error description, suitable for
	// display to API consumers.
	Message string `json:"message"`

	// Details provides additional context for debugging (optional).
	// May contain wrapped error messages. Never contains stack traces.
	Details string `json:"details,omitempty"`

	// Hint is an optional corrective hint for the caller.
	Hint string `json:"hint,omitempty"`

	// StatusCode is the HTTP status code to return.
	// Not included in the JSON response.
	StatusCode int `json:"-"`

	// cause is the wrapped underlying error, if any.
	cause error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.cause
}

// ErrorResponse represents the JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"error_code"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// ToResponse converts an AppError to its JSON response form.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Code,
		Message: e.Message,
		Code:    e.Code,
		Details: e.Details,
		Hint:    e.Hint,
	}
}

// Error codes
const (
	CodeBadRequest        = "bad_request"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeNoCapacity        = "no_capacity"
	CodeDriverError       = "driver_error"
	CodeStoreUnavailable  = "store_unavailable"
	CodeStoreIntegrity    = "store_integrity_error"
	CodeArtifactStore     = "artifact_store_error"
	CodeExecutorUnreach   = "executor_unreachable"
	CodeTimeout           = "timeout"
	CodeSessionNotReady   = "session_not_ready"
	CodePayloadTooLarge   = "payload_too_large"
	CodeUnsupportedLang   = "unsupported_language"
	CodeInternal          = "internal_error"
)

// Validation returns a 400 for malformed or out-of-range input.
func Validation(msg string) *AppError {
	return &AppError{
		Code:       CodeBadRequest,
		Message:    msg,
		StatusCode: http.StatusBadRequest,
	}
}

// NotFound returns a 404 for a missing entity.
func NotFound(kind, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", kind, id),
		StatusCode: http.StatusNotFound,
	}
}

// Conflict returns a 409 for a state-machine violation, e.g. terminating
// an already-terminal session or executing against a non-running one.
func Conflict(msg string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    msg,
		StatusCode: http.StatusConflict,
	}
}

// NoCapacity returns a 503 when the scheduler has no qualifying node.
func NoCapacity(msg string) *AppError {
	return &AppError{
		Code:       CodeNoCapacity,
		Message:    msg,
		Hint:       "retry after capacity is added or freed",
		StatusCode: http.StatusServiceUnavailable,
	}
}

// DriverError returns a 500 for a runtime driver failure.
func DriverError(op string, err error) *AppError {
	return &AppError{
		Code:       CodeDriverError,
		Message:    fmt.Sprintf("runtime driver %s failed", op),
		Details:    err.Error(),
		StatusCode: http.StatusInternalServerError,
		cause:      err,
	}
}

// StoreUnavailable returns a 503 for a transient entity store failure.
func StoreUnavailable(err error) *AppError {
	return &AppError{
		Code:       CodeStoreUnavailable,
		Message:    "entity store unavailable",
		Details:    err.Error(),
		StatusCode: http.StatusServiceUnavailable,
		cause:      err,
	}
}

// StoreIntegrity returns a 400-class fatal error for an integrity
// violation, e.g. inserting an execution for a non-existent session.
func StoreIntegrity(err error) *AppError {
	return &AppError{
		Code:       CodeStoreIntegrity,
		Message:    "entity store integrity violation",
		Details:    err.Error(),
		StatusCode: http.StatusBadRequest,
		cause:      err,
	}
}

// ArtifactStore returns a 500 or 503 depending on transience.
func ArtifactStore(err error, transient bool) *AppError {
	status := http.StatusInternalServerError
	if transient {
		status = http.StatusServiceUnavailable
	}
	return &AppError{
		Code:       CodeArtifactStore,
		Message:    "artifact store operation failed",
		Details:    err.Error(),
		StatusCode: status,
		cause:      err,
	}
}

// ExecutorUnreachable is internal: the POST to the in-container executor
// failed. It triggers crash classification rather than an HTTP response.
func ExecutorUnreachable(err error) *AppError {
	return &AppError{
		Code:       CodeExecutorUnreach,
		Message:    "in-container executor unreachable",
		Details:    err.Error(),
		StatusCode: http.StatusBadGateway,
		cause:      err,
	}
}

// Timeout returns a 504 for an exhausted bounded deadline.
func Timeout(op string) *AppError {
	return &AppError{
		Code:       CodeTimeout,
		Message:    fmt.Sprintf("deadline exceeded: %s", op),
		StatusCode: http.StatusGatewayTimeout,
	}
}

// SessionNotReady returns a 409 when code is submitted to a session that
// is not running or whose dependencies are not ready.
func SessionNotReady(id, reason string) *AppError {
	return &AppError{
		Code:       CodeSessionNotReady,
		Message:    fmt.Sprintf("session %s is not ready: %s", id, reason),
		StatusCode: http.StatusConflict,
	}
}

// UnsupportedLanguage returns a 400 for a language the executor does not run.
func UnsupportedLanguage(lang string) *AppError {
	return &AppError{
		Code:       CodeUnsupportedLang,
		Message:    fmt.Sprintf("unsupported language: %s", lang),
		StatusCode: http.StatusBadRequest,
	}
}

// PayloadTooLarge returns a 413 for an oversized upload.
func PayloadTooLarge(limit int64) *AppError {
	return &AppError{
		Code:       CodePayloadTooLarge,
		Message:    fmt.Sprintf("payload exceeds limit of %d bytes", limit),
		StatusCode: http.StatusRequestEntityTooLarge,
	}
}

// Internal returns a generic 500 wrapping an unexpected error.
func Internal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "internal error",
		Details:    err.Error(),
		StatusCode: http.StatusInternalServerError,
		cause:      err,
	}
}

// AsAppError extracts an *AppError from an error chain, or wraps the
// error as an internal error if no AppError is present.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}
