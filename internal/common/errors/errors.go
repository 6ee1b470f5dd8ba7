// Package errors provides the application error taxonomy for agentd.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeSessionBusy         = "SESSION_BUSY"
	ErrCodeDiscoveryTimeout    = "DISCOVERY_TIMEOUT"
	ErrCodeProcessSpawnFailure = "PROCESS_SPAWN_FAILURE"
	ErrCodeProcessExitFailure  = "PROCESS_EXIT_FAILURE"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidRequest creates a validation error, rejected before any side effect.
func InvalidRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// SessionBusy signals lock contention: another generation is already running
// against the session.
func SessionBusy(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionBusy,
		Message:    fmt.Sprintf("a generation is already running for session '%s'", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// DiscoveryTimeout signals that the agent's log file never appeared within the
// bounded wait.
func DiscoveryTimeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeDiscoveryTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ProcessSpawnFailure signals that the agent subprocess could not start.
func ProcessSpawnFailure(err error) *AppError {
	return &AppError{
		Code:       ErrCodeProcessSpawnFailure,
		Message:    "agent process failed to start",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ProcessExitFailure signals a non-zero agent exit that was not caused by
// cancellation.
func ProcessExitFailure(exitCode int, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProcessExitFailure,
		Message:    fmt.Sprintf("agent process exited with code %d", exitCode),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Cancelled marks a generation that was stopped on request. It is a recognized
// terminal outcome, not a failure.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: 499, // client closed request
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus extracts the HTTP status from an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
