// Package errors provides custom error types for the AgentCom hub.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeInvalidArgs        = "INVALID_ARGS"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeWrongState         = "WRONG_STATE"
	ErrCodeStaleGeneration    = "STALE_GENERATION"
	ErrCodeQueueFull          = "QUEUE_FULL"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeAgentBusy          = "AGENT_BUSY"
	ErrCodeAgentOffline       = "AGENT_OFFLINE"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
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

// InvalidArgs creates a validation error for a specific field.
func InvalidArgs(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidArgs,
		Message:    fmt.Sprintf("invalid argument '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
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

// WrongState creates an error for an invalid state transition.
func WrongState(resource, id, state string) *AppError {
	return &AppError{
		Code:       ErrCodeWrongState,
		Message:    fmt.Sprintf("%s '%s' is in state '%s'", resource, id, state),
		HTTPStatus: http.StatusConflict,
	}
}

// StaleGeneration creates a fencing error for an outdated generation.
func StaleGeneration(taskID string, got, current int64) *AppError {
	return &AppError{
		Code:       ErrCodeStaleGeneration,
		Message:    fmt.Sprintf("task '%s' generation %d is stale (current %d)", taskID, got, current),
		HTTPStatus: http.StatusConflict,
	}
}

// QueueFull creates an error for a queue at its soft cap.
func QueueFull(cap int) *AppError {
	return &AppError{
		Code:       ErrCodeQueueFull,
		Message:    fmt.Sprintf("task queue is at capacity (%d)", cap),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// RateLimited creates an error carrying the retry hint in milliseconds.
func RateLimited(retryAfterMs int64) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    fmt.Sprintf("rate limited, retry after %dms", retryAfterMs),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// AgentBusy creates an error for an agent that already holds a task.
func AgentBusy(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentBusy,
		Message:    fmt.Sprintf("agent '%s' already holds a task", agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// AgentOffline creates an error for an agent without a live session.
func AgentOffline(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentOffline,
		Message:    fmt.Sprintf("agent '%s' is offline", agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
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

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for an error, or INTERNAL_ERROR if it is not
// an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsStaleGeneration checks if the error is a generation fencing error.
func IsStaleGeneration(err error) bool {
	return Code(err) == ErrCodeStaleGeneration
}

// IsWrongState checks if the error is a wrong state error.
func IsWrongState(err error) bool {
	return Code(err) == ErrCodeWrongState
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
