package model

import (
	"errors"
	"fmt"
)

// Error codes returned in API responses.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeDuplicateActive = "DUPLICATE_ACTIVE_JOB"
	ErrCodeQueueFull       = "QUEUE_FULL"
	ErrCodeMaintenance     = "MAINTENANCE_MODE"
)

// APIError is a structured error carrying a stable machine-readable code.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a validation error.
func NewValidationError(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError creates a not-found error for the named resource.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// NewUnauthorizedError creates an authentication error.
func NewUnauthorizedError(message string) *APIError {
	return &APIError{Code: ErrCodeUnauthorized, Message: message}
}

// NewForbiddenError creates an authorization error.
func NewForbiddenError(message string) *APIError {
	return &APIError{Code: ErrCodeForbidden, Message: message}
}

// NewInternalError creates an internal error.
func NewInternalError(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

// NewDuplicateActiveJobError signals that the owner already has a
// queued or running job.
func NewDuplicateActiveJobError(owner string) *APIError {
	return &APIError{
		Code:    ErrCodeDuplicateActive,
		Message: fmt.Sprintf("owner %q already has an active job", owner),
	}
}

// NewQueueFullError signals that admission was refused because the
// queue is at capacity.
func NewQueueFullError(limit int) *APIError {
	return &APIError{
		Code:    ErrCodeQueueFull,
		Message: fmt.Sprintf("queue is at capacity (%d)", limit),
	}
}

// NewMaintenanceError signals that submissions are paused.
func NewMaintenanceError() *APIError {
	return &APIError{Code: ErrCodeMaintenance, Message: "submissions are paused for maintenance"}
}

// ErrorCode extracts the API error code from err, or ErrCodeInternal
// if err is not an APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrCodeInternal
}

// IsErrorCode returns true if err is an APIError with the given code.
func IsErrorCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
