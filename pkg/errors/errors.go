package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Condition represents machine-readable condition codes returned to callers.
type Condition string

const (
	CondInvalidInput       Condition = "INVALID_INPUT"
	CondNotFound           Condition = "NOT_FOUND"
	CondForbidden          Condition = "FORBIDDEN"
	CondConflict           Condition = "CONFLICT"
	CondNotReady           Condition = "NOT_READY"
	CondCapabilityMismatch Condition = "CAPABILITY_MISMATCH"
	CondTimeout            Condition = "TIMEOUT"
	CondTransientPublish   Condition = "TRANSIENT_PUBLISH_FAILURE"
	CondFatalRender        Condition = "FATAL_RENDER_FAILURE"
	CondRateLimit          Condition = "RATE_LIMIT_EXCEEDED"
	CondInternal           Condition = "INTERNAL_ERROR"
)

// AppError is an application error carrying a condition code and HTTP status.
type AppError struct {
	Condition  Condition
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Condition, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new application error.
func New(cond Condition, message string, httpStatus int) *AppError {
	return &AppError{
		Condition:  cond,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a condition.
func Wrap(err error, cond Condition, message string, httpStatus int) *AppError {
	return &AppError{
		Condition:  cond,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
	}
}

// Common constructors

func NewInvalidInput(message string) *AppError {
	return New(CondInvalidInput, message, http.StatusBadRequest)
}

func NewNotFound(resource string) *AppError {
	return New(CondNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewForbidden(message string) *AppError {
	return New(CondForbidden, message, http.StatusForbidden)
}

func NewConflict(message string) *AppError {
	return New(CondConflict, message, http.StatusConflict)
}

func NewNotReady(message string) *AppError {
	return New(CondNotReady, message, http.StatusConflict)
}

func NewCapabilityMismatch(message string) *AppError {
	return New(CondCapabilityMismatch, message, http.StatusConflict)
}

func NewTimeout(message string) *AppError {
	return New(CondTimeout, message, http.StatusGatewayTimeout)
}

func NewTransientPublish(err error, message string) *AppError {
	return Wrap(err, CondTransientPublish, message, http.StatusBadGateway)
}

func NewFatalRender(err error, message string) *AppError {
	return Wrap(err, CondFatalRender, message, http.StatusInternalServerError)
}

func NewInternal(message string) *AppError {
	return New(CondInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts an AppError from the error chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// ConditionOf reports the condition of an error, or CondInternal when the
// error carries none.
func ConditionOf(err error) Condition {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Condition
	}
	return CondInternal
}
