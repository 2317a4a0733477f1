// Package errors provides the structured error taxonomy shared by the
// control plane and node agent (spec §7).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
)

// ValidationDetail is one field-level validation failure.
type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// AppError is a structured application error with HTTP status and error code.
// It renders as a Problem-Details document (application/problem+json, §6).
type AppError struct {
	// Code is a machine-readable error code (e.g., "VM_NOT_FOUND").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int `json:"-"`

	// Retryable indicates whether retrying the request may succeed.
	Retryable bool `json:"-"`

	// RetryAfterSeconds, when non-zero, is surfaced as retry_after_seconds.
	RetryAfterSeconds int `json:"-"`

	// Details carries field-level validation failures.
	Details []ValidationDetail `json:"-"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ProblemDetails is the application/problem+json wire shape from spec §6.
type ProblemDetails struct {
	Type              string             `json:"type"`
	Title             string             `json:"title"`
	Status            int                `json:"status"`
	Detail            string             `json:"detail"`
	Code              string             `json:"code"`
	RequestID         string             `json:"request_id,omitempty"`
	Retryable         bool               `json:"retryable"`
	RetryAfterSeconds int                `json:"retry_after_seconds,omitempty"`
	Details           []ValidationDetail `json:"details,omitempty"`
}

// ToProblemDetails renders the error as a Problem-Details document.
func (e *AppError) ToProblemDetails(requestID string) ProblemDetails {
	return ProblemDetails{
		Type:              "https://errors.ghostplane.io/" + e.Code,
		Title:             http.StatusText(e.HTTPStatus),
		Status:            e.HTTPStatus,
		Detail:            e.Message,
		Code:              e.Code,
		RequestID:         requestID,
		Retryable:         e.Retryable,
		RetryAfterSeconds: e.RetryAfterSeconds,
		Details:           e.Details,
	}
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Common error constructors, one per spec §7 error kind.

// NotFound creates a 404 error ("NotFound" kind).
func NotFound(code, message string) *AppError {
	return New(code, message, http.StatusNotFound)
}

// BadRequest creates a 400 error.
func BadRequest(code, message string) *AppError {
	return New(code, message, http.StatusBadRequest)
}

// Validation creates a 400 error carrying field-level details ("Validation" kind).
func Validation(details []ValidationDetail) *AppError {
	return &AppError{
		Code:       CodeValidationFailed,
		Message:    "request validation failed",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// NotAuthenticated creates a 401 error ("NotAuthenticated" kind).
func NotAuthenticated(code, message string) *AppError {
	return New(code, message, http.StatusUnauthorized)
}

// Unauthorized is an alias of NotAuthenticated kept for call-site readability.
func Unauthorized(code, message string) *AppError {
	return NotAuthenticated(code, message)
}

// Forbidden creates a 403 error ("Forbidden" kind).
func Forbidden(code, message string) *AppError {
	return New(code, message, http.StatusForbidden)
}

// Conflict creates a 409 error ("Conflict" kind: optimistic concurrency,
// idempotency-key reuse, or unique-constraint collision).
func Conflict(code, message string) *AppError {
	return New(code, message, http.StatusConflict)
}

// QuotaExceeded creates a 429 error ("QuotaExceeded" kind) carrying the
// dimension/limit/usage/delta as validation-shaped details.
func QuotaExceeded(dimension string, limit, current, requested int64) *AppError {
	return &AppError{
		Code:       CodeQuotaExceeded,
		Message:    fmt.Sprintf("quota exceeded for %s: limit %d, current %d, requested %d", dimension, limit, current, requested),
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  false,
		Details: []ValidationDetail{
			{Field: "dimension", Message: dimension},
			{Field: "limit", Message: fmt.Sprint(limit)},
			{Field: "current", Message: fmt.Sprint(current)},
			{Field: "requested", Message: fmt.Sprint(requested)},
		},
	}
}

// ProjectionTimeout creates a 504 error ("ProjectionTimeout" kind).
func ProjectionTimeout(projection string, eventID int64) *AppError {
	return &AppError{
		Code:              CodeProjectionTimeout,
		Message:           fmt.Sprintf("timed out waiting for projection %q to reach event %d", projection, eventID),
		HTTPStatus:        http.StatusGatewayTimeout,
		Retryable:         true,
		RetryAfterSeconds: 2,
	}
}

// DependencyFailure creates a 5xx error ("DependencyFailure" kind) for
// registry/node/VM-API unavailability.
func DependencyFailure(code, message string) *AppError {
	return &AppError{
		Code:              code,
		Message:           message,
		HTTPStatus:        http.StatusBadGateway,
		Retryable:         true,
		RetryAfterSeconds: 5,
	}
}

// FatalSupervised creates a 500 error ("FatalSupervised" kind) for internal
// invariant violations.
func FatalSupervised(err error) *AppError {
	return &AppError{
		Code:       CodeInternalInvariant,
		Message:    "internal invariant violation",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Internal creates a 500 error.
func Internal(code, message string) *AppError {
	return New(code, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
