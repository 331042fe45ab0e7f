// Package errors provides application error types with stable kinds and
// HTTP status mappings for the coordinator API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure with a stable wire representation.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindSessionTerminal     Kind = "session_terminal"
	KindNotFinished         Kind = "not_finished"
	KindAlreadyTerminal     Kind = "already_terminal"
	KindUnknownRunner       Kind = "unknown_runner"
	KindInvalidConfig       Kind = "invalid_config"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindExecutorSpawnFailed Kind = "executor_spawn_failed"
	KindExecutorCrashed     Kind = "executor_crashed"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal"
)

// httpStatus maps each kind to its HTTP status code.
var httpStatus = map[Kind]int{
	KindInvalidInput:        http.StatusBadRequest,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindSessionTerminal:     http.StatusConflict,
	KindNotFinished:         http.StatusConflict,
	KindAlreadyTerminal:     http.StatusConflict,
	KindUnknownRunner:       http.StatusNotFound,
	KindInvalidConfig:       http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindExecutorSpawnFailed: http.StatusInternalServerError,
	KindExecutorCrashed:     http.StatusInternalServerError,
	KindTimeout:             http.StatusGatewayTimeout,
	KindInternal:            http.StatusInternalServerError,
}

// AppError is an error with a kind, human-readable message, and optional
// structured details. It marshals directly as the JSON error body.
type AppError struct {
	Kind       Kind     `json:"error"`
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
	HTTPStatus int      `json:"-"`
	cause      error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is reports whether target is an AppError of the same kind.
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if errors.As(target, &appErr) {
		return e.Kind == appErr.Kind
	}
	return false
}

// New creates an AppError of the given kind.
func New(kind Kind, format string, args ...interface{}) *AppError {
	status, ok := httpStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &AppError{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
	}
}

// Wrap wraps err in an AppError. If err already is an AppError its kind and
// status are preserved and only the message is prefixed.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:       appErr.Kind,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Details:    appErr.Details,
			HTTPStatus: appErr.HTTPStatus,
			cause:      err,
		}
	}
	return &AppError{
		Kind:       KindInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		cause:      err,
	}
}

// UpstreamUnavailable wraps a transport failure reaching the coordinator.
func UpstreamUnavailable(err error, format string, args ...interface{}) *AppError {
	e := New(KindUpstreamUnavailable, format, args...)
	e.cause = err
	return e
}

// WithDetails attaches detail strings (e.g. missing config keys) to the error.
func (e *AppError) WithDetails(details ...string) *AppError {
	e.Details = append(e.Details, details...)
	return e
}

// KindOf returns the kind of err, or KindInternal for non-app errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// AsAppError converts any error into an *AppError, wrapping unknown errors
// as internal failures so handlers always have a status to write.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Kind:       KindInternal,
		Message:    err.Error(),
		HTTPStatus: http.StatusInternalServerError,
		cause:      err,
	}
}

// Convenience constructors for the common kinds.

// InvalidInput reports a request validation failure.
func InvalidInput(format string, args ...interface{}) *AppError {
	return New(KindInvalidInput, format, args...)
}

// NotFound reports a missing entity.
func NotFound(format string, args ...interface{}) *AppError {
	return New(KindNotFound, format, args...)
}

// Conflict reports a write-once violation or already-terminal write.
func Conflict(format string, args ...interface{}) *AppError {
	return New(KindConflict, format, args...)
}

// SessionTerminal reports an event append against a finished session.
func SessionTerminal(sessionID string) *AppError {
	return New(KindSessionTerminal, "session %s is terminal", sessionID)
}

// NotFinished reports a result read against a session with no terminal event.
func NotFinished(sessionID string) *AppError {
	return New(KindNotFinished, "session %s has no result yet", sessionID)
}

// AlreadyTerminal reports a status report against an already-terminal run.
func AlreadyTerminal(runID string) *AppError {
	return New(KindAlreadyTerminal, "run %s is already terminal", runID)
}

// UnknownRunner reports an operation referencing an unregistered runner.
func UnknownRunner(runnerID string) *AppError {
	return New(KindUnknownRunner, "unknown runner %s", runnerID)
}

// InvalidConfig reports unresolved required configuration.
func InvalidConfig(format string, args ...interface{}) *AppError {
	return New(KindInvalidConfig, format, args...)
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(format string, args ...interface{}) *AppError {
	return New(KindUnauthorized, format, args...)
}

// Forbidden reports a valid credential without access.
func Forbidden(format string, args ...interface{}) *AppError {
	return New(KindForbidden, format, args...)
}
