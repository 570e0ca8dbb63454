package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures crossing the core's boundary. Each kind maps
// to exactly one HTTP status at the handler layer.
type ErrorKind string

const (
	ErrKindRequestValidation   ErrorKind = "request_validation"
	ErrKindNotFound            ErrorKind = "not_found"
	ErrKindAuthorization       ErrorKind = "authorization"
	ErrKindConflict            ErrorKind = "conflict"
	ErrKindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrKindUnsupported         ErrorKind = "unsupported"
	ErrKindServer              ErrorKind = "server"
)

// AppError carries an error kind through the core so handlers can map it to
// a status code without string matching.
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to its boundary status code.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case ErrKindRequestValidation:
		return http.StatusBadRequest
	case ErrKindNotFound:
		return http.StatusNotFound
	case ErrKindAuthorization:
		return http.StatusForbidden
	case ErrKindConflict:
		return http.StatusConflict
	case ErrKindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case ErrKindUnsupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates an AppError with the given kind and message.
func NewError(kind ErrorKind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, err error, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, defaulting to server errors for plain
// errors from the database or object store.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ErrKindServer
}

// StatusOf returns the HTTP status for any error.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
