// Package apperr defines the error kinds shared by the stores, the REST handlers
// and the socket protocol.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("store unavailable")
)

// Validation returns an ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Forbidden returns an ErrForbidden with a formatted reason.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing entity.
func NotFound(entity string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, entity)
}

// Conflict returns an ErrConflict with a formatted reason.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Transient wraps a persistence failure so callers can tell it apart from
// domain errors.
func Transient(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrTransient, op, err)
}

// HTTPStatus maps an error to the status code the REST layer responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code maps an error to the machine readable code sent over the socket.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	default:
		return "internal"
	}
}

// Public returns the message safe to show a client. Internal and transient
// failures never leak driver details.
func Public(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConflict):
		return err.Error()
	case errors.Is(err, ErrForbidden):
		return "access denied"
	case errors.Is(err, ErrNotFound):
		return err.Error()
	case errors.Is(err, ErrTransient):
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}
