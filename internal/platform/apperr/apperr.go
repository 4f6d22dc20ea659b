// Package apperr defines the error taxonomy shared by the domain services.
// Every error a service returns to its caller is either one of these kinds or
// an unexpected infrastructure failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Sentinel values for errors.Is matching.
var (
	ErrValidation = errors.New("validation error")
	ErrReference  = errors.New("reference error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrIntegrity  = errors.New("persistence integrity error")
)

// Error carries a kind sentinel, a caller-facing message and an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Is reports a match against the kind sentinel so errors.Is(err, ErrConflict)
// works through any number of %w wraps.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) error {
	return newf(ErrValidation, format, args...)
}

func Reference(format string, args ...interface{}) error {
	return newf(ErrReference, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newf(ErrNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newf(ErrConflict, format, args...)
}

func Forbidden(format string, args ...interface{}) error {
	return newf(ErrForbidden, format, args...)
}

// Integrity wraps a storage failure that violated a database-level guarantee.
func Integrity(msg string, cause error) error {
	return &Error{Kind: ErrIntegrity, Msg: msg, Err: cause}
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrReference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP converts a service error into an echo.HTTPError. Unclassified errors
// are reported without their internal detail.
func ToHTTP(err error) *echo.HTTPError {
	code := HTTPStatus(err)
	if code == http.StatusInternalServerError {
		var ae *Error
		if errors.As(err, &ae) {
			return echo.NewHTTPError(code, ae.Msg).SetInternal(err)
		}
		return echo.NewHTTPError(code, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}
