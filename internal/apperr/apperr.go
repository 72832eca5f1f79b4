// Package apperr defines the error kinds shared by services and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrConfirmationRequired = errors.New("confirmation required")
)

// Error carries a kind (one of the sentinels above), a user-facing message and
// optional structured details.
type Error struct {
	Kind    error
	Msg     string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

func New(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// DetailsOf returns the details attached to err, if any.
func DetailsOf(err error) map[string]any {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Details
	}
	return nil
}

// RequireConfirmation is the guard every destructive transition runs first.
func RequireConfirmation(confirmed bool, action string) error {
	if confirmed {
		return nil
	}
	return Newf(ErrConfirmationRequired, "%s requires confirmation", action)
}
