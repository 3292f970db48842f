// Package apperr defines the error kinds shared by the memory subsystem.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify a failure.
var (
	ErrNotFound         = errors.New("not found")
	ErrTransient        = errors.New("collaborator unavailable")
	ErrMalformedContent = errors.New("malformed content")
	ErrConfiguration    = errors.New("configuration error")
	ErrInvalidInput     = errors.New("invalid input")
)

// Error carries the operation and subject of a classified failure.
type Error struct {
	Op      string // operation name
	Kind    error  // one of the Err* kinds
	Subject string // id or path involved, optional
	Err     error  // underlying error, optional
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Subject != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Subject)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind as well as anything in the wrapped chain.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// NotFound reports a missing thread, message or index.
func NotFound(op, subject string) error {
	return &Error{Op: op, Kind: ErrNotFound, Subject: subject}
}

// Transient wraps a failure of an external collaborator.
func Transient(op string, err error) error {
	return &Error{Op: op, Kind: ErrTransient, Err: err}
}

// Invalid reports input rejected at a boundary.
func Invalid(op, reason string) error {
	return &Error{Op: op, Kind: ErrInvalidInput, Err: errors.New(reason)}
}

// Configuration reports a fatal startup problem.
func Configuration(format string, args ...any) error {
	return &Error{Op: "config", Kind: ErrConfiguration, Err: fmt.Errorf(format, args...)}
}

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsTransient(err error) bool     { return errors.Is(err, ErrTransient) }
func IsInvalid(err error) bool       { return errors.Is(err, ErrInvalidInput) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
