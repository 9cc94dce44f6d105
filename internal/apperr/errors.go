// Package apperr defines the error kinds surfaced by the resolver and the
// fetch-and-extract pipeline. Callers test kinds with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrAmbiguousPayload     = errors.New("ambiguous payload")
	ErrTransport            = errors.New("transport error")
	ErrPathConflict         = errors.New("path conflict")
	ErrIncompleteExtraction = errors.New("incomplete extraction")
)

// Error pairs an error kind with a human-readable message.
type Error struct {
	Err     error
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind error, message string) *Error {
	return &Error{Err: kind, Message: message}
}

func Newf(kind error, format string, args ...any) *Error {
	return &Error{Err: kind, Message: fmt.Sprintf(format, args...)}
}

// Transport wraps an underlying network or stream failure so that both the
// transport kind and the original cause are reachable via errors.Is.
func Transport(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, fmt.Sprintf(format, args...), cause)
}

// ExitCode maps an error kind to the process exit code used by the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrValidation):
		return 2
	case errors.Is(err, ErrAmbiguousPayload):
		return 3
	case errors.Is(err, ErrTransport):
		return 4
	case errors.Is(err, ErrPathConflict):
		return 5
	case errors.Is(err, ErrIncompleteExtraction):
		return 6
	default:
		return 1
	}
}
