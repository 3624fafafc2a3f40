// Package errs defines the error taxonomy shared by every layer of the
// engine. Callers match categories with errors.Is and pull out the affected
// path with errors.As on *Error.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a policy violation, such as a password that is
	// too weak to protect anything.
	ErrValidation = errors.New("validation failed")

	// ErrAuthentication marks a wrong password or an unreadable key file.
	ErrAuthentication = errors.New("authentication failed")

	// ErrIntegrity marks an authentication-tag mismatch or a failed
	// round-trip verification. It means the data is corrupted or has been
	// tampered with, not that a transient fault occurred.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrResource marks insufficient disk space or memory, detected either
	// in preflight or mid-run.
	ErrResource = errors.New("insufficient resources")

	// ErrIO marks a generic filesystem failure.
	ErrIO = errors.New("i/o failure")

	// ErrCancelled is the cooperative-abort outcome. It is not a failure.
	ErrCancelled = errors.New("operation cancelled")
)

// Error attaches a category and the affected path to an underlying cause.
type Error struct {
	Kind error  // one of the sentinel values above
	Path string // affected filesystem path, may be empty
	Msg  string // human-readable explanation
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := e.Msg
	if e.Path != "" {
		s = fmt.Sprintf("%s: %s", e.Path, s)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

// Unwrap reports both the category sentinel and the cause, so that
// errors.Is(err, ErrIntegrity) and errors.Is(err, os.ErrNotExist) can both
// hold for the same error.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds a categorized error for path with a human-readable message.
func New(kind error, path, msg string) *Error {
	return &Error{Kind: kind, Path: path, Msg: msg}
}

// Wrap builds a categorized error around an underlying cause.
func Wrap(kind error, path, msg string, err error) *Error {
	return &Error{Kind: kind, Path: path, Msg: msg, Err: err}
}

// Kind extracts the taxonomy sentinel from err, or nil if err carries none.
func Kind(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// PathOf extracts the affected path from err, or "" if none is recorded.
func PathOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Path
	}
	return ""
}
