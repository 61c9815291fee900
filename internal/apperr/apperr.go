// Package apperr defines the error taxonomy shared by every deltaruntime
// component.
//
// Errors carry a Kind sentinel so callers can branch with errors.Is, while
// the underlying cause keeps its stack (via github.com/pkg/errors) for debug
// logging with %+v.
package apperr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrValidation indicates the current provenance of a path does not
	// satisfy an operation's precondition, or an argument is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a profile, path or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIO indicates an underlying filesystem or database failure.
	ErrIO = errors.New("i/o error")

	// ErrIntegrity indicates stored blob bytes do not hash to their key.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrConflict indicates a build is already in flight for a profile.
	ErrConflict = errors.New("conflict")
)

// Error is a classified error.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Format prints the cause's stack trace with %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Err != nil {
		fmt.Fprintf(s, "%s: %s\n%+v", e.Kind, e.Msg, e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

func newError(kind error, cause error, format string, args ...any) error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	if cause != nil {
		e.Err = pkgerrors.WithStack(cause)
	}
	return e
}

// Validation returns an ErrValidation error.
func Validation(format string, args ...any) error {
	return newError(ErrValidation, nil, format, args...)
}

// NotFound returns an ErrNotFound error.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, nil, format, args...)
}

// Conflict returns an ErrConflict error.
func Conflict(format string, args ...any) error {
	return newError(ErrConflict, nil, format, args...)
}

// Integrity returns an ErrIntegrity error.
func Integrity(format string, args ...any) error {
	return newError(ErrIntegrity, nil, format, args...)
}

// IO wraps a filesystem or database failure. A nil cause yields nil.
// Causes that are already classified are returned unchanged.
func IO(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	var classified *Error
	if errors.As(cause, &classified) {
		return cause
	}
	return newError(ErrIO, cause, format, args...)
}

// KindOf returns the sentinel kind of err, or nil if err is unclassified.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrIO, ErrIntegrity, ErrConflict} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
