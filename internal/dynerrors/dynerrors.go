// Package dynerrors classifies engine failures into the three kinds
// spec.md §7 distinguishes — configuration, resolution, and action
// failure — so callers can branch on kind with errors.Is instead of
// matching message strings. Wrapping is done with go-errors/errors,
// adapted from gruntwork-io/terragrunt's internal/errors package, so
// every wrapped error carries a stack trace captured at the point of
// failure.
package dynerrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Sentinel kinds, matched with errors.Is against the return of Wrap.
var (
	// ErrConfiguration marks a fatal, build-aborting setup error: an
	// ambiguous rule, an unknown parameter, an unparsable config value, or
	// a step whose output patterns disagree on their capturing names.
	ErrConfiguration = goerrors.New("configuration error")

	// ErrResolution marks a failure to resolve a required path to a step
	// or source file, or a cyclic require.
	ErrResolution = goerrors.New("resolution error")

	// ErrAction marks a failed external command or a missing mandatory
	// output after the NFS wait.
	ErrAction = goerrors.New("action failure")
)

// wrapped pairs a sentinel kind with a causing error so that both
// errors.Is(err, ErrConfiguration) and errors.Unwrap(err) work.
type wrapped struct {
	kind  error
	cause error
	msg   string
}

func (w *wrapped) Error() string {
	if w.cause == nil {
		return w.msg
	}
	return fmt.Sprintf("%s: %s", w.msg, w.cause.Error())
}

func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) Is(target error) bool { return target == w.kind }

// Wrap annotates cause with a formatted message and classifies it under
// kind (one of the sentinels above). cause may be nil, in which case Wrap
// produces a fresh error of the given kind. The stack trace is captured
// here, one frame above the caller, exactly like terragrunt's
// WithStackTraceAndPrefix.
func Wrap(kind error, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var traced error
	if cause != nil {
		traced = goerrors.WrapPrefix(cause, msg, 1)
	} else {
		traced = goerrors.Wrap(msg, 1)
	}
	return &wrapped{kind: kind, cause: traced, msg: msg}
}

// Configuration is shorthand for Wrap(ErrConfiguration, cause, format, args...).
func Configuration(cause error, format string, args ...any) error {
	return Wrap(ErrConfiguration, cause, format, args...)
}

// Resolution is shorthand for Wrap(ErrResolution, cause, format, args...).
func Resolution(cause error, format string, args ...any) error {
	return Wrap(ErrResolution, cause, format, args...)
}

// Action is shorthand for Wrap(ErrAction, cause, format, args...).
func Action(cause error, format string, args ...any) error {
	return Wrap(ErrAction, cause, format, args...)
}
