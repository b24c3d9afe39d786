// Package apperror normalizes errors raised anywhere in the pipeline into a
// small taxonomy (kind + retryability) that callers can branch on without
// depending on a specific adapter's error type.
package apperror

import "errors"

// Kind classifies the cause of a failure.
type Kind string

const (
	KindInputInvalid      Kind = "input_invalid"
	KindExternalTransient Kind = "external_transient"
	KindExternalPermanent Kind = "external_permanent"
	KindLogic             Kind = "logic"
	KindCapacity          Kind = "capacity"
)

// Error wraps an underlying cause with a Kind and whether retrying the same
// operation could plausibly succeed.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the same operation might succeed if retried.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindExternalTransient, KindCapacity:
		return true
	default:
		return false
	}
}

// New builds an *Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Retryable reports whether err (or any error it wraps) is retryable. Errors
// that are not *Error are treated as non-retryable.
func Retryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindLogic if err is not an
// *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindLogic
}
