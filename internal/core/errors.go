package core

import (
	"errors"
	"fmt"
)

// Error kinds at I/O boundaries. Every storage, cache and LLM failure is
// wrapped in exactly one of these so callers branch on kind, not message.
var (
	// ErrValidation marks bad input. Never retried, surfaced as 4xx.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks a dependency timeout or saturation. Retryable with
	// backoff up to bounded attempts.
	ErrTransient = errors.New("transient dependency error")

	// ErrPermanent marks auth failures, schema mismatches and other errors
	// retrying cannot fix.
	ErrPermanent = errors.New("permanent dependency error")

	// ErrInvariant marks a violated core invariant (e.g. negative counter).
	ErrInvariant = errors.New("invariant violation")
)

// ValidationError carries the offending field for the 400 response body.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q: %s", e.Field, e.Msg)
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalidf builds a ValidationError for the given field.
func Invalidf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Transientf wraps a dependency error as retriable.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Permanentf wraps a dependency error as non-retriable.
func Permanentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// Invariantf wraps an invariant violation.
func Invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
