package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	// ErrConcurrencyConflict is returned when a write collides with a
	// concurrent writer on a unique ledger key. It is retried, never merged.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrPostCommit marks a failure raised after a write and its audit
	// records were committed. The write stands and must not be repeated.
	ErrPostCommit = errors.New("write committed, post-save processing failed")
)

// CompilationError reports that a schema snapshot could not be produced.
type CompilationError struct {
	Accessor string
	Err      error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile snapshot for %s: %v", e.Accessor, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// Invalid returns a validation error naming the offending input.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
