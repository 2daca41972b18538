package models

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrNoCapacity   = errors.New("no capacity available")
	ErrConflict     = errors.New("optimistic concurrency conflict")
	ErrLockTimeout  = errors.New("lock acquisition timed out")
	ErrValidation   = errors.New("validation failed")
)

// Retryable reports whether a failed operation may succeed if attempted
// again later. NotFound and InvalidState are terminal for a job.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidState), errors.Is(err, ErrValidation):
		return false
	default:
		return true
	}
}
