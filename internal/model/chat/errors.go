package chat

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers wrap these with context via
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrUpstream   = errors.New("upstream failure")
	ErrTimeout    = errors.New("deadline exceeded")
)

// ErrSessionNotFound is the not-found error for an unknown session id.
var ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)

// ErrAlreadyAssigned is returned to the losers of an assignment race.
var ErrAlreadyAssigned = fmt.Errorf("%w: already assigned", ErrConflict)

// Validationf builds a validation error with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflictf builds a conflict error with a formatted reason.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
