package booking

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrDuplicateSubmission = errors.New("a booking is already in flight for this session")
	ErrSessionFinished     = errors.New("session already finished; start a new session to book again")
	ErrSessionActive       = errors.New("cannot start a new session while a booking is in flight")
	ErrDriverUnavailable   = errors.New("driver is not available for immediate rides")
)

// ValidationError is recovered locally: the session returns to Idle,
// the message is shown to the rider, and no network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
