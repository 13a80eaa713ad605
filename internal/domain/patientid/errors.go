package patientid

import (
	"errors"
	"fmt"
)

var (
	// ErrCollision means the double-check found the candidate already taken.
	// It is retried internally and only visible through logs and metrics.
	ErrCollision = errors.New("patient id collision")

	// ErrExhaustedRetries means every attempt produced a taken candidate.
	ErrExhaustedRetries = errors.New("patient id allocation exhausted retries")

	// ErrInvalidInitials means the clinic name does not yield 2-3 letters.
	ErrInvalidInitials = errors.New("clinic name does not yield valid initials")

	// ErrSequenceOverflow means the next counter no longer fits its width.
	ErrSequenceOverflow = errors.New("patient id sequence overflow")

	// ErrSequenceUnsupported is returned by a SequenceSource whose backing
	// store does not provide a sequence routine.
	ErrSequenceUnsupported = errors.New("store sequence not supported")

	// ErrUnknownPolicy is returned for an unrecognised policy name.
	ErrUnknownPolicy = errors.New("unknown patient id policy")
)

// StoreError wraps a failure of the underlying store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("patient id store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// MalformedIdentifierError reports a stored identifier that cannot be decoded.
type MalformedIdentifierError struct {
	Value  string
	Policy Policy
}

func (e *MalformedIdentifierError) Error() string {
	if e.Policy != "" {
		return fmt.Sprintf("malformed %s patient id %q", e.Policy, e.Value)
	}
	return fmt.Sprintf("malformed patient id %q", e.Value)
}

// IsAllocationFailure reports whether err is one of the hard failures that
// should be surfaced to the user as "could not generate a patient ID".
func IsAllocationFailure(err error) bool {
	var se *StoreError
	var me *MalformedIdentifierError
	return errors.Is(err, ErrExhaustedRetries) ||
		errors.Is(err, ErrSequenceOverflow) ||
		errors.As(err, &se) ||
		errors.As(err, &me)
}
