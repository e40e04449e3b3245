package work

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResult means the upstream has nothing left for the subject.
	// It is a terminal UI state, not a failure.
	ErrEmptyResult = errors.New("no items available")

	ErrNoCurrentItem     = errors.New("no current item")
	ErrComparisonPending = errors.New("comparison must be resolved first")
	ErrNoComparison      = errors.New("no comparison in progress")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrWrongMode         = errors.New("operation not available in this mode")
	ErrNoSubject         = errors.New("no subject selected")
	ErrSubmitting        = errors.New("submission already in progress")
)

// ValidationError is a client-side check that failed before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientFetchError wraps a failed buffer refill. The buffer is left as-is.
type TransientFetchError struct {
	Subject Subject
	Err     error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Subject.Key(), e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// SubmissionError wraps a failed decision, vote or contribution POST.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSubmission reports whether err is (or wraps) a SubmissionError.
func IsSubmission(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// IsTransientFetch reports whether err is (or wraps) a TransientFetchError.
func IsTransientFetch(err error) bool {
	var fe *TransientFetchError
	return errors.As(err, &fe)
}
