package handlers

import "fmt"

// Handlers signal how a failure should be treated by wrapping their errors.
// Unwrapped errors default to transient and consume the retry budget.

// PermanentError marks a failure that retrying cannot fix: the task goes
// straight to failed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// ThrottlingError marks a rate-limit response from an external dependency.
// Retried like transient failures but with a longer backoff floor.
type ThrottlingError struct {
	Err error
}

func (e *ThrottlingError) Error() string { return fmt.Sprintf("throttled: %v", e.Err) }
func (e *ThrottlingError) Unwrap() error { return e.Err }

func Throttled(err error) error {
	if err == nil {
		return nil
	}
	return &ThrottlingError{Err: err}
}
