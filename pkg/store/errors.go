package store

import "errors"

// TransientError marks a failure that may clear on its own: append
// visibility lag, a connection blip, an open circuit breaker. Retry
// paths only act on errors carrying this marker.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient store error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure retrying cannot fix: a constraint or
// schema violation, malformed SQL.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal store error: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Passes nil through; an error
// already carrying the marker is returned unchanged.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Err: err}
}

// IsTransient reports whether err carries the retryable marker anywhere
// in its chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err carries the non-retryable marker.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
