package indicators

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAlgorithm is returned when an indicator type is not registered.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")

	// ErrInsufficientData is returned when a series holds no computable values.
	ErrInsufficientData = errors.New("insufficient data")
)

// InvalidParameterError reports a parameter that failed its type, range, or
// enum check. Callers match it with errors.As.
type InvalidParameterError struct {
	Name   string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Name, e.Reason)
}

func invalidParam(name, format string, args ...interface{}) error {
	return &InvalidParameterError{Name: name, Reason: fmt.Sprintf(format, args...)}
}
