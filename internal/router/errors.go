package router

import (
	"errors"
	"fmt"
)

// RouteError is a routing or resolution failure together with the status the
// client is answered with.
type RouteError struct {
	Status  int
	Message string

	// Retryable is false for client errors such as a disallowed method;
	// repeating the same request cannot succeed.
	Retryable bool

	// Allow lists the permitted methods for a method-not-allowed error.
	Allow []string

	Err error
}

func (e *RouteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("route: %s (status %d): %v", e.Message, e.Status, e.Err)
	}
	return fmt.Sprintf("route: %s (status %d)", e.Message, e.Status)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a RouteError marked retryable.
func IsRetryable(err error) bool {
	var re *RouteError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// StatusOf returns the status carried by a RouteError, or 500.
func StatusOf(err error) int {
	var re *RouteError
	if errors.As(err, &re) {
		return re.Status
	}
	return 500
}
