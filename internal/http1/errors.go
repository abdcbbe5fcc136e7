package http1

import (
	"errors"
	"fmt"
)

// ErrBodyTooLarge is returned by ParseBody once the body is known to exceed
// the limit set with SetBodyLimit.
var ErrBodyTooLarge = errors.New("request body exceeds the configured limit")

// ProtocolError is a framing problem that maps to a 4xx/5xx status. The
// connection cannot be resynchronized after one.
type ProtocolError struct {
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("http1: %s (status %d)", e.Message, e.Status)
}

func protoErr(status int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// StatusOf returns the status code an error should be answered with.
func StatusOf(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Status
	}
	if errors.Is(err, ErrBodyTooLarge) {
		return 413
	}
	return 400
}
