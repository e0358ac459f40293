package hypapi

import (
	"errors"
	"fmt"
)

// ErrStop can be returned from a SearchAll row callback to end the
// iteration early without surfacing an error.
var ErrStop = errors.New("stop iteration")

// UsageError marks a programmer error in how the API was driven. It is
// never retried or recovered.
type UsageError struct {
	Msg string
}

func (e UsageError) Error() string { return "usage: " + e.Msg }

// NotOkError is an HTTP non-2xx response from the API.
type NotOkError struct {
	Status int
	Reason string
	Body   string
}

func (e NotOkError) Error() string {
	return fmt.Sprintf("response was not ok: %d %s %s", e.Status, e.Reason, e.Body)
}

// TransportError is a TLS-level failure that persisted through every
// retry. Cause is the last underlying error.
type TransportError struct {
	Attempts int
	Cause    error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e TransportError) Unwrap() error { return e.Cause }
