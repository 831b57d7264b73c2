package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotRunning is returned when no worker is attached to the channel.
	ErrNotRunning = errors.New("worker not running")
	// ErrWorkerCrashed fails every outstanding call when the worker exits abnormally.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrClosed fails every outstanding call on an intentional shutdown.
	ErrClosed = errors.New("worker channel closed")
)

// TransportError means the request never reached the worker.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc %s: transport: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError means no matching response arrived within the call's deadline.
type TimeoutError struct {
	Method string
	ID     uint64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc %s (id %d): no response after %s", e.Method, e.ID, e.After)
}

// RemoteError is the error object returned by the worker. Its message is
// surfaced verbatim.
type RemoteError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

// outcome maps a call error to a metrics label.
func outcome(err error) string {
	var (
		remote  *RemoteError
		timeout *TimeoutError
		trans   *TransportError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &trans):
		return "transport"
	case errors.Is(err, ErrWorkerCrashed):
		return "crashed"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
