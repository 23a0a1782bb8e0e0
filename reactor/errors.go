package reactor

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrOperationAborted is the outcome of any wait that was canceled, or
	// superseded by a rearm, before it completed.
	ErrOperationAborted = errors.New("reactor: operation aborted")

	// ErrClosed is returned when work is posted to, or a resource is
	// requested from, a closed reactor or executor.
	ErrClosed = errors.New("reactor: closed")

	// ErrWaitPending is the outcome of a wait that was started while another
	// wait, for the same direction, was still outstanding.
	ErrWaitPending = errors.New("reactor: wait already pending")

	// ErrBadDescriptor is the outcome of a wait on a closed socket.
	ErrBadDescriptor = errors.New("reactor: bad descriptor")

	// ErrUnsupportedPlatform is returned by New on platforms without a
	// readiness poller implementation.
	ErrUnsupportedPlatform = errors.New("reactor: platform not supported")
)

// PanicError wraps a value recovered from a panicking handler or task.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("reactor: panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
