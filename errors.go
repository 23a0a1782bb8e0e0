package transfermux

import (
	"errors"

	"github.com/joeycumines/go-transfermux/reactor"
)

// Standard errors.
var (
	// ErrAborted is the outcome of a transfer that was canceled, including
	// by Multi.Close. It is the same value as reactor.ErrOperationAborted.
	ErrAborted = reactor.ErrOperationAborted

	// ErrClosed is the outcome of a transfer submitted to a closed Multi.
	ErrClosed = errors.New("transfermux: multi closed")

	// ErrUnknownSocket is returned to an engine requesting readiness for a
	// descriptor that was not opened through the transfer's SocketHooks.
	ErrUnknownSocket = errors.New("transfermux: unknown socket")

	// ErrInvalidTransfer is the outcome of submitting a nil transfer.
	ErrInvalidTransfer = errors.New("transfermux: invalid transfer")

	// ErrAlreadyPending is the outcome of submitting a transfer that is
	// still pending, i.e. it has not yet completed.
	ErrAlreadyPending = errors.New("transfermux: transfer already pending")
)

// EngineError is an error reported by the engine, or one of the transfer's
// methods, wrapped with the operation that failed.
type EngineError struct {
	Err error
	// Op is one of "init", "sethooks", "add", "transfer", or "close".
	Op string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err == nil {
		return "transfermux: engine " + e.Op + " failed"
	}
	return "transfermux: engine " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// engineError wraps err, unless it is nil, or it already represents an
// abort, or an EngineError.
func engineError(op string, err error) error {
	if err == nil || errors.Is(err, ErrAborted) {
		return err
	}
	if _, ok := err.(*EngineError); ok {
		return err
	}
	return &EngineError{Op: op, Err: err}
}

// cancelOutcome returns the outcome delivered to canceled transfers.
func cancelOutcome(cause error) error {
	if cause == nil {
		return ErrAborted
	}
	return cause
}
