package transfermux

import (
	"net/netip"
	"time"
)

// BadSocket is returned by an OpenSocketFunc that failed to open a socket.
const BadSocket = -1

const (
	// PollNone indicates the socket should not be watched, for now.
	PollNone Poll = 0
	// PollIn requests a wait for read readiness.
	PollIn Poll = 1
	// PollOut requests a wait for write readiness.
	PollOut Poll = 2
	// PollRemove indicates the engine is done with the socket, for now.
	PollRemove Poll = 4

	// PollInOut requests waits for both read and write readiness.
	PollInOut = PollIn | PollOut
)

const (
	// ActionNone indicates no specific socket, e.g. a timeout.
	ActionNone Action = 0
	// ActionIn indicates the socket is readable.
	ActionIn Action = 1
	// ActionOut indicates the socket is writable.
	ActionOut Action = 2
	// ActionErr indicates waiting on the socket failed.
	ActionErr Action = 4
)

const (
	// PurposeConnect is a socket that will be connected to a peer.
	PurposeConnect Purpose = iota
	// PurposeAccept is a socket that will accept a connection.
	PurposeAccept
)

type (
	// Transfer is a single, engine-driven, data exchange. Implementations
	// must be comparable, and are identified by their interface value,
	// meaning they should typically be pointer types.
	//
	// A Transfer must not be modified by the caller, between submission and
	// the invocation of its completion handler.
	Transfer interface {
		// SetSocketHooks installs the functions the engine must use to open
		// and close this transfer's sockets.
		SetSocketHooks(hooks SocketHooks) error
	}

	// SocketHooks are installed on each Transfer, on submission.
	SocketHooks struct {
		Open  OpenSocketFunc
		Close CloseSocketFunc
	}

	// OpenSocketFunc opens a non-blocking socket suitable for addr,
	// returning its descriptor, or BadSocket.
	OpenSocketFunc func(purpose Purpose, addr SocketAddress) int

	// CloseSocketFunc closes a socket opened by an OpenSocketFunc. Closing
	// a descriptor that is not (or no longer) open is not an error.
	CloseSocketFunc func(fd int) error

	// SocketFunc declares the readiness the engine wants to be notified of,
	// for the given socket, which was opened on behalf of t.
	SocketFunc func(t Transfer, fd int, what Poll) error

	// TimerFunc requests that Engine.Timeout be called after the given
	// duration. A negative timeout cancels any such request.
	TimerFunc func(timeout time.Duration) error

	// CompletionFunc receives the outcome of a transfer, exactly once.
	CompletionFunc func(err error)

	// Completion is a notification that a transfer has finished. Err is nil
	// on success.
	Completion struct {
		Transfer Transfer
		Err      error
	}

	// Engine is a non-blocking transfer multiplexing engine.
	//
	// Engines are never called concurrently. They must only call the
	// SocketFunc, TimerFunc, and each transfer's SocketHooks, synchronously,
	// from within one of their methods.
	Engine interface {
		// SetSocketFunc sets the socket interest callback.
		SetSocketFunc(fn SocketFunc)

		// SetTimerFunc sets the timer callback.
		SetTimerFunc(fn TimerFunc)

		// Add starts driving t.
		Add(t Transfer) error

		// Remove stops driving t, which may be incomplete.
		Remove(t Transfer) error

		// SocketAction notifies the engine of readiness (or failure) for
		// fd. Completed transfers are reported via Completed.
		SocketAction(fd int, events Action) error

		// Timeout notifies the engine that the requested timer expired.
		Timeout() error

		// Completed drains the transfers that have finished, since the
		// last call.
		Completed() []Completion

		// Close releases the engine. It will not be called while
		// transfers remain added.
		Close() error
	}

	// EngineFactory creates an Engine per Multi.
	EngineFactory interface {
		NewEngine() (Engine, error)
	}

	// Global may be implemented by an EngineFactory that requires
	// process-wide initialization. Init is called before the first Multi
	// using it is created, and Cleanup after the last is closed. The
	// implementation must be comparable.
	Global interface {
		Init() error
		Cleanup()
	}

	// Poll is the readiness an engine wants to be notified of.
	Poll uint8

	// Action is a bit set describing socket readiness, passed to
	// Engine.SocketAction.
	Action uint8

	// Purpose is the reason a socket is being opened.
	Purpose uint8

	// SocketAddress describes the socket an engine is requesting. Family,
	// Type, and Protocol are as accepted by socket(2).
	SocketAddress struct {
		Addr     netip.AddrPort
		Family   int
		Type     int
		Protocol int
	}
)

// String implements fmt.Stringer.
func (x Poll) String() string {
	switch x {
	case PollNone:
		return `none`
	case PollIn:
		return `in`
	case PollOut:
		return `out`
	case PollInOut:
		return `inout`
	case PollRemove:
		return `remove`
	default:
		return `invalid`
	}
}

// String implements fmt.Stringer.
func (x Action) String() string {
	if x == ActionNone {
		return `none`
	}
	var b []byte
	for _, v := range [...]struct {
		bit  Action
		name string
	}{
		{ActionIn, `in`},
		{ActionOut, `out`},
		{ActionErr, `err`},
	} {
		if x&v.bit == 0 {
			continue
		}
		if len(b) != 0 {
			b = append(b, '|')
		}
		b = append(b, v.name...)
	}
	if x&^(ActionIn|ActionOut|ActionErr) != 0 {
		return `invalid`
	}
	return string(b)
}
