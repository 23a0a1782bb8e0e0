//go:build unix

package tcpengine

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/joeycumines/go-transfermux"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrTimeout is the outcome of a Request that exceeded its Timeout.
	ErrTimeout = errors.New("tcpengine: timeout")

	// ErrResponseTooLarge is the outcome of a Request whose response
	// exceeded Factory.MaxResponse.
	ErrResponseTooLarge = errors.New("tcpengine: response too large")

	// ErrOpenSocket is the outcome of a Request for which the open socket
	// hook failed.
	ErrOpenSocket = errors.New("tcpengine: could not open socket")

	// ErrUnsupportedTransfer is returned by Engine.Add for transfers that
	// are not a *Request.
	ErrUnsupportedTransfer = errors.New("tcpengine: unsupported transfer type")

	// ErrDuplicateTransfer is returned by Engine.Add for a Request that is
	// already added.
	ErrDuplicateTransfer = errors.New("tcpengine: transfer already added")

	// ErrUnknownTransfer is returned by Engine.Remove for a Request that is
	// not added.
	ErrUnknownTransfer = errors.New("tcpengine: unknown transfer")

	// ErrUnknownSocket is returned by Engine.SocketAction for descriptors
	// not owned by any Request.
	ErrUnknownSocket = errors.New("tcpengine: unknown socket")

	// ErrClosed is returned after Engine.Close.
	ErrClosed = errors.New("tcpengine: engine closed")
)

const readChunkSize = 4096

type (
	// Factory builds Engine instances, implementing transfermux.EngineFactory.
	Factory struct {
		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		// MaxResponse limits the response size, if positive.
		MaxResponse int
	}

	// Request is a transfermux.Transfer. Addr, Payload, and Timeout must be
	// set prior to submission. Response is populated as the transfer
	// progresses, and is complete once it succeeds.
	Request struct {
		hooks    transfermux.SocketHooks
		Addr     netip.AddrPort
		Payload  []byte
		Response []byte
		// Timeout is optional, and is measured from Engine.Add.
		Timeout time.Duration
	}

	// Engine is a transfermux.Engine. It is not safe for concurrent use.
	Engine struct {
		logger      *logiface.Logger[logiface.Event]
		socketFn    transfermux.SocketFunc
		timerFn     transfermux.TimerFunc
		transfers   map[*Request]*exchange
		sockets     map[int]*exchange
		completed   []transfermux.Completion
		timer       time.Duration // last requested, negative if none
		maxResponse int
		closed      bool
	}

	exchange struct {
		req      *Request
		deadline time.Time
		fd       int
		written  int
		phase    phase
	}

	phase uint8
)

const (
	// waiting to be started, by the next Timeout
	phaseInit phase = iota
	phaseConnecting
	phaseWriting
	phaseReading
	phaseDone
)

var (
	_ transfermux.EngineFactory = (*Factory)(nil)
	_ transfermux.Engine        = (*Engine)(nil)
	_ transfermux.Transfer      = (*Request)(nil)
)

// NewEngine implements transfermux.EngineFactory.
func (x *Factory) NewEngine() (transfermux.Engine, error) {
	return &Engine{
		logger:      x.Logger,
		transfers:   make(map[*Request]*exchange),
		sockets:     make(map[int]*exchange),
		timer:       -1,
		maxResponse: x.MaxResponse,
	}, nil
}

// SetSocketHooks implements transfermux.Transfer.
func (x *Request) SetSocketHooks(hooks transfermux.SocketHooks) error {
	if hooks.Open == nil || hooks.Close == nil {
		return errors.New(`tcpengine: incomplete socket hooks`)
	}
	x.hooks = hooks
	return nil
}

// SetSocketFunc implements transfermux.Engine.
func (x *Engine) SetSocketFunc(fn transfermux.SocketFunc) { x.socketFn = fn }

// SetTimerFunc implements transfermux.Engine.
func (x *Engine) SetTimerFunc(fn transfermux.TimerFunc) { x.timerFn = fn }

// Add implements transfermux.Engine. The exchange starts on the next call to
// Timeout, which is requested immediately.
func (x *Engine) Add(t transfermux.Transfer) error {
	if x.closed {
		return ErrClosed
	}
	req, ok := t.(*Request)
	if !ok || req == nil {
		return ErrUnsupportedTransfer
	}
	if _, ok := x.transfers[req]; ok {
		return ErrDuplicateTransfer
	}
	if !req.Addr.IsValid() {
		return fmt.Errorf(`tcpengine: invalid address: %s`, req.Addr)
	}
	if req.hooks.Open == nil {
		return errors.New(`tcpengine: socket hooks not set`)
	}

	ex := &exchange{req: req, fd: transfermux.BadSocket}
	if req.Timeout > 0 {
		ex.deadline = time.Now().Add(req.Timeout)
	}
	req.Response = req.Response[:0]
	x.transfers[req] = ex

	x.logger.Debug().
		Str(`addr`, req.Addr.String()).
		Log(`tcpengine: transfer added`)

	return x.updateTimer()
}

// Remove implements transfermux.Engine.
func (x *Engine) Remove(t transfermux.Transfer) error {
	req, _ := t.(*Request)
	ex := x.transfers[req]
	if ex == nil {
		return ErrUnknownTransfer
	}
	delete(x.transfers, req)
	x.closeSocket(ex)
	x.completed = deleteCompletion(x.completed, req)
	return x.updateTimer()
}

// SocketAction implements transfermux.Engine.
func (x *Engine) SocketAction(fd int, events transfermux.Action) error {
	if x.closed {
		return ErrClosed
	}
	ex := x.sockets[fd]
	if ex == nil {
		return ErrUnknownSocket
	}

	if events&transfermux.ActionErr != 0 {
		x.fail(ex, socketError(fd, errors.New(`tcpengine: socket wait failed`)))
		return x.updateTimer()
	}

	switch ex.phase {
	case phaseConnecting:
		if events&transfermux.ActionOut != 0 {
			x.connected(ex)
		}
	case phaseWriting:
		if events&transfermux.ActionOut != 0 {
			x.write(ex)
		}
	case phaseReading:
		if events&transfermux.ActionIn != 0 {
			x.read(ex)
		}
	}

	return x.updateTimer()
}

// Timeout implements transfermux.Engine.
func (x *Engine) Timeout() error {
	if x.closed {
		return ErrClosed
	}
	now := time.Now()
	for _, ex := range x.transfers {
		switch {
		case ex.phase == phaseDone:
		case !ex.deadline.IsZero() && !now.Before(ex.deadline):
			x.fail(ex, ErrTimeout)
		case ex.phase == phaseInit:
			x.start(ex)
		}
	}
	// the timer is one-shot
	x.timer = -1
	return x.updateTimer()
}

// Completed implements transfermux.Engine.
func (x *Engine) Completed() []transfermux.Completion {
	completed := x.completed
	x.completed = nil
	return completed
}

// Close implements transfermux.Engine.
func (x *Engine) Close() error {
	if x.closed {
		return ErrClosed
	}
	x.closed = true
	for req, ex := range x.transfers {
		delete(x.transfers, req)
		x.closeSocket(ex)
	}
	x.completed = nil
	if n := len(x.sockets); n != 0 {
		return fmt.Errorf(`tcpengine: %d sockets leaked`, n)
	}
	return nil
}

func (x *Engine) start(ex *exchange) {
	req := ex.req
	addr := transfermux.SocketAddress{
		Addr:   req.Addr,
		Family: unix.AF_INET,
		Type:   unix.SOCK_STREAM,
	}
	var sa unix.Sockaddr
	if ip := req.Addr.Addr(); ip.Is4() || ip.Is4In6() {
		sa = &unix.SockaddrInet4{Port: int(req.Addr.Port()), Addr: ip.Unmap().As4()}
	} else {
		addr.Family = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: int(req.Addr.Port()), Addr: ip.As16()}
	}

	fd := req.hooks.Open(transfermux.PurposeConnect, addr)
	if fd == transfermux.BadSocket {
		x.fail(ex, ErrOpenSocket)
		return
	}
	ex.fd = fd
	x.sockets[fd] = ex

	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		x.fail(ex, fmt.Errorf(`tcpengine: connect: %w`, err))
		return
	}

	ex.phase = phaseConnecting
	x.watch(ex, transfermux.PollOut)
}

func (x *Engine) connected(ex *exchange) {
	if err := socketError(ex.fd, nil); err != nil {
		x.fail(ex, fmt.Errorf(`tcpengine: connect: %w`, err))
		return
	}
	x.logger.Debug().
		Int(`fd`, ex.fd).
		Log(`tcpengine: connected`)
	ex.phase = phaseWriting
	x.write(ex)
}

func (x *Engine) write(ex *exchange) {
	for ex.written < len(ex.req.Payload) {
		n, err := unix.Write(ex.fd, ex.req.Payload[ex.written:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			x.watch(ex, transfermux.PollOut)
			return
		case err != nil:
			x.fail(ex, fmt.Errorf(`tcpengine: write: %w`, err))
			return
		}
		ex.written += max(n, 0)
	}

	if err := unix.Shutdown(ex.fd, unix.SHUT_WR); err != nil {
		x.fail(ex, fmt.Errorf(`tcpengine: shutdown: %w`, err))
		return
	}

	ex.phase = phaseReading
	x.watch(ex, transfermux.PollIn)
}

func (x *Engine) read(ex *exchange) {
	req := ex.req
	for {
		if x.maxResponse > 0 && len(req.Response) >= x.maxResponse {
			// only EOF is acceptable
			var b [1]byte
			n, err := unix.Read(ex.fd, b[:])
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return
			case err != nil:
				x.fail(ex, fmt.Errorf(`tcpengine: read: %w`, err))
			case n != 0:
				x.fail(ex, ErrResponseTooLarge)
			default:
				x.succeed(ex)
			}
			return
		}

		chunk := readChunkSize
		if x.maxResponse > 0 && x.maxResponse-len(req.Response) < chunk {
			chunk = x.maxResponse - len(req.Response)
		}
		req.Response = growLen(req.Response, chunk)
		off := len(req.Response) - chunk
		n, err := unix.Read(ex.fd, req.Response[off:])
		if n < 0 {
			n = 0
		}
		req.Response = req.Response[:off+n]
		switch {
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return
		case err != nil:
			x.fail(ex, fmt.Errorf(`tcpengine: read: %w`, err))
			return
		case n == 0:
			x.succeed(ex)
			return
		}
	}
}

func (x *Engine) succeed(ex *exchange) {
	x.logger.Debug().
		Int(`fd`, ex.fd).
		Int(`bytes`, len(ex.req.Response)).
		Log(`tcpengine: transfer complete`)
	x.finish(ex, nil)
}

func (x *Engine) fail(ex *exchange, err error) {
	x.logger.Debug().
		Err(err).
		Int(`fd`, ex.fd).
		Log(`tcpengine: transfer failed`)
	x.finish(ex, err)
}

func (x *Engine) finish(ex *exchange, err error) {
	if ex.phase == phaseDone {
		return
	}
	ex.phase = phaseDone
	x.closeSocket(ex)
	x.completed = append(x.completed, transfermux.Completion{Transfer: ex.req, Err: err})
}

// watch declares interest in the exchange's socket.
func (x *Engine) watch(ex *exchange, what transfermux.Poll) {
	if err := x.socketFn(ex.req, ex.fd, what); err != nil {
		x.fail(ex, fmt.Errorf(`tcpengine: socket callback: %w`, err))
	}
}

func (x *Engine) closeSocket(ex *exchange) {
	if ex.fd == transfermux.BadSocket {
		return
	}
	fd := ex.fd
	ex.fd = transfermux.BadSocket
	delete(x.sockets, fd)
	if err := x.socketFn(ex.req, fd, transfermux.PollRemove); err != nil {
		x.logger.Debug().
			Err(err).
			Int(`fd`, fd).
			Log(`tcpengine: socket callback failed`)
	}
	if err := ex.req.hooks.Close(fd); err != nil {
		x.logger.Warning().
			Err(err).
			Int(`fd`, fd).
			Log(`tcpengine: close socket failed`)
	}
}

// updateTimer requests a timeout for the earliest pending event, measured
// from now. A cancellation (-1) is only requested if a timeout is
// outstanding.
func (x *Engine) updateTimer() error {
	timeout := time.Duration(-1)
	var earliest time.Time
	for _, ex := range x.transfers {
		switch {
		case ex.phase == phaseDone:
			continue
		case ex.phase == phaseInit:
			timeout = 0
		case !ex.deadline.IsZero() && (earliest.IsZero() || ex.deadline.Before(earliest)):
			earliest = ex.deadline
		}
	}
	if timeout != 0 && !earliest.IsZero() {
		timeout = max(time.Until(earliest), 0)
	}
	if timeout < 0 && x.timer < 0 {
		return nil
	}
	x.timer = timeout
	if x.timerFn == nil {
		return nil
	}
	return x.timerFn(timeout)
}

// socketError returns the pending error on fd, or def if there is none.
func socketError(fd int, def error) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return def
}

func deleteCompletion(completed []transfermux.Completion, req *Request) []transfermux.Completion {
	out := completed[:0]
	for _, c := range completed {
		if c.Transfer != transfermux.Transfer(req) {
			out = append(out, c)
		}
	}
	return out
}

// growLen extends b by n bytes, reallocating if necessary.
func growLen(b []byte, n int) []byte {
	if cap(b)-len(b) < n {
		nb := make([]byte, len(b), len(b)+max(n, len(b)))
		copy(nb, b)
		b = nb
	}
	return b[:len(b)+n]
}
