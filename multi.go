package transfermux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-transfermux/reactor"
	"github.com/joeycumines/logiface"
)

// Reactor provides the asynchronous primitives a Multi is built on.
// It is implemented by *reactor.Reactor.
type Reactor interface {
	NewStrand() *reactor.Strand
	NewTimer() *reactor.Timer
	OpenSocket(family, sotype, proto int) (*reactor.Socket, error)
}

// Multi drives transfers to completion, using an Engine, on a Reactor.
//
// All methods are safe to call concurrently. Multi instances must be
// initialized using New, and must be closed using Close.
type Multi struct {
	reactor   Reactor
	engine    Engine
	global    Global
	logger    *logiface.Logger[logiface.Event]
	strand    *reactor.Strand
	timer     *reactor.Timer
	closeErr  error
	sockets   socketRegistry
	transfers completionTable
	closeOnce sync.Once
	done      atomic.Bool
	// closed is the strand-exclusive equivalent of done
	closed bool
	// timerGen identifies the latest timer request, strand-exclusive
	timerGen uint64
}

// New initializes a Multi, using an engine built by factory. If factory
// implements Global, its Init method will be called, if this is the first
// open Multi using it.
func New(r Reactor, factory EngineFactory, opts ...Option) (*Multi, error) {
	if r == nil || factory == nil {
		return nil, errors.New(`transfermux: nil reactor or engine factory`)
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	global, _ := factory.(Global)
	if global != nil {
		if err := acquireLifetime(global); err != nil {
			return nil, err
		}
	}

	engine, err := factory.NewEngine()
	if err == nil && engine == nil {
		err = errors.New(`nil engine`)
	}
	if err != nil {
		if global != nil {
			releaseLifetime(global)
		}
		return nil, engineError(`init`, err)
	}

	m := &Multi{
		reactor: r,
		engine:  engine,
		global:  global,
		logger:  cfg.logger,
		strand:  r.NewStrand(),
		timer:   r.NewTimer(),
	}
	engine.SetSocketFunc(m.socketEvent)
	engine.SetTimerFunc(m.timerEvent)

	return m, nil
}

// AsyncPerform submits t, calling handler exactly once with its outcome.
// It never blocks. The handler is called on the Multi's strand, see
// Executor, and must not block.
//
// The transfer must remain valid, and unmodified, until handler is called.
// Submitting a transfer that is still pending fails with ErrAlreadyPending.
func (m *Multi) AsyncPerform(t Transfer, handler CompletionFunc) {
	m.submit(t, handler)
}

func (m *Multi) submit(t Transfer, handler CompletionFunc) *completionRecord {
	if handler == nil {
		handler = func(error) {}
	}
	record := &completionRecord{
		transfer: t,
		handler:  handler,
		engine:   m.engine,
		logger:   m.logger,
	}
	_ = m.strand.Post(func() { m.perform(record) })
	return record
}

// Perform submits t, then waits for it to complete. If ctx is canceled
// first, the transfer is canceled with ctx.Err() as its outcome.
//
// Only the submission made by this call is canceled. If t was already
// pending, that transfer is unaffected, and ErrAlreadyPending is returned.
//
// Perform must not be called from a completion handler, or any other work
// running on the Multi's strand or the reactor's pool.
func (m *Multi) Perform(ctx context.Context, t Transfer) error {
	ch := make(chan error, 1)
	record := m.submit(t, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		m.strand.Do(func() {
			if m.transfers.get(t) == record {
				m.cancelRecord(record, ctx.Err())
			}
		})
		return <-ch
	}
}

// CancelAll cancels every pending transfer, completing each with cause, or
// ErrAborted if cause is nil. Returns the number of transfers canceled.
//
// It is safe to call from a completion handler. Like Perform, it blocks
// until the strand is available, so it must not be called from other work
// running on the reactor's pool, which the strand may need to progress.
func (m *Multi) CancelAll(cause error) (n int) {
	m.strand.Do(func() { n = m.cancelAll(cause) })
	return
}

// Cancel cancels t, completing it with cause, or ErrAborted if cause is nil.
// Returns false if t was not pending.
//
// It is safe to call from a completion handler, but not from other work
// running on the reactor's pool, see CancelAll.
func (m *Multi) Cancel(t Transfer, cause error) (ok bool) {
	m.strand.Do(func() { ok = m.cancel(t, cause) })
	return
}

// Close cancels all pending transfers, with ErrAborted, closes all sockets,
// then closes the engine. It is safe to call more than once, and returns
// the error from the engine's Close method, if any. It has the same
// restrictions on the calling goroutine as CancelAll.
func (m *Multi) Close() error {
	m.closeOnce.Do(func() {
		m.strand.Do(m.teardown)
		if m.global != nil {
			releaseLifetime(m.global)
		}
	})
	return m.closeErr
}

// Valid returns true until Close is called.
func (m *Multi) Valid() bool {
	return !m.done.Load()
}

// Engine returns the underlying engine. It must only be used from within
// work running on the Executor.
func (m *Multi) Engine() Engine {
	return m.engine
}

// Executor returns the strand that all engine calls, and all completion
// handlers, run on.
func (m *Multi) Executor() *reactor.Strand {
	return m.strand
}

// Pending returns the number of transfers that have not yet completed.
// It has the same restrictions on the calling goroutine as CancelAll.
func (m *Multi) Pending() (n int) {
	m.strand.Do(func() { n = m.transfers.len() })
	return
}

func (m *Multi) perform(record *completionRecord) {
	t := record.transfer

	switch {
	case m.closed:
		record.finish(ErrClosed)
		return
	case !validTransfer(t):
		record.finish(ErrInvalidTransfer)
		return
	case m.transfers.get(t) != nil:
		record.finish(ErrAlreadyPending)
		return
	}

	if err := t.SetSocketHooks(SocketHooks{Open: m.openSocket, Close: m.closeSocket}); err != nil {
		record.finish(&EngineError{Op: `sethooks`, Err: err})
		return
	}

	if err := m.engine.Add(t); err != nil {
		record.finish(engineError(`add`, err))
		return
	}

	m.transfers.insert(record)
}

func (m *Multi) cancelAll(cause error) (n int) {
	err := cancelOutcome(cause)
	for _, record := range m.transfers.snapshot() {
		if record.handled {
			// canceled by an earlier handler
			continue
		}
		record.complete(err)
		m.transfers.erase(record)
		n++
	}
	return
}

func (m *Multi) cancel(t Transfer, cause error) bool {
	record := m.transfers.get(t)
	if record == nil {
		return false
	}
	return m.cancelRecord(record, cause)
}

func (m *Multi) cancelRecord(record *completionRecord, cause error) bool {
	if record.handled {
		return false
	}
	record.complete(cancelOutcome(cause))
	m.transfers.erase(record)
	return true
}

// checkTransfers delivers the outcome of every transfer the engine reports
// as completed.
func (m *Multi) checkTransfers() {
	for _, c := range m.engine.Completed() {
		record := m.transfers.get(c.Transfer)
		if record == nil {
			m.logger.Debug().
				Err(c.Err).
				Log(`transfermux: completion for unknown transfer`)
			continue
		}
		record.complete(engineError(`transfer`, c.Err))
		m.transfers.erase(record)
	}
}

func (m *Multi) teardown() {
	m.closed = true
	m.done.Store(true)

	m.cancelAll(ErrAborted)
	m.timer.Cancel()

	if err := m.sockets.closeAll(); err != nil {
		m.logger.Warning().
			Err(err).
			Log(`transfermux: error closing sockets`)
	}

	if err := m.engine.Close(); err != nil {
		m.closeErr = &EngineError{Op: `close`, Err: err}
	}
}

// openSocket implements OpenSocketFunc.
func (m *Multi) openSocket(purpose Purpose, addr SocketAddress) int {
	if m.closed {
		return BadSocket
	}

	sock, err := m.reactor.OpenSocket(addr.Family, addr.Type, addr.Protocol)
	if err != nil {
		m.logger.Err().
			Err(err).
			Int(`purpose`, int(purpose)).
			Str(`addr`, addr.Addr.String()).
			Limit().
			Log(`transfermux: failed to open socket`)
		return BadSocket
	}

	entry := &socketEntry{sock: sock, fd: sock.Fd()}
	if !m.sockets.add(entry) {
		_ = sock.Close()
		m.logger.Err().
			Int(`fd`, entry.fd).
			Limit().
			Log(`transfermux: rejected socket, descriptor already registered`)
		return BadSocket
	}

	return entry.fd
}

// closeSocket implements CloseSocketFunc.
func (m *Multi) closeSocket(fd int) error {
	entry := m.sockets.remove(fd)
	if entry == nil {
		return nil
	}
	return entry.sock.Close()
}

// socketEvent implements SocketFunc.
func (m *Multi) socketEvent(_ Transfer, fd int, what Poll) error {
	entry := m.sockets.get(fd)
	if entry == nil {
		return ErrUnknownSocket
	}

	m.logger.Debug().
		Int(`fd`, fd).
		Stringer(`what`, what).
		Log(`transfermux: socket interest`)

	switch what {
	case PollNone, PollRemove:
		entry.want = PollNone
		entry.sock.Cancel()
	case PollIn, PollOut, PollInOut:
		entry.want = what
		m.startWaits(entry)
	default:
		return errors.New(`transfermux: invalid poll value: ` + what.String())
	}

	return nil
}

// startWaits starts waits for each wanted direction that isn't pending.
func (m *Multi) startWaits(entry *socketEntry) {
	for _, dir := range [...]Poll{PollIn, PollOut} {
		if entry.want&dir == 0 || entry.pending&dir != 0 {
			continue
		}
		entry.pending |= dir
		var events reactor.Events
		if dir == PollIn {
			events = reactor.EventRead
		} else {
			events = reactor.EventWrite
		}
		entry.sock.AsyncWait(events, m.strand.Wrap(func(err error) {
			m.socketReady(entry, dir, err)
		}))
	}
}

// socketReady runs on the strand, when a wait started by startWaits
// completes.
func (m *Multi) socketReady(entry *socketEntry, dir Poll, err error) {
	entry.pending &^= dir

	if m.closed || m.sockets.get(entry.fd) != entry {
		// closed, or the descriptor has since been reused
		return
	}

	if errors.Is(err, reactor.ErrOperationAborted) {
		// the engine may have asked for this direction again
		m.startWaits(entry)
		return
	}

	if entry.want&dir == 0 {
		return
	}

	var action Action
	if dir == PollIn {
		action = ActionIn
	} else {
		action = ActionOut
	}
	if err != nil {
		m.logger.Debug().
			Err(err).
			Int(`fd`, entry.fd).
			Log(`transfermux: socket wait failed`)
		action |= ActionErr
		// re-armed only if the engine asks again
		entry.want &^= dir
	}

	if err := m.engine.SocketAction(entry.fd, action); err != nil {
		m.logger.Err().
			Err(err).
			Int(`fd`, entry.fd).
			Stringer(`action`, action).
			Limit().
			Log(`transfermux: engine socket action failed`)
	}

	m.checkTransfers()

	if !m.closed && m.sockets.get(entry.fd) == entry {
		m.startWaits(entry)
	}
}

// timerEvent implements TimerFunc.
func (m *Multi) timerEvent(timeout time.Duration) error {
	m.timerGen++
	if timeout < 0 {
		m.timer.Cancel()
		return nil
	}
	gen := m.timerGen
	m.timer.ExpiresAfter(timeout)
	m.timer.AsyncWait(m.strand.Wrap(func(err error) { m.timerExpired(gen, err) }))
	return nil
}

// timerExpired runs on the strand, when the deadline elapses. An expiry that
// was already queued when the timer was rearmed or canceled is ignored.
func (m *Multi) timerExpired(gen uint64, err error) {
	if err != nil || m.closed || gen != m.timerGen {
		return
	}

	if err := m.engine.Timeout(); err != nil {
		m.logger.Err().
			Err(err).
			Limit().
			Log(`transfermux: engine timeout failed`)
	}

	m.checkTransfers()
}
