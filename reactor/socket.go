package reactor

import (
	"errors"
	"sync"
)

// ErrInvalidWait is the outcome of a wait for anything other than exactly
// one of EventRead or EventWrite.
var ErrInvalidWait = errors.New("reactor: invalid wait type")

// Socket is a non-blocking socket, owned by whoever opened it, supporting at
// most one outstanding wait per direction.
//
// The descriptor may be used directly (e.g. for reads and writes), but must
// only be closed using Socket.Close.
type Socket struct {
	poller   *poller
	executor Executor
	read     func(error)
	write    func(error)
	fd       int
	interest Events // currently registered with the poller
	mu       sync.Mutex
	closed   bool
}

// Fd returns the underlying descriptor.
func (s *Socket) Fd() int { return s.fd }

// AsyncWait waits for the socket to become ready, for the given direction,
// which must be exactly one of EventRead or EventWrite. Like a level-triggered
// poll, error and hang-up conditions satisfy both directions, and complete
// with a nil error; the owner is expected to discover the cause by performing
// I/O.
func (s *Socket) AsyncWait(wait Events, h func(err error)) {
	if h == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		post(s.executor, h, ErrBadDescriptor)
		return
	}

	var slot *func(error)
	switch wait {
	case EventRead:
		slot = &s.read
	case EventWrite:
		slot = &s.write
	default:
		s.mu.Unlock()
		post(s.executor, h, ErrInvalidWait)
		return
	}
	if *slot != nil {
		s.mu.Unlock()
		post(s.executor, h, ErrWaitPending)
		return
	}

	*slot = h
	if err := s.updateLocked(); err != nil {
		r, w := s.takeLocked(EventRead | EventWrite)
		s.mu.Unlock()
		post(s.executor, r, err)
		post(s.executor, w, err)
		return
	}
	s.mu.Unlock()
}

// Pending returns the directions that currently have an outstanding wait.
func (s *Socket) Pending() Events {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// Cancel aborts all outstanding waits, returning the number aborted.
func (s *Socket) Cancel() int {
	s.mu.Lock()
	r, w := s.takeLocked(EventRead | EventWrite)
	_ = s.updateLocked()
	s.mu.Unlock()
	return abortAll(s.executor, r, w)
}

// Close aborts all outstanding waits, and closes the descriptor. It is safe
// to call more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	r, w := s.takeLocked(EventRead | EventWrite)
	_ = s.updateLocked()
	s.closed = true
	s.mu.Unlock()
	abortAll(s.executor, r, w)
	return closeDescriptor(s.fd)
}

// ready is called by the poller, and completes the waits for ready.
func (s *Socket) ready(ready Events) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	r, w := s.takeLocked(ready)
	var r2, w2 func(error)
	err := s.updateLocked()
	if err != nil {
		// the remaining wait can't be serviced
		r2, w2 = s.takeLocked(EventRead | EventWrite)
	}
	s.mu.Unlock()
	post(s.executor, r, nil)
	post(s.executor, w, nil)
	post(s.executor, r2, err)
	post(s.executor, w2, err)
}

func (s *Socket) takeLocked(events Events) (r, w func(error)) {
	if events&EventRead != 0 {
		r, s.read = s.read, nil
	}
	if events&EventWrite != 0 {
		w, s.write = s.write, nil
	}
	return
}

func (s *Socket) pendingLocked() (events Events) {
	if s.read != nil {
		events |= EventRead
	}
	if s.write != nil {
		events |= EventWrite
	}
	return
}

// updateLocked synchronises the poller's interest with the pending waits.
func (s *Socket) updateLocked() error {
	want := s.pendingLocked()
	if want == s.interest {
		return nil
	}
	if err := s.poller.update(s, s.interest, want); err != nil {
		if s.interest != 0 {
			s.poller.remove(s)
		}
		s.interest = 0
		return err
	}
	s.interest = want
	return nil
}

func abortAll(executor Executor, handlers ...func(error)) (n int) {
	for _, h := range handlers {
		if h != nil {
			post(executor, h, ErrOperationAborted)
			n++
		}
	}
	return
}
