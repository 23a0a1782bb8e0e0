package reactor

import (
	"sync"
	"time"
)

// Timer is a rearmable deadline, supporting a single outstanding AsyncWait.
//
// Every wait completes exactly once: with nil when the deadline elapses, or
// with ErrOperationAborted if the wait is canceled, or the deadline is
// changed, before then.
type Timer struct {
	executor Executor
	timer    *time.Timer
	handler  func(error)
	deadline time.Time
	seq      uint64
	mu       sync.Mutex
}

// NewTimer initializes a Timer that posts completion handlers to executor.
// The initial deadline is the zero time, i.e. already expired.
func NewTimer(executor Executor) *Timer {
	return &Timer{executor: executor}
}

// ExpiresAfter sets the deadline relative to now, aborting any pending wait.
// A non-positive d means the next wait completes as soon as possible.
// Returns the number of waits that were aborted (0 or 1).
func (t *Timer) ExpiresAfter(d time.Duration) int {
	return t.ExpiresAt(time.Now().Add(d))
}

// ExpiresAt sets an absolute deadline, aborting any pending wait.
// Returns the number of waits that were aborted (0 or 1).
func (t *Timer) ExpiresAt(deadline time.Time) int {
	t.mu.Lock()
	h := t.cancelLocked()
	t.deadline = deadline
	t.mu.Unlock()
	return t.abort(h)
}

// Expiry returns the current deadline.
func (t *Timer) Expiry() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// AsyncWait starts waiting for the deadline. Starting a wait while another
// is pending completes h with ErrWaitPending.
func (t *Timer) AsyncWait(h func(err error)) {
	if h == nil {
		return
	}

	t.mu.Lock()
	if t.handler != nil {
		t.mu.Unlock()
		post(t.executor, h, ErrWaitPending)
		return
	}
	t.seq++
	seq := t.seq
	t.handler = h
	d := time.Until(t.deadline)
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, func() { t.fire(seq) })
	t.mu.Unlock()
}

// Cancel aborts the pending wait, if any, returning the number aborted.
func (t *Timer) Cancel() int {
	t.mu.Lock()
	h := t.cancelLocked()
	t.mu.Unlock()
	return t.abort(h)
}

func (t *Timer) fire(seq uint64) {
	t.mu.Lock()
	if t.seq != seq || t.handler == nil {
		// canceled or rearmed, already completed as aborted
		t.mu.Unlock()
		return
	}
	h := t.handler
	t.handler = nil
	t.timer = nil
	t.mu.Unlock()
	post(t.executor, h, nil)
}

func (t *Timer) cancelLocked() func(error) {
	h := t.handler
	t.handler = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return h
}

func (t *Timer) abort(h func(error)) int {
	if h == nil {
		return 0
	}
	post(t.executor, h, ErrOperationAborted)
	return 1
}

// post schedules h(err) on executor, falling back to calling it directly if
// the executor won't accept it. Must not be called while holding locks.
func post(executor Executor, h func(error), err error) {
	if h == nil {
		return
	}
	if executor == nil || executor.Post(func() { h(err) }) != nil {
		h(err)
	}
}
