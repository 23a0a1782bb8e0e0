// Package enginetest provides a scriptable transfermux.Engine, for testing.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-transfermux"
)

var (
	// ErrNotAdded is returned by Engine.Remove for unknown transfers.
	ErrNotAdded = errors.New("enginetest: transfer not added")

	// ErrDuplicate is returned by Engine.Add for transfers already added.
	ErrDuplicate = errors.New("enginetest: transfer already added")

	// ErrClosed is returned by Add and Close, after Engine.Close.
	ErrClosed = errors.New("enginetest: engine closed")
)

type (
	// Transfer is a transfermux.Transfer that records the hooks installed
	// on it.
	Transfer struct {
		// HooksErr is returned by SetSocketHooks, if non-nil.
		HooksErr error
		hooks    transfermux.SocketHooks
		Name     string
		mu       sync.Mutex
	}

	// Engine is a transfermux.Engine that records every call made to it,
	// and calls the optional On* functions from within the corresponding
	// method, allowing tests to invoke the transfermux callbacks exactly
	// as a real engine would.
	//
	// The On* fields must be set before the engine is used.
	Engine struct {
		OnAdd          func(e *Engine, t *Transfer) error
		OnRemove       func(e *Engine, t *Transfer) error
		OnSocketAction func(e *Engine, fd int, events transfermux.Action) error
		OnTimeout      func(e *Engine) error
		OnClose        func(e *Engine) error

		socketFn  transfermux.SocketFunc
		timerFn   transfermux.TimerFunc
		added     map[*Transfer]struct{}
		completed []transfermux.Completion
		calls     []string
		mu        sync.Mutex
		closed    bool
	}

	// Factory is a transfermux.EngineFactory returning Engine, or Err.
	Factory struct {
		Engine *Engine
		Err    error
	}

	// GlobalFactory is a Factory which also implements transfermux.Global.
	GlobalFactory struct {
		Factory
		InitErr  error
		inits    atomic.Int32
		cleanups atomic.Int32
	}
)

var (
	_ transfermux.Transfer      = (*Transfer)(nil)
	_ transfermux.Engine        = (*Engine)(nil)
	_ transfermux.EngineFactory = (*Factory)(nil)
	_ transfermux.Global        = (*GlobalFactory)(nil)
)

// SetSocketHooks implements transfermux.Transfer.
func (x *Transfer) SetSocketHooks(hooks transfermux.SocketHooks) error {
	if x.HooksErr != nil {
		return x.HooksErr
	}
	x.mu.Lock()
	x.hooks = hooks
	x.mu.Unlock()
	return nil
}

// Hooks returns the installed hooks.
func (x *Transfer) Hooks() transfermux.SocketHooks {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.hooks
}

// String implements fmt.Stringer.
func (x *Transfer) String() string {
	return x.Name
}

// NewEngine implements transfermux.EngineFactory.
func (x *Factory) NewEngine() (transfermux.Engine, error) {
	if x.Err != nil {
		return nil, x.Err
	}
	if x.Engine == nil {
		x.Engine = new(Engine)
	}
	return x.Engine, nil
}

// Init implements transfermux.Global.
func (x *GlobalFactory) Init() error {
	if x.InitErr != nil {
		return x.InitErr
	}
	x.inits.Add(1)
	return nil
}

// Cleanup implements transfermux.Global.
func (x *GlobalFactory) Cleanup() {
	x.cleanups.Add(1)
}

// Inits returns the number of successful Init calls.
func (x *GlobalFactory) Inits() int { return int(x.inits.Load()) }

// Cleanups returns the number of Cleanup calls.
func (x *GlobalFactory) Cleanups() int { return int(x.cleanups.Load()) }

// SetSocketFunc implements transfermux.Engine.
func (x *Engine) SetSocketFunc(fn transfermux.SocketFunc) {
	x.mu.Lock()
	x.socketFn = fn
	x.mu.Unlock()
}

// SetTimerFunc implements transfermux.Engine.
func (x *Engine) SetTimerFunc(fn transfermux.TimerFunc) {
	x.mu.Lock()
	x.timerFn = fn
	x.mu.Unlock()
}

// Add implements transfermux.Engine.
func (x *Engine) Add(t transfermux.Transfer) error {
	tr := t.(*Transfer)
	x.Record(`add ` + tr.Name)
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	if _, ok := x.added[tr]; ok {
		x.mu.Unlock()
		return ErrDuplicate
	}
	fn := x.OnAdd
	x.mu.Unlock()
	if fn != nil {
		if err := fn(x, tr); err != nil {
			return err
		}
	}
	x.mu.Lock()
	if x.added == nil {
		x.added = make(map[*Transfer]struct{})
	}
	x.added[tr] = struct{}{}
	x.mu.Unlock()
	return nil
}

// Remove implements transfermux.Engine.
func (x *Engine) Remove(t transfermux.Transfer) error {
	tr := t.(*Transfer)
	x.Record(`remove ` + tr.Name)
	x.mu.Lock()
	if _, ok := x.added[tr]; !ok {
		x.mu.Unlock()
		return ErrNotAdded
	}
	delete(x.added, tr)
	fn := x.OnRemove
	x.mu.Unlock()
	if fn != nil {
		return fn(x, tr)
	}
	return nil
}

// SocketAction implements transfermux.Engine.
func (x *Engine) SocketAction(fd int, events transfermux.Action) error {
	x.Record(fmt.Sprintf(`action %d %s`, fd, events))
	x.mu.Lock()
	fn := x.OnSocketAction
	x.mu.Unlock()
	if fn != nil {
		return fn(x, fd, events)
	}
	return nil
}

// Timeout implements transfermux.Engine.
func (x *Engine) Timeout() error {
	x.Record(`timeout`)
	x.mu.Lock()
	fn := x.OnTimeout
	x.mu.Unlock()
	if fn != nil {
		return fn(x)
	}
	return nil
}

// Completed implements transfermux.Engine.
func (x *Engine) Completed() []transfermux.Completion {
	x.mu.Lock()
	defer x.mu.Unlock()
	completed := x.completed
	x.completed = nil
	return completed
}

// Close implements transfermux.Engine.
func (x *Engine) Close() error {
	x.Record(`close`)
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	x.closed = true
	remaining := len(x.added)
	fn := x.OnClose
	x.mu.Unlock()
	if remaining != 0 {
		return fmt.Errorf(`enginetest: closed with %d transfers added`, remaining)
	}
	if fn != nil {
		return fn(x)
	}
	return nil
}

// Socket calls the installed SocketFunc.
func (x *Engine) Socket(t *Transfer, fd int, what transfermux.Poll) error {
	x.mu.Lock()
	fn := x.socketFn
	x.mu.Unlock()
	return fn(t, fd, what)
}

// Timer calls the installed TimerFunc.
func (x *Engine) Timer(timeout time.Duration) error {
	x.mu.Lock()
	fn := x.timerFn
	x.mu.Unlock()
	return fn(timeout)
}

// Complete queues a completion for t, to be returned by Completed.
func (x *Engine) Complete(t *Transfer, err error) {
	x.mu.Lock()
	x.completed = append(x.completed, transfermux.Completion{Transfer: t, Err: err})
	x.mu.Unlock()
}

// Added returns true if t is currently added.
func (x *Engine) Added(t *Transfer) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.added[t]
	return ok
}

// Len returns the number of transfers currently added.
func (x *Engine) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.added)
}

// Closed returns true if Close has been called.
func (x *Engine) Closed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

// Record appends to the call log. It may be used by tests to interleave
// their own events, e.g. from completion handlers.
func (x *Engine) Record(call string) {
	x.mu.Lock()
	x.calls = append(x.calls, call)
	x.mu.Unlock()
}

// Calls returns a copy of the call log.
func (x *Engine) Calls() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.calls...)
}
