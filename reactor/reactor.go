package reactor

import (
	"errors"
	"sync"

	"github.com/joeycumines/logiface"
)

// Reactor combines a worker Pool, which runs completion handlers and posted
// work, with a readiness poller, which drives Socket waits.
//
// Reactor instances must be initialized using New.
type Reactor struct {
	pool      *Pool
	poller    *poller
	logger    *logiface.Logger[logiface.Event]
	closeErr  error
	closeOnce sync.Once
}

var _ Executor = (*Reactor)(nil)

// New starts a new Reactor. Close must be called to stop it.
func New(opts ...Option) (*Reactor, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	p, err := newPoller(cfg.logger)
	if err != nil {
		return nil, err
	}

	return &Reactor{
		pool:   newPool(cfg),
		poller: p,
		logger: cfg.logger,
	}, nil
}

// Post schedules fn on the reactor's worker pool.
func (r *Reactor) Post(fn func()) error {
	return r.pool.Post(fn)
}

// Executor returns the worker pool, to which completion handlers are posted.
func (r *Reactor) Executor() Executor {
	return r.pool
}

// NewTimer returns a new Timer, which posts to the reactor's worker pool.
func (r *Reactor) NewTimer() *Timer {
	return NewTimer(r.pool)
}

// NewStrand returns a new Strand, layered over the reactor's worker pool.
func (r *Reactor) NewStrand() *Strand {
	s, _ := NewStrand(r.pool, WithLogger(r.logger))
	return s
}

// OpenSocket creates a new non-blocking, close-on-exec socket, per
// socket(2). The caller owns the returned Socket, and must Close it.
func (r *Reactor) OpenSocket(family, sotype, proto int) (*Socket, error) {
	if r.poller.closed.Load() {
		return nil, ErrClosed
	}
	fd, err := openDescriptor(family, sotype, proto)
	if err != nil {
		return nil, err
	}
	return &Socket{
		poller:   r.poller,
		executor: r.pool,
		fd:       fd,
	}, nil
}

// AdoptSocket takes ownership of an existing descriptor, switching it to
// non-blocking mode. The descriptor must not be closed, except via the
// returned Socket.
func (r *Reactor) AdoptSocket(fd int) (*Socket, error) {
	if r.poller.closed.Load() {
		return nil, ErrClosed
	}
	if err := setNonblock(fd); err != nil {
		return nil, err
	}
	return &Socket{
		poller:   r.poller,
		executor: r.pool,
		fd:       fd,
	}, nil
}

// Close stops the poller, then waits for the worker pool to drain.
// Sockets remain owned by their openers, and must still be closed.
//
// This method is unsafe to call from within posted work.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = errors.Join(r.poller.close(), r.pool.Close())
	})
	return r.closeErr
}
