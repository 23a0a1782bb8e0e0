package reactor

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// Executor runs posted work asynchronously. Implementations must be safe
// for concurrent use.
type Executor interface {
	// Post schedules fn to run, returning an error if it never will.
	Post(fn func()) error
}

// Pool is an Executor backed by a fixed number of worker goroutines, which
// drain a shared, unbounded FIFO queue. Work posted to a Pool may run
// concurrently, and in any order relative to work running on other workers.
//
// Pool instances must be initialized using NewPool.
type Pool struct {
	logger *logiface.Logger[logiface.Event]
	queue  *queue.Queue
	cond   sync.Cond
	group  errgroup.Group
	mu     sync.Mutex
	closed bool
}

var _ Executor = (*Pool)(nil)

// NewPool starts a new Pool. Only WithWorkers and WithLogger are relevant.
// Close must be called to release the workers.
func NewPool(opts ...Option) (*Pool, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newPool(cfg), nil
}

func newPool(cfg *reactorOptions) *Pool {
	p := &Pool{
		logger: cfg.logger,
		queue:  queue.New(),
	}
	p.cond.L = &p.mu
	for i := 0; i < cfg.workers; i++ {
		p.group.Go(p.worker)
	}
	return p
}

// Post enqueues fn, returning ErrClosed if the pool has been closed.
func (p *Pool) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue.Add(fn)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// Close prevents further work from being posted, then waits for the workers
// to drain everything already queued. Work that is running during Close may
// still attempt to Post, which will fail with ErrClosed.
//
// This method is unsafe to call from within posted work.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return p.group.Wait()
}

func (p *Pool) worker() error {
	for {
		p.mu.Lock()
		for p.queue.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.queue.Length() == 0 {
			p.mu.Unlock()
			return nil
		}
		fn := p.queue.Remove().(func())
		p.mu.Unlock()

		safeExecute(p.logger, fn)
	}
}

// safeExecute runs fn, recovering and logging any panic.
func safeExecute(logger *logiface.Logger[logiface.Event], fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Err().
				Err(PanicError{Value: r}).
				Limit().
				Log(`reactor: posted work panicked`)
		}
	}()
	fn()
}
