package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

// strandBatchSize is the number of closures a strand runs per executor task,
// before re-posting itself.
const strandBatchSize = 64

// Strand serializes work posted to it, running at most one closure at a time,
// in FIFO order, on top of an Executor that may itself be concurrent.
//
// Only one goroutine (the active drainer) may be running queued closures at
// any given time. Other goroutines enqueue and return, or (for Do) enqueue and
// wait. All effects of a closure happen-before the next closure starts.
//
// Strand instances must be initialized using NewStrand.
type Strand struct {
	executor Executor
	logger   *logiface.Logger[logiface.Event]
	queue    *queue.Queue
	owner    atomic.Uint64 // goroutine ID of the active drainer, or 0
	mu       sync.Mutex
	running  bool // true while there is an active (or scheduled) drainer
}

var _ Executor = (*Strand)(nil)

// NewStrand initializes a Strand layered over executor. Only WithLogger is
// relevant, and is used to report closures that panic.
func NewStrand(executor Executor, opts ...Option) (*Strand, error) {
	if executor == nil {
		panic(`reactor: nil executor`)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Strand{
		executor: executor,
		logger:   cfg.logger,
		queue:    queue.New(),
	}, nil
}

// Post enqueues fn, scheduling a drainer on the executor if the strand is
// idle. If the executor rejects the drainer (e.g. it is closed), the queue is
// drained inline, by the caller, so posted work is never stranded.
//
// Post always returns nil, it implements Executor.
func (s *Strand) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	s.queue.Add(fn)
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()
	s.schedule()
	return nil
}

// Dispatch runs fn immediately if the caller is the strand's active drainer,
// otherwise it behaves like Post.
func (s *Strand) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	if s.RunningInThisGoroutine() {
		fn()
		return
	}
	_ = s.Post(fn)
}

// Do runs fn on the strand and waits for it to finish.
//
// If the caller is already running on the strand, fn is called directly,
// meaning Do is safe to use from within work running on the strand. If the
// strand is idle, the caller becomes the active drainer, until fn has run.
//
// Otherwise the caller blocks until a drainer, scheduled on the executor,
// reaches fn. Calling Do from other work running on the same executor may
// therefore deadlock, e.g. if that work occupies the only worker.
func (s *Strand) Do(fn func()) {
	if fn == nil {
		return
	}
	if s.RunningInThisGoroutine() {
		fn()
		return
	}

	done := make(chan struct{})

	s.mu.Lock()
	s.queue.Add(func() {
		defer close(done)
		fn()
	})
	if s.running {
		s.mu.Unlock()
		<-done
		return
	}
	s.running = true
	s.mu.Unlock()

	s.pump(func(int) bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})

	<-done
}

// Wrap binds h to the strand, returning a function that posts h (with the
// same argument) to the strand, when called.
func (s *Strand) Wrap(h func(err error)) func(err error) {
	return func(err error) {
		_ = s.Post(func() { h(err) })
	}
}

// RunningInThisGoroutine indicates if the caller is the active drainer.
func (s *Strand) RunningInThisGoroutine() bool {
	owner := s.owner.Load()
	return owner != 0 && owner == goroutineID()
}

func (s *Strand) schedule() {
	if err := s.executor.Post(s.drain); err != nil {
		s.pump(nil)
	}
}

func (s *Strand) drain() {
	s.pump(func(n int) bool { return n >= strandBatchSize })
}

// pump runs queued closures, as the active drainer, until the queue is empty
// (releasing the drainer role), or stop returns true (handing the drainer
// role back to the executor). The caller must have claimed the role.
func (s *Strand) pump(stop func(n int) bool) {
	s.owner.Store(goroutineID())
	for n := 0; ; n++ {
		s.mu.Lock()
		if s.queue.Length() == 0 {
			s.running = false
			s.owner.Store(0)
			s.mu.Unlock()
			return
		}
		if stop != nil && stop(n) {
			s.owner.Store(0)
			s.mu.Unlock()
			s.schedule()
			return
		}
		fn := s.queue.Remove().(func())
		s.mu.Unlock()

		safeExecute(s.logger, fn)
	}
}
