//go:build linux

package reactor

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// poller dispatches epoll readiness to sockets, from a dedicated goroutine.
//
// Interest is level-triggered, and is only registered while a socket has at
// least one pending wait, so an idle (or hung up) socket is never reported.
type poller struct {
	logger   *logiface.Logger[logiface.Event]
	sockets  map[int]*Socket
	done     chan struct{}
	eventBuf [256]unix.EpollEvent // only accessed by the poll goroutine
	epfd     int
	wakefd   int
	mu       sync.RWMutex // protects sockets
	closed   atomic.Bool
}

func newPoller(logger *logiface.Logger[logiface.Event]) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}

	p := &poller{
		logger:  logger,
		sockets: make(map[int]*Socket),
		done:    make(chan struct{}),
		epfd:    epfd,
		wakefd:  wakefd,
	}

	go p.run()

	return p, nil
}

// update changes the registered interest for s, from old to want.
// Called with s.mu held.
func (p *poller) update(s *Socket, old, want Events) error {
	if p.closed.Load() {
		return ErrClosed
	}

	switch {
	case want == 0:
		p.remove(s)
		return nil

	case old == 0:
		p.mu.Lock()
		p.sockets[s.fd] = s
		p.mu.Unlock()
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, s.fd, &unix.EpollEvent{
			Events: eventsToEpoll(want),
			Fd:     int32(s.fd),
		}); err != nil {
			p.forget(s)
			return err
		}
		return nil

	default:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, s.fd, &unix.EpollEvent{
			Events: eventsToEpoll(want),
			Fd:     int32(s.fd),
		})
	}
}

// remove deregisters s, ignoring errors. Called with s.mu held.
func (p *poller) remove(s *Socket) {
	p.forget(s)
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
}

func (p *poller) forget(s *Socket) {
	p.mu.Lock()
	if p.sockets[s.fd] == s {
		delete(p.sockets, s.fd)
	}
	p.mu.Unlock()
}

func (p *poller) run() {
	defer close(p.done)
	for {
		n, err := unix.EpollWait(p.epfd, p.eventBuf[:], -1)
		if p.closed.Load() {
			return
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.logger.Crit().
				Err(err).
				Log(`reactor: epoll wait failed, poller stopped`)
			return
		}
		p.dispatch(n)
	}
}

// dispatch notifies sockets of readiness. The socket is looked up under the
// read lock, then notified outside of it. A readiness event may be observed
// for a socket that has since re-registered, which results in a spurious
// (but harmless) wake-up, as with any level-triggered poll.
func (p *poller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakefd {
			p.drainWakeFd()
			continue
		}

		p.mu.RLock()
		s := p.sockets[fd]
		p.mu.RUnlock()

		if s != nil {
			s.ready(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

func (p *poller) drainWakeFd() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *poller) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	return err
}

// close stops the poll goroutine, and releases the epoll and wake-up fds.
func (p *poller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.wake(); err != nil {
		p.logger.Warning().
			Err(err).
			Log(`reactor: failed to wake poller`)
	}
	<-p.done
	err1 := unix.Close(p.epfd)
	err2 := unix.Close(p.wakefd)
	if err1 != nil {
		return err1
	}
	return err2
}

// eventsToEpoll converts Events to epoll event flags.
func eventsToEpoll(events Events) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to Events. Error and hang-up
// conditions are reported as ready for both directions.
func epollToEvents(epollEvents uint32) Events {
	var events Events
	if epollEvents&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= EventRead
	}
	if epollEvents&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= EventWrite
	}
	return events
}
