//go:build linux

package reactor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r, err := New(append([]Option{WithWorkers(2)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// newSocketPair returns an adopted socket, and the raw fd of its peer.
func newSocketPair(t *testing.T, r *Reactor) (*Socket, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	s, err := r.AdoptSocket(fds[0])
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = unix.Close(fds[1])
	})
	return s, fds[1]
}

func TestSocket_AsyncWait_read(t *testing.T) {
	r := newTestReactor(t)
	s, peer := newSocketPair(t, r)

	ch := make(chan error, 1)
	s.AsyncWait(EventRead, func(err error) { ch <- err })
	assert.Equal(t, EventRead, s.Pending())

	requireNoCompletion(t, ch, time.Millisecond*50)

	_, err := unix.Write(peer, []byte(`hello`))
	require.NoError(t, err)

	require.NoError(t, waitErr(t, ch))
	assert.Zero(t, s.Pending())

	// level-triggered, the data is still there
	s.AsyncWait(EventRead, func(err error) { ch <- err })
	require.NoError(t, waitErr(t, ch))
}

func TestSocket_AsyncWait_write(t *testing.T) {
	r := newTestReactor(t)
	s, _ := newSocketPair(t, r)

	ch := make(chan error, 1)
	s.AsyncWait(EventWrite, func(err error) { ch <- err })
	require.NoError(t, waitErr(t, ch))
}

func TestSocket_AsyncWait_bothDirections(t *testing.T) {
	r := newTestReactor(t)
	s, peer := newSocketPair(t, r)

	rd := make(chan error, 1)
	wr := make(chan error, 1)
	s.AsyncWait(EventRead, func(err error) { rd <- err })
	s.AsyncWait(EventWrite, func(err error) { wr <- err })

	require.NoError(t, waitErr(t, wr))
	requireNoCompletion(t, rd, time.Millisecond*50)
	assert.Equal(t, EventRead, s.Pending())

	_, err := unix.Write(peer, []byte(`x`))
	require.NoError(t, err)
	require.NoError(t, waitErr(t, rd))
}

func TestSocket_AsyncWait_hangup(t *testing.T) {
	r := newTestReactor(t)
	s, peer := newSocketPair(t, r)

	ch := make(chan error, 1)
	s.AsyncWait(EventRead, func(err error) { ch <- err })
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
	require.NoError(t, waitErr(t, ch))
}

func TestSocket_AsyncWait_invalid(t *testing.T) {
	r := newTestReactor(t)
	s, _ := newSocketPair(t, r)

	for _, tc := range [...]struct {
		name string
		wait Events
	}{
		{`none`, 0},
		{`both`, EventRead | EventWrite},
		{`unknown`, 1 << 7},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan error, 1)
			s.AsyncWait(tc.wait, func(err error) { ch <- err })
			assert.ErrorIs(t, waitErr(t, ch), ErrInvalidWait)
		})
	}
}

func TestSocket_AsyncWait_pending(t *testing.T) {
	r := newTestReactor(t)
	s, _ := newSocketPair(t, r)

	first := make(chan error, 1)
	second := make(chan error, 1)
	s.AsyncWait(EventRead, func(err error) { first <- err })
	s.AsyncWait(EventRead, func(err error) { second <- err })

	assert.ErrorIs(t, waitErr(t, second), ErrWaitPending)
	assert.Equal(t, 1, s.Cancel())
	assert.ErrorIs(t, waitErr(t, first), ErrOperationAborted)
}

func TestSocket_Cancel(t *testing.T) {
	r := newTestReactor(t)
	s, peer := newSocketPair(t, r)

	assert.Zero(t, s.Cancel())

	ch := make(chan error, 1)
	s.AsyncWait(EventRead, func(err error) { ch <- err })
	assert.Equal(t, 1, s.Cancel())
	assert.ErrorIs(t, waitErr(t, ch), ErrOperationAborted)
	assert.Zero(t, s.Pending())

	// still usable
	s.AsyncWait(EventRead, func(err error) { ch <- err })
	_, err := unix.Write(peer, []byte(`x`))
	require.NoError(t, err)
	require.NoError(t, waitErr(t, ch))
}

func TestSocket_Close(t *testing.T) {
	r := newTestReactor(t)
	s, _ := newSocketPair(t, r)

	ch := make(chan error, 2)
	s.AsyncWait(EventRead, func(err error) { ch <- err })
	require.NoError(t, s.Close())
	assert.ErrorIs(t, waitErr(t, ch), ErrOperationAborted)

	s.AsyncWait(EventRead, func(err error) { ch <- err })
	assert.ErrorIs(t, waitErr(t, ch), ErrBadDescriptor)

	require.NoError(t, s.Close())
}

func TestReactor_OpenSocket_connect(t *testing.T) {
	ln, err := net.Listen(`tcp4`, `127.0.0.1:0`)
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	r := newTestReactor(t)
	s, err := r.OpenSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer s.Close()

	err = unix.Connect(s.Fd(), &unix.SockaddrInet4{Port: addr.Port, Addr: [4]byte{127, 0, 0, 1}})
	if err != nil {
		require.ErrorIs(t, err, unix.EINPROGRESS)
	}

	ch := make(chan error, 1)
	s.AsyncWait(EventWrite, func(err error) { ch <- err })
	require.NoError(t, waitErr(t, ch))

	soErr, err := unix.GetsockoptInt(s.Fd(), unix.SOL_SOCKET, unix.SO_ERROR)
	require.NoError(t, err)
	assert.Zero(t, soErr)

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	s.AsyncWait(EventRead, func(err error) { ch <- err })
	requireNoCompletion(t, ch, time.Millisecond*50)
	_, err = conn.Write([]byte(`ping`))
	require.NoError(t, err)
	require.NoError(t, waitErr(t, ch))
}

func TestReactor_Close(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	r, err := New(WithWorkers(3))
	require.NoError(t, err)

	s, err := r.OpenSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.OpenSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Post(func() {}), ErrClosed)

	// the socket is still owned by the caller, waits fail, without a pool
	var got error
	s.AsyncWait(EventRead, func(err error) { got = err })
	assert.ErrorIs(t, got, ErrClosed)
	require.NoError(t, s.Close())
}

func TestEvents_String(t *testing.T) {
	assert.Equal(t, `none`, Events(0).String())
	assert.Equal(t, `read`, EventRead.String())
	assert.Equal(t, `write`, EventWrite.String())
	assert.Equal(t, `read|write`, (EventRead | EventWrite).String())
	assert.Equal(t, `invalid`, Events(8).String())
}
