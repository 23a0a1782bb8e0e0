package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_invalidWorkers(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		workers int
	}{
		{`zero`, 0},
		{`negative`, -3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewPool(WithWorkers(tc.workers))
			assert.Error(t, err)
			assert.Nil(t, p)
		})
	}
}

func TestPool_Post_runsAll(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	p, err := NewPool(WithWorkers(4))
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		count atomic.Int64
	)
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		require.NoError(t, p.Post(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()

	require.NoError(t, p.Close())
	assert.Equal(t, int64(1000), count.Load())
}

func TestPool_Close_drainsQueued(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	p, err := NewPool(WithWorkers(1))
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Post(func() {
		close(started)
		<-release
	}))
	<-started

	var count atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Post(func() { count.Add(1) }))
	}

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	requireNoCompletion(t, closed, time.Millisecond*50)
	assert.ErrorIs(t, p.Post(func() {}), ErrClosed)

	close(release)
	require.NoError(t, waitErr(t, closed))
	assert.Equal(t, int64(10), count.Load())
}

func TestPool_Post_afterClose(t *testing.T) {
	p, err := NewPool(WithWorkers(2))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Post(func() { t.Error(`should not run`) }), ErrClosed)
	// idempotent
	require.NoError(t, p.Close())
}

func TestPool_panicRecovered(t *testing.T) {
	var buf syncBuffer
	p := newTestPool(t, 1, WithLogger(newTestLogger(&buf)))

	require.NoError(t, p.Post(func() { panic(`some panic`) }))

	done := make(chan error, 1)
	require.NoError(t, p.Post(func() { done <- nil }))
	require.NoError(t, waitErr(t, done))

	assert.Contains(t, buf.String(), `posted work panicked`)
	assert.Contains(t, buf.String(), `some panic`)
}

func TestPanicError_Unwrap(t *testing.T) {
	assert.ErrorIs(t, PanicError{Value: ErrClosed}, ErrClosed)
	assert.Nil(t, PanicError{Value: `str`}.Unwrap())
	assert.Equal(t, `reactor: panic: str`, PanicError{Value: `str`}.Error())
}
