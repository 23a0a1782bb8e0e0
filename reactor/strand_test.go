package reactor

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStrand(t *testing.T, executor Executor) *Strand {
	t.Helper()
	s, err := NewStrand(executor)
	require.NoError(t, err)
	return s
}

func TestNewStrand_nilExecutor(t *testing.T) {
	assert.Panics(t, func() { _, _ = NewStrand(nil) })
}

func TestStrand_Post_serializes(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	pool, err := NewPool(WithWorkers(8))
	require.NoError(t, err)
	defer pool.Close()

	s := newTestStrand(t, pool)

	const (
		posters = 8
		perPost = 200
	)

	var (
		active     atomic.Int32
		violations atomic.Int32
		wg         sync.WaitGroup
		// only accessed on the strand, the race detector will catch any overlap
		seen = make([][]int, posters)
	)

	wg.Add(posters * perPost)

	var g errgroup.Group
	for poster := 0; poster < posters; poster++ {
		g.Go(func() error {
			for i := 0; i < perPost; i++ {
				if err := s.Post(func() {
					defer wg.Done()
					if active.Add(1) != 1 {
						violations.Add(1)
					}
					seen[poster] = append(seen[poster], i)
					active.Add(-1)
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	wg.Wait()

	assert.Zero(t, violations.Load())
	for poster := range seen {
		require.Len(t, seen[poster], perPost)
		for i, v := range seen[poster] {
			if v != i {
				t.Fatalf(`poster %d: out of order at %d: %d`, poster, i, v)
			}
		}
	}
}

func TestStrand_Do_reentrant(t *testing.T) {
	pool := newTestPool(t, 2)
	s := newTestStrand(t, pool)

	var inner, onStrand bool
	s.Do(func() {
		onStrand = s.RunningInThisGoroutine()
		s.Do(func() { inner = true })
	})

	assert.True(t, onStrand)
	assert.True(t, inner)
	assert.False(t, s.RunningInThisGoroutine())
}

func TestStrand_Do_waitsForQueued(t *testing.T) {
	pool := newTestPool(t, 2)
	s := newTestStrand(t, pool)

	release := make(chan struct{})
	started := make(chan struct{})
	var order []string

	require.NoError(t, s.Post(func() {
		close(started)
		<-release
		order = append(order, `first`)
	}))
	<-started

	done := make(chan error, 1)
	go func() {
		s.Do(func() { order = append(order, `second`) })
		done <- nil
	}()

	requireNoCompletion(t, done, time.Millisecond*50)
	close(release)
	require.NoError(t, waitErr(t, done))

	s.Do(func() {
		assert.Equal(t, []string{`first`, `second`}, order)
	})
}

func TestStrand_Post_executorClosed(t *testing.T) {
	pool, err := NewPool(WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	s := newTestStrand(t, pool)

	var ran bool
	require.NoError(t, s.Post(func() { ran = true }))
	assert.True(t, ran, `should drain inline when the executor is closed`)

	s.Do(func() { ran = false })
	assert.False(t, ran)
}

func TestStrand_Wrap(t *testing.T) {
	pool := newTestPool(t, 2)
	s := newTestStrand(t, pool)

	ch := make(chan error, 1)
	h := s.Wrap(func(err error) {
		if !s.RunningInThisGoroutine() {
			t.Error(`wrapped handler should run on the strand`)
		}
		ch <- err
	})

	go h(io.EOF)

	assert.ErrorIs(t, waitErr(t, ch), io.EOF)
}

func TestStrand_Dispatch(t *testing.T) {
	pool := newTestPool(t, 2)
	s := newTestStrand(t, pool)

	s.Do(func() {
		var ran bool
		s.Dispatch(func() { ran = true })
		assert.True(t, ran, `should run inline on the strand`)
	})

	ch := make(chan error, 1)
	s.Dispatch(func() { ch <- nil })
	require.NoError(t, waitErr(t, ch))
}

func TestStrand_panicRecovered(t *testing.T) {
	var buf syncBuffer
	pool := newTestPool(t, 2)
	s, err := NewStrand(pool, WithLogger(newTestLogger(&buf)))
	require.NoError(t, err)

	require.NoError(t, s.Post(func() { panic(`strand panic`) }))

	var ran bool
	s.Do(func() { ran = true })
	assert.True(t, ran)
	assert.Contains(t, buf.String(), `strand panic`)
}

func TestStrand_yieldsBetweenBatches(t *testing.T) {
	pool := newTestPool(t, 1)
	s := newTestStrand(t, pool)

	var (
		wg    sync.WaitGroup
		count int
	)
	const n = strandBatchSize*3 + 5
	wg.Add(n)

	// hold the strand, so everything gets queued
	release := make(chan struct{})
	require.NoError(t, s.Post(func() { <-release }))
	for i := 0; i < n; i++ {
		require.NoError(t, s.Post(func() {
			defer wg.Done()
			count++
		}))
	}

	// must be able to run on the single worker, in between batches
	other := make(chan error, 1)
	close(release)
	require.NoError(t, pool.Post(func() { other <- nil }))
	require.NoError(t, waitErr(t, other))

	wg.Wait()
	s.Do(func() { assert.Equal(t, n, count) })
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	require.NotZero(t, id)
	assert.Equal(t, id, goroutineID())

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	v := <-other
	assert.NotZero(t, v)
	assert.NotEqual(t, id, v)
}
