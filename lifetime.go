package transfermux

import (
	"sync"
)

var lifetimes struct {
	refs map[Global]int
	mu   sync.Mutex
}

// acquireLifetime calls g.Init if there are no other references to g.
func acquireLifetime(g Global) error {
	lifetimes.mu.Lock()
	defer lifetimes.mu.Unlock()
	if lifetimes.refs[g] == 0 {
		if err := g.Init(); err != nil {
			return &EngineError{Op: `init`, Err: err}
		}
	}
	if lifetimes.refs == nil {
		lifetimes.refs = make(map[Global]int)
	}
	lifetimes.refs[g]++
	return nil
}

// releaseLifetime drops a reference to g, calling g.Cleanup if it was the
// last.
func releaseLifetime(g Global) {
	lifetimes.mu.Lock()
	defer lifetimes.mu.Unlock()
	switch n := lifetimes.refs[g]; n {
	case 0:
		panic(`transfermux: lifetime released more times than acquired`)
	case 1:
		delete(lifetimes.refs, g)
		g.Cleanup()
	default:
		lifetimes.refs[g] = n - 1
	}
}
