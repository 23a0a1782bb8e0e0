package transfermux

import (
	"github.com/joeycumines/go-transfermux/reactor"
)

// socketEntry is a socket opened on behalf of the engine, which the Multi
// owns until the engine closes it.
type socketEntry struct {
	sock *reactor.Socket
	fd   int
	// want is the readiness the engine has asked for
	want Poll
	// pending is the directions with an outstanding wait
	pending Poll
}

// socketRegistry maps engine descriptors to the sockets backing them.
type socketRegistry struct {
	entries map[int]*socketEntry
}

func (x *socketRegistry) get(fd int) *socketEntry {
	return x.entries[fd]
}

// add inserts e, returning false if the descriptor is already present.
func (x *socketRegistry) add(e *socketEntry) bool {
	if _, ok := x.entries[e.fd]; ok {
		return false
	}
	if x.entries == nil {
		x.entries = make(map[int]*socketEntry)
	}
	x.entries[e.fd] = e
	return true
}

// remove deletes and returns the entry for fd, or nil.
func (x *socketRegistry) remove(fd int) *socketEntry {
	e := x.entries[fd]
	if e != nil {
		delete(x.entries, fd)
	}
	return e
}

// closeAll removes and closes every entry, returning the first error.
func (x *socketRegistry) closeAll() (err error) {
	for fd, e := range x.entries {
		delete(x.entries, fd)
		if cerr := e.sock.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return
}

func (x *socketRegistry) len() int {
	return len(x.entries)
}
