package reactor

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID parses the current goroutine's ID from its stack header,
// e.g. "goroutine 18 [running]:". Returns 0 if it can't be parsed.
func goroutineID() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
