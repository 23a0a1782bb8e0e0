// Package transfermux drives transfers, owned by a callback-driven,
// non-blocking multiplexing engine, to completion on top of an asynchronous
// reactor.
//
// A Multi registers each submitted Transfer with its Engine, services the
// engine's open-socket, close-socket, socket-interest and timer callbacks
// using reactor sockets and a single deadline timer, and invokes exactly one
// completion handler per transfer, with one of: nil (success), an error
// reported by the engine, or ErrAborted (or a caller-supplied cause) if the
// transfer was canceled.
//
// All engine calls, all four engine callbacks, and all completion handlers
// run on a single reactor.Strand, i.e. strictly one at a time, even though
// the reactor itself runs work on many goroutines. Engines therefore need no
// locking of their own, but completion handlers must not block.
package transfermux
