// Package reactor provides a small, asio-style asynchronous reactor: a
// multi-worker [Executor] ([Pool]), cancelable one-shot readiness waits on
// non-blocking sockets ([Socket.AsyncWait]), rearmable deadline waits
// ([Timer.AsyncWait]), and a serializing executor ([Strand]) layered over
// any [Executor].
//
// # Completion handlers
//
// Every asynchronous operation completes exactly once, by posting its handler
// to the reactor's executor with a single error argument. A nil error means
// the operation succeeded (the socket became ready, the deadline elapsed).
// Operations that were canceled, or superseded by a rearm, complete with
// [ErrOperationAborted]. Handlers may be bound to a [Strand] using
// [Strand.Wrap], in which case they are run one at a time.
//
// # Platform Support
//
// Readiness notification is implemented using epoll, on Linux. On other
// platforms [New] returns [ErrUnsupportedPlatform]. The [Pool], [Strand], and
// [Timer] types are platform independent.
package reactor
