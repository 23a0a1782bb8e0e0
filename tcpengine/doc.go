// Package tcpengine implements a minimal transfermux.Engine, performing
// request/response exchanges over TCP: connect, write the payload, half-close,
// then read the response until the peer closes the connection.
//
// Like any transfermux engine, it performs no I/O until told the socket is
// ready, and it opens and closes sockets only via the hooks installed on each
// Request.
package tcpengine
