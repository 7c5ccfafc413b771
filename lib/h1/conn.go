// Package h1 drives HTTP/1.x exchanges over a single transport connection.
//
// The driver never owns pool state. SendRequest reports the fate of the
// connection through a callback once the response payload is finished:
// reuse is true only when both sides agreed on persistence and no stray
// bytes remain buffered in either direction.
package h1

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Buffer sizes for the read and write sides of a connection.
const (
	ReadBufferSize  = 4 << 10
	WriteBufferSize = 8 << 10
)

// drainLimit caps how much a graceful close reads before giving up.
const drainLimit = 256 << 10

// probeWindow is the read deadline used when the socket can not be peeked
// without blocking.
const probeWindow = time.Millisecond

var connIDs atomic.Uint64

// aLongTimeAgo is a deadline in the past that makes blocked I/O return.
var aLongTimeAgo = time.Unix(1, 0)

// Conn is an HTTP/1 connection with its buffered reader and writer.
type Conn struct {
	id   uint64
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

// NewConn wraps c. The caller hands ownership of c to the returned Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		id:   connIDs.Add(1),
		conn: c,
		br:   bufio.NewReaderSize(c, ReadBufferSize),
		bw:   bufio.NewWriterSize(c, WriteBufferSize),
	}
}

// ID returns a process-unique identifier for the connection.
func (c *Conn) ID() uint64 { return c.id }

// NetConn returns the underlying transport connection.
func (c *Conn) NetConn() net.Conn { return c.conn }

// Idle reports whether no bytes are buffered in either direction.
func (c *Conn) Idle() bool {
	return c.br.Buffered() == 0 && c.bw.Buffered() == 0
}

// Probe reports whether an idle connection still looks usable. Any buffered
// or readable byte, EOF or error means the connection must be discarded; a
// read that would block means it is alive.
func (c *Conn) Probe() bool {
	if !c.Idle() {
		return false
	}
	if alive, ok := peekSocket(c.conn); ok {
		return alive
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(probeWindow)); err != nil {
		return false
	}
	_, err := c.br.Peek(1)
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return false
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close closes the connection immediately.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// GracefulClose shuts the write side, drains the peer until EOF or timeout
// and then closes. It returns immediately; the work runs in the background.
func (c *Conn) GracefulClose(timeout time.Duration) {
	go func() {
		defer c.conn.Close()

		if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
			if err := cw.CloseWrite(); err != nil {
				return
			}
		}
		if timeout <= 0 {
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return
		}
		n, err := io.CopyN(io.Discard, c.conn, drainLimit)
		log.WithField("conn", c.id).
			WithField("drained", n).
			WithField("eof", err == io.EOF).
			Debug("connection shut down")
	}()
}
