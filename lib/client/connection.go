package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-i2p/httptransport/lib/body"
	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/h1"
	"github.com/go-i2p/httptransport/lib/h2"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/pool"
	"github.com/go-i2p/httptransport/lib/transport"
)

// Payload is a response body. Closing it before EOF abandons the rest of
// the response.
type Payload interface {
	body.MessageBody
	io.ReadCloser
	// Trailer returns the trailer fields once the body reached EOF.
	Trailer() http.Header
}

// maxStreamRetries bounds how often a refused HTTP/2 request is sent again
// on another connection.
const maxStreamRetries = 3

// Connection is a checked-out pool connection. It serves one SendRequest
// or OpenTunnel; after that, or after Release or Close, it is spent.
type Connection struct {
	io       pool.ConnectionType
	created  time.Time
	acquired *pool.Acquired
	used     atomic.Bool

	// redial checks out another connection to the same target.
	redial  func(ctx context.Context) (*Connection, error)
	retries int
}

// ID returns the identifier of the underlying connection.
func (c *Connection) ID() uint64 { return c.io.ID() }

// Protocol returns the protocol negotiated on the connection.
func (c *Connection) Protocol() transport.Protocol { return c.io.Protocol() }

// SendRequest sends head and b and returns the response head and body.
//
// An HTTP/1 connection goes back to the pool when the payload reaches EOF
// and the exchange left it reusable, and is closed otherwise. An HTTP/2
// connection goes back as soon as the stream is open. When it has no
// stream to spare or the peer refuses the stream, the request is sent on
// another connection from the pool or a new one.
func (c *Connection) SendRequest(ctx context.Context, head *message.RequestHead, b body.MessageBody) (*message.ResponseHead, Payload, error) {
	if !c.used.CompareAndSwap(false, true) {
		return nil, nil, fmt.Errorf("%w: connection already used", apperrors.ErrInvalidState)
	}

	switch ct := c.io.(type) {
	case pool.H1:
		rh, p, err := h1.SendRequest(ctx, ct.Conn, head, b, func(reuse bool) {
			if reuse {
				c.acquired.Release(c.io, c.created)
			} else {
				c.acquired.Close(c.io)
			}
		})
		if err != nil {
			c.acquired.Close(c.io)
			return nil, nil, err
		}
		return rh, p, nil

	case pool.H2:
		rh, p, err := h2.SendRequest(ctx, ct.Handle, head, b, func() {
			c.acquired.Release(c.io, c.created)
		})
		if err != nil {
			// A no-op when the stream was already opened.
			if ct.Handle.Alive() {
				c.acquired.Release(c.io, c.created)
			} else {
				c.acquired.Close(c.io)
			}
			if errors.Is(err, apperrors.ErrStreamRefused) {
				return c.resend(ctx, head, b, err)
			}
			return nil, nil, err
		}
		return rh, p, nil

	default:
		panic("client: unknown connection type")
	}
}

// resend sends a refused request again on a freshly checked-out connection.
func (c *Connection) resend(ctx context.Context, head *message.RequestHead, b body.MessageBody, cause error) (*message.ResponseHead, Payload, error) {
	if c.redial == nil || c.retries >= maxStreamRetries {
		return nil, nil, cause
	}
	log.WithField("conn", c.ID()).WithField("retry", c.retries+1).WithError(cause).Debug("stream refused, retrying on another connection")

	next, err := c.redial(ctx)
	if err != nil {
		return nil, nil, err
	}
	next.retries = c.retries + 1
	return next.SendRequest(ctx, head, b)
}

// OpenTunnel sends a bodiless head such as CONNECT and returns the
// response head and the raw connection. The tunnel takes the connection
// out of the pool for good. HTTP/2 connections do not support tunnels;
// they are returned to the pool and ErrTunnelUnsupported is reported.
func (c *Connection) OpenTunnel(ctx context.Context, head *message.RequestHead) (*message.ResponseHead, net.Conn, error) {
	if !c.used.CompareAndSwap(false, true) {
		return nil, nil, fmt.Errorf("%w: connection already used", apperrors.ErrInvalidState)
	}

	switch ct := c.io.(type) {
	case pool.H1:
		rh, conn, err := h1.OpenTunnel(ctx, ct.Conn, head)
		if err != nil {
			c.acquired.Close(c.io)
			return nil, nil, err
		}
		// The caller owns the socket now; only the slot is freed.
		c.acquired.Close(nil)
		return rh, conn, nil

	case pool.H2:
		c.acquired.Release(c.io, c.created)
		return nil, nil, apperrors.ErrTunnelUnsupported

	default:
		panic("client: unknown connection type")
	}
}

// Release returns an unused connection to the pool.
func (c *Connection) Release() {
	if c.used.CompareAndSwap(false, true) {
		c.acquired.Release(c.io, c.created)
	}
}

// Close shuts down an unused connection.
func (c *Connection) Close() {
	if c.used.CompareAndSwap(false, true) {
		c.acquired.Close(c.io)
	}
}
