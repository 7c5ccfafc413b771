package h1

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/go-i2p/httptransport/lib/body"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/metrics"
)

// Payload is the body of an HTTP/1 response. It is both an io.ReadCloser
// and a body.MessageBody. The connection's fate is decided when the payload
// finishes: EOF on a persistent, fully drained exchange means reuse, anything
// else means close.
type Payload struct {
	c         *Conn
	head      *message.ResponseHead
	resp      *http.Response
	body      io.ReadCloser
	keepAlive bool
	noBody    bool
	ctx       context.Context

	mu       sync.Mutex
	finished bool
	err      error
	stop     func() bool
	nextStop func() bool
	done     func(reuse bool)
}

// Size returns the size hint derived from the response framing.
func (p *Payload) Size() body.Size {
	switch {
	case p.noBody:
		return body.SizeNone
	case p.head.ContentLength >= 0:
		return body.Sized(p.head.ContentLength)
	default:
		return body.SizeStream
	}
}

// Read implements io.Reader.
func (p *Payload) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked(p.ctx, b)
}

// Next implements body.MessageBody. Cancelling ctx aborts a blocked read and
// closes the connection.
func (p *Payload) Next(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		p.failLocked(err)
		return nil, err
	}
	p.nextStop = context.AfterFunc(ctx, func() { p.c.conn.SetReadDeadline(aLongTimeAgo) })
	defer func() {
		if p.nextStop != nil {
			p.nextStop()
			p.nextStop = nil
		}
	}()

	buf := make([]byte, body.DefaultChunkSize)
	for {
		n, err := p.readLocked(ctx, buf)
		if n > 0 {
			if err == io.EOF {
				// Deliver the data now, EOF on the next call.
				err = nil
			}
			return buf[:n], err
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *Payload) readLocked(ctx context.Context, b []byte) (int, error) {
	if p.finished {
		if p.err != nil {
			return 0, p.err
		}
		return 0, io.EOF
	}

	n, err := p.body.Read(b)
	switch {
	case err == io.EOF:
		if p.resp != nil {
			p.head.Trailer = p.resp.Trailer
		}
		p.finishLocked(p.reusable())
	case err != nil:
		err = readError(ctx, err)
		p.failLocked(err)
	}
	return n, err
}

// Close abandons the payload. A payload closed before EOF takes the
// connection with it.
func (p *Payload) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finished {
		p.failLocked(http.ErrBodyReadAfterClose)
	}
	return nil
}

// Head returns the response head. Trailers are present once EOF was read.
func (p *Payload) Head() *message.ResponseHead {
	return p.head
}

// Trailer returns the response trailers, available after EOF.
func (p *Payload) Trailer() http.Header {
	return p.head.Trailer
}

func (p *Payload) reusable() bool {
	return p.keepAlive && p.c.Idle()
}

func (p *Payload) finish(reuse bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked(reuse)
}

func (p *Payload) failLocked(err error) {
	if p.finished {
		return
	}
	p.err = err
	p.finishLocked(false)
}

func (p *Payload) finishLocked(reuse bool) {
	if p.finished {
		return
	}
	p.finished = true

	// A fired cancellation may have left a past deadline on the socket.
	if p.stop != nil && !p.stop() {
		reuse = false
	}
	if p.nextStop != nil {
		if !p.nextStop() {
			reuse = false
		}
		p.nextStop = nil
	}
	if reuse {
		metrics.H1Reusable.Inc()
	} else {
		metrics.H1Closed.Inc()
	}
	log.WithField("conn", p.c.id).WithField("reuse", reuse).Debug("h1 exchange finished")

	if p.done != nil {
		p.done(reuse)
	}
}
