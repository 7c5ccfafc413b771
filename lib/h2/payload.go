package h2

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/go-i2p/httptransport/lib/body"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/metrics"
)

// Payload is the body of an HTTP/2 response. Reading returns flow-control
// credit to the peer; closing before EOF resets the stream.
type Payload struct {
	h    *Handle
	head *message.ResponseHead
	resp *http.Response
	pump *bodyPump

	mu       sync.Mutex
	finished bool
	err      error
}

// Size returns the size hint announced by the response.
func (p *Payload) Size() body.Size {
	if p.resp.ContentLength >= 0 {
		return body.Sized(p.resp.ContentLength)
	}
	return body.SizeStream
}

// Head returns the response head. Trailers are present once EOF was read.
func (p *Payload) Head() *message.ResponseHead {
	return p.head
}

// Trailer returns the response trailers, available after EOF.
func (p *Payload) Trailer() http.Header {
	return p.head.Trailer
}

// Read implements io.Reader.
func (p *Payload) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked(nil, b)
}

// Next implements body.MessageBody. Cancelling ctx resets the stream.
func (p *Payload) Next(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		p.finishLocked(err)
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { p.resp.Body.Close() })
	defer stop()

	buf := make([]byte, body.DefaultChunkSize)
	for {
		n, err := p.readLocked(ctx, buf)
		if n > 0 {
			if err == io.EOF {
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

	n, err := p.resp.Body.Read(b)
	switch {
	case err == io.EOF:
		p.head.Trailer = p.resp.Trailer
		p.finishLocked(nil)
	case err != nil:
		if ctx != nil && ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = streamError(err)
		}
		p.finishLocked(err)
	}
	return n, err
}

// Close releases the stream. A payload closed before EOF resets it.
func (p *Payload) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finished {
		p.finishLocked(http.ErrBodyReadAfterClose)
	}
	return nil
}

func (p *Payload) finishLocked(err error) {
	if p.finished {
		return
	}
	p.finished = true
	p.err = err
	p.resp.Body.Close()
	if p.pump != nil {
		p.pump.abort()
	}
	metrics.H2StreamsActive.Dec()

	if err != nil && !errors.Is(err, http.ErrBodyReadAfterClose) {
		log.WithField("conn", p.h.id).WithError(err).Debug("h2 stream failed")
	}
}
