package h2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"

	"github.com/go-i2p/httptransport/lib/body"
	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/metrics"
	"github.com/go-i2p/httptransport/lib/validation"
)

// Headers that are meaningless or forbidden on an HTTP/2 stream.
var connectionHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

// SendRequest opens a stream on h, sends head and b, and returns once the
// response HEADERS arrive.
//
// onStream is called once the stream slot is reserved, before any frame is
// written; the caller may hand the connection to other requests from then
// on. When SendRequest fails before the reservation, onStream is not called.
//
// An error wrapping ErrStreamRefused means the request did not reach the
// peer and b was not read, so both may be sent on another connection.
func SendRequest(ctx context.Context, h *Handle, head *message.RequestHead, b body.MessageBody, onStream func()) (*message.ResponseHead, *Payload, error) {
	if b == nil {
		b = body.None()
	}
	if head == nil || head.URI == nil {
		return nil, nil, fmt.Errorf("%w: missing request uri", apperrors.ErrInvalidRequest)
	}
	if err := validation.Method("method", head.Method); err != nil {
		return nil, nil, err
	}
	if err := validation.Header("header", head.Header); err != nil {
		return nil, nil, err
	}

	req, pump, err := buildRequest(ctx, head, b)
	if err != nil {
		return nil, nil, err
	}

	if !h.Reserve() {
		return nil, nil, fmt.Errorf("%w: connection %d has no stream available", apperrors.ErrStreamRefused, h.id)
	}
	if onStream != nil {
		onStream()
	}

	metrics.H2RequestsTotal.Inc()
	timer := metrics.NewTimer(metrics.RequestLatency)
	if pump != nil {
		go pump.run(ctx)
	}

	resp, err := h.cc.RoundTrip(req)
	if err != nil {
		if pump != nil {
			pump.abort()
		}
		err = roundTripError(ctx, pump, err)
		metrics.H2RequestsFailed.Inc()
		log.WithField("conn", h.id).WithField("method", head.Method).WithError(err).Debug("h2 request failed")
		return nil, nil, err
	}
	timer.ObserveDuration()

	rh := &message.ResponseHead{
		Status:        resp.StatusCode,
		Reason:        http.StatusText(resp.StatusCode),
		Version:       message.HTTP2,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Trailer:       resp.Trailer,
	}
	metrics.H2StreamsActive.Inc()
	return rh, &Payload{h: h, head: rh, resp: resp, pump: pump}, nil
}

// buildRequest translates head into a request for the multiplexer. The
// returned pump is nil when the request has no body.
func buildRequest(ctx context.Context, head *message.RequestHead, b body.MessageBody) (*http.Request, *bodyPump, error) {
	u := *head.URI
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	req, err := http.NewRequestWithContext(ctx, head.Method, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidRequest, err)
	}
	req.Host = message.HostHeader(head.URI)
	req.Header = requestHeader(head.Header)
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	req.Header.Del("Host")

	size := b.Size()
	if size.IsEOF() {
		req.ContentLength = 0
		req.Body = nil
		return req, nil, nil
	}

	pr, pw := io.Pipe()
	p := &bodyPump{b: b, size: size, pr: pr, pw: pw}
	req.Body = pr
	req.ContentLength = size.Length()
	return req, p, nil
}

// requestHeader copies h without connection-specific fields and without a
// literal Content-Length, which is derived from the body size instead.
func requestHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[textproto.CanonicalMIMEHeaderKey(k)] = append([]string(nil), vs...)
	}

	// Fields named by Connection are hop-by-hop too.
	for _, v := range out["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, k := range connectionHeaders {
		out.Del(k)
	}
	out.Del("Content-Length")

	if te := out["Te"]; len(te) > 0 && !httpguts.HeaderValuesContainsToken(te, "trailers") {
		out.Del("Te")
	} else if len(te) > 0 {
		out["Te"] = []string{"trailers"}
	}
	return out
}

// bodyPump copies a MessageBody into the pipe read by the multiplexer.
type bodyPump struct {
	b    body.MessageBody
	size body.Size
	pr   *io.PipeReader
	pw   *io.PipeWriter

	// started is set by whichever of run and withdraw comes first.
	started atomic.Bool

	mu  sync.Mutex
	err error
}

func (p *bodyPump) run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	var written int64
	for {
		chunk, err := p.b.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			p.fail(fmt.Errorf("%w: %w", apperrors.ErrBody, err))
			return
		}
		if len(chunk) == 0 {
			continue
		}

		written += int64(len(chunk))
		if p.size.Kind == body.KindSized && written > p.size.N {
			p.fail(fmt.Errorf("%w: wrote %d of %d bytes", apperrors.ErrBodyLength, written, p.size.N))
			return
		}
		// Blocks until the multiplexer has window to send the bytes.
		if _, err := p.pw.Write(chunk); err != nil {
			return
		}
	}

	if p.size.Kind == body.KindSized && written != p.size.N {
		p.fail(fmt.Errorf("%w: wrote %d of %d bytes", apperrors.ErrBodyLength, written, p.size.N))
		return
	}
	p.pw.Close()
}

func (p *bodyPump) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.pw.CloseWithError(err)
}

func (p *bodyPump) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// abort stops the producer once the stream is gone.
func (p *bodyPump) abort() {
	p.pr.CloseWithError(io.ErrClosedPipe)
}

// withdraw keeps the producer from reading the body. It reports false when
// the body was already being read.
func (p *bodyPump) withdraw() bool {
	return p.started.CompareAndSwap(false, true)
}

func roundTripError(ctx context.Context, pump *bodyPump, err error) error {
	if pump != nil {
		if berr := pump.failure(); berr != nil {
			return berr
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", apperrors.ErrResponseTimeout, ctxErr)
		}
		return fmt.Errorf("%w: %w", apperrors.ErrH2, ctxErr)
	}
	if refused(err) && (pump == nil || pump.withdraw()) {
		return fmt.Errorf("%w: %w", apperrors.ErrStreamRefused, err)
	}
	return streamError(err)
}

// refused reports whether err means the stream was never processed: the
// peer answered REFUSED_STREAM, or reset a stream it saw over its limit
// before our SETTINGS acknowledgement arrived, or the multiplexer found no
// stream slot after the reservation. x/net does not export the errors for
// the last two cases.
func refused(err error) bool {
	var se http2.StreamError
	if errors.As(err, &se) {
		switch se.Code {
		case http2.ErrCodeRefusedStream:
			return true
		case http2.ErrCodeProtocol:
			return se.Cause != nil && se.Cause.Error() == "received from peer"
		}
		return false
	}
	return err.Error() == "http2: client conn not usable"
}

func streamError(err error) error {
	var se http2.StreamError
	var ga http2.GoAwayError
	switch {
	case errors.As(err, &se):
		return fmt.Errorf("%w: stream %d: %w", apperrors.ErrH2, se.StreamID, err)
	case errors.As(err, &ga):
		return fmt.Errorf("%w: goaway: %w", apperrors.ErrH2, err)
	}
	return fmt.Errorf("%w: %w", apperrors.ErrH2, err)
}
