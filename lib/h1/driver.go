package h1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/net/http/httpguts"

	"github.com/go-i2p/httptransport/lib/body"
	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/metrics"
	"github.com/go-i2p/httptransport/lib/validation"
)

// SendRequest writes head and the body b on c and reads the response head.
//
// On success the returned Payload owns the rest of the exchange and done is
// called exactly once when the payload reaches EOF, fails or is closed. On
// error done is never called and the caller must close c.
func SendRequest(ctx context.Context, c *Conn, head *message.RequestHead, b body.MessageBody, done func(reuse bool)) (*message.ResponseHead, *Payload, error) {
	if b == nil {
		b = body.None()
	}
	if err := checkHead(head); err != nil {
		return nil, nil, err
	}
	size := b.Size()
	if size.Kind == body.KindStream && head.Version == message.HTTP10 {
		return nil, nil, fmt.Errorf("%w: streaming body on HTTP/1.0", apperrors.ErrBodyFraming)
	}

	metrics.H1RequestsTotal.Inc()
	timer := metrics.NewTimer(metrics.RequestLatency)

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(aLongTimeAgo) })

	resp, err := c.exchange(ctx, head, b, size)
	if err != nil {
		stop()
		metrics.H1RequestsFailed.Inc()
		log.WithField("conn", c.id).WithField("method", head.Method).WithError(err).Debug("h1 request failed")
		return nil, nil, err
	}
	timer.ObserveDuration()

	rh := responseHead(resp)
	p := &Payload{
		c:         c,
		head:      rh,
		resp:      resp,
		body:      resp.Body,
		keepAlive: !head.WantsClose() && !resp.Close,
		noBody:    resp.Body == http.NoBody,
		stop:      stop,
		done:      done,
		ctx:       ctx,
	}
	if resp.StatusCode == http.StatusSwitchingProtocols {
		p.keepAlive = false
	}
	if p.noBody {
		p.finish(p.reusable())
	}
	return rh, p, nil
}

// OpenTunnel writes a bodiless head such as CONNECT or an Upgrade request
// and reads the response head. The returned net.Conn carries the tunnel and
// replays any bytes already buffered after the head. The caller owns it
// regardless of the response status.
func OpenTunnel(ctx context.Context, c *Conn, head *message.RequestHead) (*message.ResponseHead, net.Conn, error) {
	if err := checkHead(head); err != nil {
		return nil, nil, err
	}

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(aLongTimeAgo) })
	resp, err := c.exchange(ctx, head, body.None(), body.SizeNone)
	if !stop() {
		// The deadline may already be in the past.
		if err == nil {
			err = ioError(ctx, apperrors.ErrSend, context.Cause(ctx))
		}
	}
	if err != nil {
		log.WithField("conn", c.id).WithError(err).Debug("h1 tunnel failed")
		return nil, nil, err
	}

	metrics.H1Tunnels.Inc()
	log.WithField("conn", c.id).WithField("status", resp.StatusCode).Debug("h1 tunnel opened")
	return responseHead(resp), &tunnelConn{Conn: c.conn, br: c.br}, nil
}

func checkHead(head *message.RequestHead) error {
	if head == nil || head.URI == nil {
		return fmt.Errorf("%w: missing request uri", apperrors.ErrInvalidRequest)
	}
	if err := validation.Method("method", head.Method); err != nil {
		return err
	}
	return validation.Header("header", head.Header)
}

// exchange writes the request and reads one final response head.
func (c *Conn) exchange(ctx context.Context, head *message.RequestHead, b body.MessageBody, size body.Size) (*http.Response, error) {
	if err := writeHead(c.bw, head, size); err != nil {
		return nil, ioError(ctx, apperrors.ErrSend, err)
	}
	if err := writeBody(ctx, c.bw, b, size); err != nil {
		return nil, err
	}

	for {
		resp, err := http.ReadResponse(c.br, &http.Request{Method: head.Method})
		if err != nil {
			return nil, readError(ctx, err)
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		return resp, nil
	}
}

// writeHead writes the request line, headers and framing headers into w.
func writeHead(w *bufio.Writer, head *message.RequestHead, size body.Size) error {
	target := head.URI.RequestURI()
	if head.Method == http.MethodConnect {
		target = message.Authority(head.URI)
	}
	if target == "" {
		target = "/"
	}
	version := "HTTP/1.1"
	if head.Version == message.HTTP10 {
		version = "HTTP/1.0"
	}
	w.WriteString(head.Method + " " + target + " " + version + "\r\n")

	host := message.HostHeader(head.URI)
	hdr := make(http.Header, len(head.Header)+2)
	for k, vs := range head.Header {
		switch ck := textproto.CanonicalMIMEHeaderKey(k); ck {
		case "Host":
			if len(vs) > 0 && vs[0] != "" {
				host = vs[0]
			}
		case "Content-Length", "Transfer-Encoding":
		default:
			hdr[ck] = append(hdr[ck], vs...)
		}
	}
	w.WriteString("Host: " + host + "\r\n")

	if head.Close && !httpguts.HeaderValuesContainsToken(hdr["Connection"], "close") {
		hdr.Add("Connection", "close")
	}

	switch size.Kind {
	case body.KindNone, body.KindEmpty:
		if methodExpectsBody(head.Method) {
			hdr.Set("Content-Length", "0")
		}
	case body.KindSized:
		hdr.Set("Content-Length", strconv.FormatInt(size.N, 10))
	case body.KindStream:
		hdr.Set("Transfer-Encoding", "chunked")
	}

	if err := hdr.Write(w); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// writeBody pumps b into w. Chunks go straight into the write buffer, which
// flushes to the socket whenever it fills; the remainder is flushed at the end.
func writeBody(ctx context.Context, w *bufio.Writer, b body.MessageBody, size body.Size) error {
	if size.IsEOF() {
		if err := w.Flush(); err != nil {
			return ioError(ctx, apperrors.ErrSend, err)
		}
		return nil
	}

	chunked := size.Kind == body.KindStream
	var written int64
	for {
		chunk, err := b.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrBody, err)
		}
		if len(chunk) == 0 {
			continue
		}

		written += int64(len(chunk))
		if size.Kind == body.KindSized && written > size.N {
			return fmt.Errorf("%w: wrote %d of %d bytes", apperrors.ErrBodyLength, written, size.N)
		}
		if chunked {
			w.WriteString(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n")
		}
		w.Write(chunk)
		if chunked {
			w.WriteString("\r\n")
		}
		// bufio.Writer errors are sticky; check once per chunk.
		if _, err := w.Write(nil); err != nil {
			return ioError(ctx, apperrors.ErrSend, err)
		}
	}

	if size.Kind == body.KindSized && written != size.N {
		return fmt.Errorf("%w: wrote %d of %d bytes", apperrors.ErrBodyLength, written, size.N)
	}
	if chunked {
		w.WriteString("0\r\n\r\n")
	}
	if err := w.Flush(); err != nil {
		return ioError(ctx, apperrors.ErrSend, err)
	}
	return nil
}

func responseHead(resp *http.Response) *message.ResponseHead {
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	return &message.ResponseHead{
		Status:        resp.StatusCode,
		Reason:        strings.TrimSpace(reason),
		Version:       message.VersionOf(resp.ProtoMajor, resp.ProtoMinor),
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Close:         resp.Close,
		Trailer:       resp.Trailer,
	}
}

func methodExpectsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// ioError classifies an I/O failure, preferring the context's verdict.
func ioError(ctx context.Context, sentinel, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", apperrors.ErrResponseTimeout, ctxErr)
		}
		return fmt.Errorf("%w: %w", sentinel, ctxErr)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// readError classifies a failure while reading from the peer.
func readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ioError(ctx, apperrors.ErrConnection, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %w", apperrors.ErrDisconnected, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return fmt.Errorf("%w: %w", apperrors.ErrResponseTimeout, err)
		}
		return fmt.Errorf("%w: %w", apperrors.ErrConnection, err)
	}
	return fmt.Errorf("%w: %w", apperrors.ErrParse, err)
}

// tunnelConn reads through the connection's buffer so bytes that arrived
// with the response head are not lost.
type tunnelConn struct {
	net.Conn
	br *bufio.Reader
}

func (t *tunnelConn) Read(p []byte) (int, error) {
	return t.br.Read(p)
}
