package h1

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/httptransport/lib/body"
	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/message"
)

type disposition struct {
	mu    sync.Mutex
	calls []bool
}

func (d *disposition) done(reuse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, reuse)
}

func (d *disposition) get(t *testing.T) (reuse, called bool) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) > 1 {
		t.Fatalf("done called %d times, want once", len(d.calls))
	}
	if len(d.calls) == 0 {
		return false, false
	}
	return d.calls[0], true
}

// serve runs handler against the server side of a pipe.
func serve(t *testing.T, handler func(br *bufio.Reader, w net.Conn)) *Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go handler(bufio.NewReader(server), server)
	return NewConn(client)
}

// respondAfterRequest reads one full request and writes raw back.
func respondAfterRequest(raw string, seen chan<- *http.Request) func(*bufio.Reader, net.Conn) {
	return func(br *bufio.Reader, w net.Conn) {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		data, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(strings.NewReader(string(data)))
		if seen != nil {
			seen <- req
		}
		w.Write([]byte(raw))
	}
}

// rawHead reads the request line and header block without interpretation.
func rawHead(br *bufio.Reader) (string, textproto.MIMEHeader, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return "", nil, err
	}
	hdr, err := tp.ReadMIMEHeader()
	return line, hdr, err
}

func newHead(t *testing.T, method, raw string) *message.RequestHead {
	t.Helper()
	h, err := message.NewRequestHead(method, raw)
	if err != nil {
		t.Fatalf("NewRequestHead() error = %v", err)
	}
	return h
}

func TestSendRequestReusable(t *testing.T) {
	seen := make(chan *http.Request, 1)
	c := serve(t, respondAfterRequest("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", seen))

	var d disposition
	rh, p, err := SendRequest(context.Background(), c, newHead(t, "GET", "http://example.com/index?q=1"), nil, d.done)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	req := <-seen
	if req.Host != "example.com" || req.RequestURI != "/index?q=1" {
		t.Errorf("server saw host %q uri %q", req.Host, req.RequestURI)
	}
	if rh.Status != 200 || rh.Reason != "OK" || rh.Version != message.HTTP11 {
		t.Errorf("head = %+v", rh)
	}
	if p.Size() != body.Sized(5) {
		t.Errorf("Size() = %v, want sized(5)", p.Size())
	}
	if _, called := d.get(t); called {
		t.Fatal("done must wait for EOF")
	}

	data, err := io.ReadAll(p)
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadAll() = %q, %v", data, err)
	}
	if reuse, called := d.get(t); !called || !reuse {
		t.Errorf("disposition = (%v, %v), want reuse", reuse, called)
	}
	if !c.Idle() {
		t.Error("connection should be idle after a clean exchange")
	}
}

func TestSendRequestClassification(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		close     bool
		wantReuse bool
	}{
		{"keep-alive", "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", false, true},
		{"trailing bytes", "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nokEXTRA", false, false},
		{"connection close", "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 2\r\n\r\nok", false, false},
		{"http/1.0 default", "HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nok", false, false},
		{"http/1.0 keep-alive", "HTTP/1.0 200 OK\r\nConnection: keep-alive\r\nContent-Length: 2\r\n\r\nok", false, true},
		{"request wants close", "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", true, false},
		{"chunked", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nok\r\n0\r\n\r\n", false, true},
		{"no content", "HTTP/1.1 204 No Content\r\n\r\n", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := serve(t, respondAfterRequest(tt.response, nil))
			head := newHead(t, "GET", "http://example.com/")
			head.Close = tt.close

			var d disposition
			_, p, err := SendRequest(context.Background(), c, head, body.None(), d.done)
			if err != nil {
				t.Fatalf("SendRequest() error = %v", err)
			}
			if _, err := io.ReadAll(p); err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			reuse, called := d.get(t)
			if !called {
				t.Fatal("done was not called at EOF")
			}
			if reuse != tt.wantReuse {
				t.Errorf("reuse = %v, want %v", reuse, tt.wantReuse)
			}
		})
	}
}

func TestSendRequestCloseBeforeEOF(t *testing.T) {
	c := serve(t, respondAfterRequest("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n01234", nil))

	var d disposition
	_, p, err := SendRequest(context.Background(), c, newHead(t, "GET", "http://example.com/"), nil, d.done)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	buf := make([]byte, 2)
	if _, err := p.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	p.Close()
	p.Close()

	if reuse, called := d.get(t); !called || reuse {
		t.Errorf("disposition = (%v, %v), want close", reuse, called)
	}
	if _, err := p.Read(buf); err == nil {
		t.Error("Read after Close should fail")
	}
}

func TestSendRequestSkipsInformational(t *testing.T) {
	c := serve(t, respondAfterRequest("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 204 No Content\r\n\r\n", nil))

	var d disposition
	rh, p, err := SendRequest(context.Background(), c, newHead(t, "GET", "http://example.com/"), nil, d.done)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if rh.Status != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rh.Status)
	}
	if p.Size() != body.SizeNone {
		t.Errorf("Size() = %v, want none", p.Size())
	}
	if reuse, called := d.get(t); !called || !reuse {
		t.Errorf("bodiless response should be classified immediately, got (%v, %v)", reuse, called)
	}
	if _, err := p.Next(context.Background()); err != io.EOF {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}

func TestSendRequestHeadMethod(t *testing.T) {
	c := serve(t, respondAfterRequest("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n", nil))

	var d disposition
	rh, _, err := SendRequest(context.Background(), c, newHead(t, "HEAD", "http://example.com/"), nil, d.done)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if rh.ContentLength != 10 {
		t.Errorf("ContentLength = %d, want 10", rh.ContentLength)
	}
	if reuse, called := d.get(t); !called || !reuse {
		t.Errorf("HEAD response should be reusable immediately, got (%v, %v)", reuse, called)
	}
}

func TestRequestFraming(t *testing.T) {
	tests := []struct {
		name          string
		method        string
		body          body.MessageBody
		contentLength string
		chunked       bool
	}{
		{"get without body", "GET", body.None(), "", false},
		{"post empty", "POST", body.Empty(), "0", false},
		{"put none", "PUT", body.None(), "0", false},
		{"sized", "POST", body.String("hello"), "5", false},
		{"stream", "POST", body.Chunks([]byte("ab"), []byte("cde")), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			type seenHead struct {
				line string
				hdr  textproto.MIMEHeader
			}
			seen := make(chan seenHead, 1)
			c := serve(t, func(br *bufio.Reader, w net.Conn) {
				// The whole request fits in the first buffered read, so the
				// body does not need to be consumed before replying.
				line, hdr, err := rawHead(br)
				if err != nil {
					return
				}
				seen <- seenHead{line, hdr}
				w.Write([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
			})

			head := newHead(t, tt.method, "http://example.com:8080/upload")
			head.Header.Set("X-Trace", "abc")
			head.Header.Set("Content-Length", "999")
			if _, _, err := SendRequest(context.Background(), c, head, tt.body, nil); err != nil {
				t.Fatalf("SendRequest() error = %v", err)
			}

			got := <-seen
			if got.line != tt.method+" /upload HTTP/1.1" {
				t.Errorf("request line = %q", got.line)
			}
			if got.hdr.Get("Host") != "example.com:8080" {
				t.Errorf("Host = %q", got.hdr.Get("Host"))
			}
			if got.hdr.Get("X-Trace") != "abc" {
				t.Errorf("X-Trace = %q", got.hdr.Get("X-Trace"))
			}
			if cl := got.hdr.Get("Content-Length"); cl != tt.contentLength {
				t.Errorf("Content-Length = %q, want %q", cl, tt.contentLength)
			}
			if te := got.hdr.Get("Transfer-Encoding") == "chunked"; te != tt.chunked {
				t.Errorf("chunked = %v, want %v", te, tt.chunked)
			}
		})
	}
}

func TestChunkedRequestBody(t *testing.T) {
	seen := make(chan *http.Request, 1)
	c := serve(t, respondAfterRequest("HTTP/1.1 204 No Content\r\n\r\n", seen))

	b := body.Chunks([]byte("ab"), []byte("cde"))
	if _, _, err := SendRequest(context.Background(), c, newHead(t, "POST", "http://example.com/"), b, nil); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	req := <-seen
	data, _ := io.ReadAll(req.Body)
	if string(data) != "abcde" {
		t.Errorf("server body = %q, want abcde", data)
	}
	if len(req.TransferEncoding) != 1 || req.TransferEncoding[0] != "chunked" {
		t.Errorf("TransferEncoding = %v", req.TransferEncoding)
	}
}

func TestSendRequestBodyErrors(t *testing.T) {
	drain := func(br *bufio.Reader, w net.Conn) { io.Copy(io.Discard, br) }
	boom := errors.New("producer failed")

	tests := []struct {
		name    string
		version message.Version
		body    body.MessageBody
		want    error
	}{
		{"short sized body", message.HTTP11, body.Reader(strings.NewReader("abc"), 5), apperrors.ErrBodyLength},
		{"long sized body", message.HTTP11, body.Reader(strings.NewReader("abcdefg"), 5), apperrors.ErrBodyLength},
		{"stream on http/1.0", message.HTTP10, body.Chunks([]byte("x")), apperrors.ErrBodyFraming},
		{"producer error", message.HTTP11, body.Reader(errReader{boom}, -1), boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := serve(t, drain)
			head := newHead(t, "POST", "http://example.com/")
			head.Version = tt.version

			var d disposition
			_, _, err := SendRequest(context.Background(), c, head, tt.body, d.done)
			if !errors.Is(err, tt.want) {
				t.Fatalf("SendRequest() error = %v, want %v", err, tt.want)
			}
			if !apperrors.IsBody(err) {
				t.Errorf("error should be body-class: %v", err)
			}
			if _, called := d.get(t); called {
				t.Error("done must not be called on error")
			}
		})
	}
}

func TestSendRequestInvalidHead(t *testing.T) {
	c := serve(t, func(br *bufio.Reader, w net.Conn) {})

	head := newHead(t, "GET", "http://example.com/")
	head.Header.Set("X-Bad", "a\r\nb")
	_, _, err := SendRequest(context.Background(), c, head, nil, nil)
	if !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Errorf("SendRequest() error = %v, want ErrInvalidRequest", err)
	}

	_, _, err = SendRequest(context.Background(), c, &message.RequestHead{Method: "GET"}, nil, nil)
	if !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Errorf("SendRequest(no uri) error = %v, want ErrInvalidRequest", err)
	}
}

func TestSendRequestContextTimeout(t *testing.T) {
	c := serve(t, func(br *bufio.Reader, w net.Conn) {
		rawHead(br)
		// never respond
		io.Copy(io.Discard, br)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var d disposition
	_, _, err := SendRequest(ctx, c, newHead(t, "GET", "http://example.com/"), nil, d.done)
	if !errors.Is(err, apperrors.ErrResponseTimeout) {
		t.Fatalf("SendRequest() error = %v, want ErrResponseTimeout", err)
	}
	if _, called := d.get(t); called {
		t.Error("done must not be called on error")
	}
}

func TestSendRequestPeerClosed(t *testing.T) {
	c := serve(t, func(br *bufio.Reader, w net.Conn) {
		rawHead(br)
		w.Close()
	})

	_, _, err := SendRequest(context.Background(), c, newHead(t, "GET", "http://example.com/"), nil, nil)
	if !errors.Is(err, apperrors.ErrDisconnected) {
		t.Fatalf("SendRequest() error = %v, want ErrDisconnected", err)
	}
}

func TestPayloadNext(t *testing.T) {
	c := serve(t, respondAfterRequest("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nTrailer: X-Sum\r\n\r\n3\r\nabc\r\n2\r\nde\r\n0\r\nX-Sum: 5\r\n\r\n", nil))

	var d disposition
	_, p, err := SendRequest(context.Background(), c, newHead(t, "GET", "http://example.com/"), nil, d.done)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if p.Size() != body.SizeStream {
		t.Errorf("Size() = %v, want stream", p.Size())
	}
	data, err := body.ReadAll(context.Background(), p)
	if err != nil || string(data) != "abcde" {
		t.Fatalf("ReadAll() = %q, %v", data, err)
	}
	if p.Trailer().Get("X-Sum") != "5" {
		t.Errorf("trailer X-Sum = %q", p.Trailer().Get("X-Sum"))
	}
	if reuse, called := d.get(t); !called || !reuse {
		t.Errorf("disposition = (%v, %v), want reuse", reuse, called)
	}
}

func TestOpenTunnel(t *testing.T) {
	c := serve(t, func(br *bufio.Reader, w net.Conn) {
		line, _, err := rawHead(br)
		if err != nil || line != "CONNECT example.com:443 HTTP/1.1" {
			w.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			return
		}
		w.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\nhello"))
		buf := make([]byte, 4)
		io.ReadFull(br, buf)
		w.Write(buf)
	})

	rh, tunnel, err := OpenTunnel(context.Background(), c, newHead(t, "CONNECT", "https://example.com/"))
	if err != nil {
		t.Fatalf("OpenTunnel() error = %v", err)
	}
	defer tunnel.Close()
	if rh.Status != 200 {
		t.Fatalf("status = %d, want 200", rh.Status)
	}

	buf := make([]byte, 5)
	if _, err := io.ReadFull(tunnel, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("early bytes = %q, %v", buf, err)
	}
	if _, err := tunnel.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	echo := make([]byte, 4)
	if _, err := io.ReadFull(tunnel, echo); err != nil || string(echo) != "ping" {
		t.Fatalf("echo = %q, %v", echo, err)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
