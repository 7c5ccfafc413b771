package h2

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/go-i2p/httptransport/lib/body"
	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/message"
)

func newServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	return newLimitedServer(t, handler, 0)
}

// newLimitedServer starts an h2 server that allows maxStreams concurrent
// streams per connection. Zero keeps the server default.
func newLimitedServer(t *testing.T, handler http.Handler, maxStreams uint32) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	srv.EnableHTTP2 = true
	if maxStreams > 0 {
		if err := http2.ConfigureServer(srv.Config, &http2.Server{MaxConcurrentStreams: maxStreams}); err != nil {
			t.Fatalf("ConfigureServer() error = %v", err)
		}
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *Handle {
	t.Helper()
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	conn, err := tls.Dial("tcp", srv.Listener.Addr().String(), &tls.Config{
		RootCAs:    roots,
		ServerName: "example.com",
		NextProtos: []string{"h2"},
	})
	if err != nil {
		t.Fatalf("tls.Dial() error = %v", err)
	}
	if p := conn.ConnectionState().NegotiatedProtocol; p != "h2" {
		t.Fatalf("negotiated %q, want h2", p)
	}

	h, err := Handshake(context.Background(), conn, DefaultConfig())
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newHead(t *testing.T, method, raw string) *message.RequestHead {
	t.Helper()
	h, err := message.NewRequestHead(method, raw)
	if err != nil {
		t.Fatalf("NewRequestHead() error = %v", err)
	}
	return h
}

func TestRequestHeaderStripsConnectionFields(t *testing.T) {
	in := http.Header{
		"Connection":        {"close, X-Hop"},
		"X-Hop":             {"1"},
		"Keep-Alive":        {"timeout=5"},
		"Proxy-Connection":  {"keep-alive"},
		"Upgrade":           {"websocket"},
		"Transfer-Encoding": {"chunked"},
		"Content-Length":    {"99"},
		"Te":                {"trailers, deflate"},
		"x-keep":            {"yes"},
	}

	out := requestHeader(in)
	for _, k := range []string{"Connection", "X-Hop", "Keep-Alive", "Proxy-Connection", "Upgrade", "Transfer-Encoding", "Content-Length"} {
		if _, ok := out[k]; ok {
			t.Errorf("%s should be stripped", k)
		}
	}
	if out.Get("X-Keep") != "yes" {
		t.Errorf("X-Keep = %q, want yes", out.Get("X-Keep"))
	}
	if te := out["Te"]; len(te) != 1 || te[0] != "trailers" {
		t.Errorf("Te = %v, want [trailers]", te)
	}
	if _, ok := in["Content-Length"]; !ok {
		t.Error("input header must not be modified")
	}

	if _, ok := requestHeader(http.Header{"Te": {"gzip"}})["Te"]; ok {
		t.Error("Te without trailers should be stripped")
	}
}

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		body     body.MessageBody
		length   int64
		withBody bool
		scheme   string
	}{
		{"none", "https://example.com/", body.None(), 0, false, "https"},
		{"empty", "https://example.com/", body.Empty(), 0, false, "https"},
		{"sized", "https://example.com/", body.String("abc"), 3, true, "https"},
		{"stream", "https://example.com/", body.Chunks([]byte("a")), -1, true, "https"},
		{"websocket scheme", "wss://example.com:8443/socket", body.None(), 0, false, "https"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, pump, err := buildRequest(context.Background(), newHead(t, "POST", tt.uri), tt.body)
			if err != nil {
				t.Fatalf("buildRequest() error = %v", err)
			}
			if req.ContentLength != tt.length {
				t.Errorf("ContentLength = %d, want %d", req.ContentLength, tt.length)
			}
			if (req.Body != nil) != tt.withBody || (pump != nil) != tt.withBody {
				t.Errorf("body present = %v, pump = %v, want %v", req.Body != nil, pump != nil, tt.withBody)
			}
			if req.URL.Scheme != tt.scheme {
				t.Errorf("scheme = %q, want %q", req.URL.Scheme, tt.scheme)
			}
			if pump != nil {
				pump.abort()
			}
		})
	}

	req, _, _ := buildRequest(context.Background(), newHead(t, "GET", "https://example.com:8443/"), body.None())
	if req.Host != "example.com:8443" {
		t.Errorf("Host = %q, want example.com:8443", req.Host)
	}
}

func TestSendRequestEcho(t *testing.T) {
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor != 2 {
			http.Error(w, "want h2", http.StatusHTTPVersionNotSupported)
			return
		}
		data, _ := io.ReadAll(r.Body)
		w.Header().Set("Trailer", "X-Length")
		w.Write([]byte("echo:" + string(data)))
		w.Header().Set("X-Length", "ok")
	}))
	h := dial(t, srv)

	var streams int
	rh, p, err := SendRequest(context.Background(), h, newHead(t, "POST", "https://example.com/echo"),
		body.Chunks([]byte("hello "), []byte("world")), func() { streams++ })
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if streams != 1 {
		t.Errorf("onStream called %d times, want 1", streams)
	}
	if rh.Status != 200 || rh.Version != message.HTTP2 || rh.Reason != "OK" {
		t.Errorf("head = %+v", rh)
	}

	data, err := body.ReadAll(context.Background(), p)
	if err != nil || string(data) != "echo:hello world" {
		t.Fatalf("ReadAll() = %q, %v", data, err)
	}
	if p.Trailer().Get("X-Length") != "ok" {
		t.Errorf("trailer = %v", p.Trailer())
	}
	if !h.Alive() {
		t.Error("connection should stay alive after a stream ends")
	}
}

func TestSendRequestMultiplexed(t *testing.T) {
	secondArrived := make(chan struct{})
	firstSeen := make(chan struct{})
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/first":
			close(firstSeen)
			select {
			case <-secondArrived:
			case <-time.After(5 * time.Second):
				http.Error(w, "second request never arrived", http.StatusGatewayTimeout)
				return
			}
			w.Write([]byte("first"))
		case "/second":
			close(secondArrived)
			w.Write([]byte("second"))
		}
	}))
	h := dial(t, srv)

	type result struct {
		data string
		err  error
	}
	first := make(chan result, 1)
	go func() {
		_, p, err := SendRequest(context.Background(), h, newHead(t, "GET", "https://example.com/first"), nil, nil)
		if err != nil {
			first <- result{err: err}
			return
		}
		data, err := io.ReadAll(p)
		first <- result{string(data), err}
	}()

	<-firstSeen
	_, p, err := SendRequest(context.Background(), h, newHead(t, "GET", "https://example.com/second"), nil, nil)
	if err != nil {
		t.Fatalf("second SendRequest() error = %v", err)
	}
	data, _ := io.ReadAll(p)
	if string(data) != "second" {
		t.Errorf("second body = %q", data)
	}

	r := <-first
	if r.err != nil || r.data != "first" {
		t.Errorf("first = %q, %v", r.data, r.err)
	}
}

func TestSendRequestBodyError(t *testing.T) {
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	h := dial(t, srv)

	boom := errors.New("producer failed")
	b := body.Reader(io.MultiReader(strings.NewReader("part"), errReader{boom}), -1)

	_, _, err := SendRequest(context.Background(), h, newHead(t, "POST", "https://example.com/"), b, nil)
	if !errors.Is(err, apperrors.ErrBody) || !errors.Is(err, boom) {
		t.Fatalf("SendRequest() error = %v, want ErrBody wrapping the producer error", err)
	}
}

func TestSendRequestSizedMismatch(t *testing.T) {
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	h := dial(t, srv)

	b := body.Reader(strings.NewReader("abc"), 10)
	_, _, err := SendRequest(context.Background(), h, newHead(t, "PUT", "https://example.com/"), b, nil)
	if !errors.Is(err, apperrors.ErrBodyLength) {
		t.Fatalf("SendRequest() error = %v, want ErrBodyLength", err)
	}
}

func TestSendRequestClosedHandle(t *testing.T) {
	srv := newServer(t, http.NotFoundHandler())
	h := dial(t, srv)
	h.Close()

	if h.Alive() {
		t.Error("Alive() = true after Close")
	}
	var called atomic.Bool
	_, _, err := SendRequest(context.Background(), h, newHead(t, "GET", "https://example.com/"), nil, func() { called.Store(true) })
	if !errors.Is(err, apperrors.ErrH2) {
		t.Errorf("SendRequest() error = %v, want ErrH2", err)
	}
	if called.Load() {
		t.Error("onStream must not run when no stream was reserved")
	}
}

func TestSendRequestStreamLimit(t *testing.T) {
	release := make(chan struct{})
	firstSeen := make(chan struct{})
	srv := newLimitedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(firstSeen)
		<-release
	}), 1)
	h := dial(t, srv)

	first := make(chan error, 1)
	go func() {
		_, p, err := SendRequest(context.Background(), h, newHead(t, "GET", "https://example.com/first"), nil, nil)
		if err == nil {
			_, err = io.ReadAll(p)
		}
		first <- err
	}()
	<-firstSeen

	deadline := time.Now().Add(5 * time.Second)
	for h.CanTakeRequest() {
		if time.Now().After(deadline) {
			t.Fatal("stream limit never applied")
		}
		time.Sleep(time.Millisecond)
	}

	var called atomic.Bool
	_, _, err := SendRequest(context.Background(), h, newHead(t, "GET", "https://example.com/second"), nil, func() { called.Store(true) })
	if !errors.Is(err, apperrors.ErrStreamRefused) {
		t.Fatalf("SendRequest() error = %v, want ErrStreamRefused", err)
	}
	if called.Load() {
		t.Error("onStream must not run when no stream was reserved")
	}
	if !h.Alive() {
		t.Error("saturated connection should stay alive")
	}

	close(release)
	if err := <-first; err != nil {
		t.Errorf("first request error = %v", err)
	}
}

func TestRefused(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"refused stream", http2.StreamError{StreamID: 3, Code: http2.ErrCodeRefusedStream}, true},
		{"protocol error from peer", http2.StreamError{StreamID: 3, Code: http2.ErrCodeProtocol, Cause: errors.New("received from peer")}, true},
		{"local protocol error", http2.StreamError{StreamID: 3, Code: http2.ErrCodeProtocol}, false},
		{"cancelled stream", http2.StreamError{StreamID: 3, Code: http2.ErrCodeCancel}, false},
		{"unusable connection", errors.New("http2: client conn not usable"), true},
		{"eof", io.EOF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := refused(tt.err); got != tt.want {
				t.Errorf("refused(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPayloadCloseEarly(t *testing.T) {
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1<<16)))
	}))
	h := dial(t, srv)

	_, p, err := SendRequest(context.Background(), h, newHead(t, "GET", "https://example.com/"), nil, nil)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	buf := make([]byte, 10)
	if _, err := p.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	p.Close()
	if _, err := p.Read(buf); err == nil {
		t.Error("Read after Close should fail")
	}
	if !h.Alive() {
		t.Error("resetting one stream must not kill the connection")
	}
}

func TestShutdown(t *testing.T) {
	srv := newServer(t, http.NotFoundHandler())
	h := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if h.Alive() {
		t.Error("Alive() = true after Shutdown")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The peer never reads, so the preface can not be written.
	_, err := Handshake(ctx, client, DefaultConfig())
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("Handshake() error = %v, want ErrTimeout", err)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
