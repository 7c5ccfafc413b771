package transport

import (
	"context"
	"net"
	"net/url"
)

// Protocol is the HTTP protocol negotiated on a transport connection.
type Protocol int

const (
	// HTTP1 is HTTP/1.x, the default when ALPN is absent.
	HTTP1 Protocol = iota
	// HTTP2 is HTTP/2, negotiated through ALPN "h2".
	HTTP2
)

func (p Protocol) String() string {
	switch p {
	case HTTP1:
		return "http/1.1"
	case HTTP2:
		return "h2"
	default:
		return "unknown"
	}
}

// Request describes the connection a caller wants.
type Request struct {
	// URI is the target; its scheme selects plain TCP or TLS.
	URI *url.URL
	// Addr optionally overrides name resolution with a "host:port" to dial.
	Addr string
}

// Dialer opens transport connections. Connect returns the stream and the
// protocol negotiated on it. Errors are connect-class errors from lib/errors.
type Dialer interface {
	Connect(ctx context.Context, req Request) (net.Conn, Protocol, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, req Request) (net.Conn, Protocol, error)

// Connect calls f(ctx, req).
func (f DialerFunc) Connect(ctx context.Context, req Request) (net.Conn, Protocol, error) {
	return f(ctx, req)
}
