package testutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"

	"golang.org/x/net/http2"

	"github.com/go-i2p/httptransport/lib/transport"
)

// H2Server is a TLS server that negotiates h2 via ALPN. Its certificate
// is valid for example.com.
type H2Server struct {
	*httptest.Server
}

// NewH2Server starts a TLS server with HTTP/2 enabled. opts may adjust the
// server before it starts.
func NewH2Server(handler http.Handler, opts ...func(*http.Server)) *H2Server {
	srv := httptest.NewUnstartedServer(handler)
	srv.EnableHTTP2 = true
	for _, opt := range opts {
		opt(srv.Config)
	}
	srv.StartTLS()
	return &H2Server{Server: srv}
}

// Dialer returns a TLS dialer that trusts the server certificate and
// connects every request to the server, whatever its host.
func (s *H2Server) Dialer() transport.Dialer {
	roots := x509.NewCertPool()
	roots.AddCert(s.Certificate())

	d := transport.NewTCPDialer()
	d.TLSConfig = &tls.Config{RootCAs: roots}
	addr := s.Listener.Addr().String()

	return transport.DialerFunc(func(ctx context.Context, req transport.Request) (net.Conn, transport.Protocol, error) {
		req.Addr = addr
		return d.Connect(ctx, req)
	})
}

// MaxConcurrentStreams serves HTTP/2 with a limit of n concurrent streams
// per connection.
func MaxConcurrentStreams(n uint32) func(*http.Server) {
	return func(s *http.Server) {
		if err := http2.ConfigureServer(s, &http2.Server{MaxConcurrentStreams: n}); err != nil {
			panic(err)
		}
	}
}
