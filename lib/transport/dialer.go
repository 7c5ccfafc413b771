package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/metrics"
)

// DefaultConnectTimeout bounds name resolution, TCP connect and the TLS
// handshake when TCPDialer.ConnectTimeout is zero.
const DefaultConnectTimeout = 5 * time.Second

// TCPDialer dials TCP and, for https and wss, performs a TLS handshake
// offering ALPN "h2" and "http/1.1".
type TCPDialer struct {
	// ConnectTimeout bounds the whole dial including TLS.
	ConnectTimeout time.Duration
	// TLSConfig is cloned for every TLS dial. Nil uses an empty config.
	TLSConfig *tls.Config
	// DisableH2 stops offering "h2" through ALPN.
	DisableH2 bool
	// Limiter, when set, bounds the rate of new dials.
	Limiter *rate.Limiter
	// Resolver resolves host names. Nil uses net.DefaultResolver.
	Resolver *net.Resolver
	// KeepAlive is the TCP keep-alive period. Zero uses the net package default.
	KeepAlive time.Duration
}

// NewTCPDialer returns a dialer with the default connect timeout.
func NewTCPDialer() *TCPDialer {
	return &TCPDialer{ConnectTimeout: DefaultConnectTimeout}
}

// Connect dials the authority of req.URI, or req.Addr when set.
func (d *TCPDialer) Connect(ctx context.Context, req Request) (net.Conn, Protocol, error) {
	if req.URI == nil {
		return nil, HTTP1, fmt.Errorf("%w: missing uri", apperrors.ErrInvalidURL)
	}

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.Limiter != nil {
		if !d.Limiter.Allow() {
			metrics.DialsLimited.Inc()
			if err := d.Limiter.Wait(ctx); err != nil {
				return nil, HTTP1, fmt.Errorf("%w: dial rate limit: %w", apperrors.ErrTimeout, err)
			}
		}
	}

	metrics.DialsTotal.Inc()
	timer := metrics.NewTimer(metrics.DialLatency)

	conn, proto, err := d.connect(ctx, req)
	if err != nil {
		metrics.DialsFailed.Inc()
		log.WithField("uri", req.URI.Redacted()).WithError(err).Debug("dial failed")
		return nil, HTTP1, err
	}

	log.WithField("addr", conn.RemoteAddr().String()).
		WithField("protocol", proto.String()).
		WithField("elapsed", timer.ObserveDuration().String()).
		Debug("transport connected")
	return conn, proto, nil
}

func (d *TCPDialer) connect(ctx context.Context, req Request) (net.Conn, Protocol, error) {
	addrs, err := d.resolve(ctx, req)
	if err != nil {
		return nil, HTTP1, err
	}

	nd := &net.Dialer{KeepAlive: d.KeepAlive}
	var conn net.Conn
	var lastErr error
	for _, addr := range addrs {
		conn, lastErr = nd.DialContext(ctx, "tcp", addr)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if conn == nil {
		return nil, HTTP1, classify(ctx, lastErr)
	}

	if !message.IsSecure(req.URI.Scheme) {
		return conn, HTTP1, nil
	}

	tconn, proto, err := d.handshake(ctx, conn, req)
	if err != nil {
		conn.Close()
		return nil, HTTP1, err
	}
	return tconn, proto, nil
}

// resolve returns the addresses to try in order.
func (d *TCPDialer) resolve(ctx context.Context, req Request) ([]string, error) {
	if req.Addr != "" {
		return []string{req.Addr}, nil
	}

	host := message.ASCIIHost(req.URI)
	_, port, err := net.SplitHostPort(message.Authority(req.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidURL, err)
	}
	if net.ParseIP(host) != nil {
		return []string{net.JoinHostPort(host, port)}, nil
	}

	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: resolving %s: %w", apperrors.ErrTimeout, host, err)
		}
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDNS, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no records for %s", apperrors.ErrDNS, host)
	}

	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = net.JoinHostPort(ip, port)
	}
	return addrs, nil
}

func (d *TCPDialer) handshake(ctx context.Context, conn net.Conn, req Request) (net.Conn, Protocol, error) {
	cfg := &tls.Config{}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = message.ASCIIHost(req.URI)
	}
	if len(cfg.NextProtos) == 0 {
		if d.DisableH2 {
			cfg.NextProtos = []string{"http/1.1"}
		} else {
			cfg.NextProtos = []string{"h2", "http/1.1"}
		}
	}

	tconn := tls.Client(conn, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, HTTP1, fmt.Errorf("%w: tls handshake: %w", apperrors.ErrTimeout, err)
		}
		if errors.Is(err, io.EOF) {
			return nil, HTTP1, fmt.Errorf("%w: tls handshake: %w", apperrors.ErrDisconnected, err)
		}
		return nil, HTTP1, fmt.Errorf("%w: %w", apperrors.ErrTLS, err)
	}

	if tconn.ConnectionState().NegotiatedProtocol == "h2" {
		return tconn, HTTP2, nil
	}
	return tconn, HTTP1, nil
}

// classify maps a dial error onto the connect-class sentinels.
func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil || isTimeout(err):
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %w", apperrors.ErrDNS, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %w", apperrors.ErrDisconnected, err)
	}
	return fmt.Errorf("%w: %w", apperrors.ErrConnection, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
