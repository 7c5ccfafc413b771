// Package client ties the pool, the transport dialer and the protocol
// drivers together. Connector.Call hands out a Connection for a URI, either
// reused from the pool or freshly dialed, and the Connection sends exactly
// one request or opens one tunnel before returning itself to the pool.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/h1"
	"github.com/go-i2p/httptransport/lib/h2"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/pool"
	"github.com/go-i2p/httptransport/lib/resilience"
	"github.com/go-i2p/httptransport/lib/transport"
	"github.com/go-i2p/httptransport/lib/validation"
)

// Config configures a Connector.
type Config struct {
	// HTTP configures the pool for http and ws URIs.
	HTTP pool.Config
	// HTTPS configures the pool for https and wss URIs.
	HTTPS pool.Config
	// ConnectTimeout bounds the dialer call. Zero means no limit beyond ctx.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the HTTP/2 preface exchange.
	HandshakeTimeout time.Duration
	// DisableTLS rejects https and wss URIs with ErrSSLNotSupported.
	DisableTLS bool
	// H2 configures HTTP/2 connections.
	H2 h2.Config
	// Breaker suspends dials to failing authorities. A FailureThreshold of
	// zero disables it.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTP:             pool.DefaultConfig(),
		HTTPS:            pool.DefaultConfig(),
		ConnectTimeout:   transport.DefaultConnectTimeout,
		HandshakeTimeout: 5 * time.Second,
		H2:               h2.DefaultConfig(),
		Breaker:          resilience.DefaultCircuitBreakerConfig(),
	}
}

// Connect names the target of a Call.
type Connect struct {
	URI *url.URL
	// Addr optionally overrides the resolved host:port.
	Addr string
}

// Stats holds the statistics of both pools.
type Stats struct {
	HTTP  pool.Stats
	HTTPS pool.Stats
}

// Connector hands out connections from a plain and a TLS pool.
type Connector struct {
	cfg      Config
	dialer   transport.Dialer
	http     *pool.Pool
	https    *pool.Pool
	breakers *resilience.Group
}

// NewConnector creates a connector that opens new connections with dialer.
func NewConnector(dialer transport.Dialer, cfg Config) *Connector {
	return &Connector{
		cfg:      cfg,
		dialer:   dialer,
		http:     pool.New("http", cfg.HTTP),
		https:    pool.New("https", cfg.HTTPS),
		breakers: resilience.NewGroup(cfg.Breaker),
	}
}

// Call returns a connection to req.URI. An idle pooled connection is
// preferred; otherwise a new one is dialed once a pool slot is free.
func (c *Connector) Call(ctx context.Context, req Connect) (*Connection, error) {
	if err := validation.URI("uri", req.URI); err != nil {
		return nil, err
	}

	p := c.http
	if message.IsSecure(req.URI.Scheme) {
		if c.cfg.DisableTLS {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrSSLNotSupported, req.URI.Scheme)
		}
		p = c.https
	}

	key := pool.KeyFromURI(req.URI)
	acq, avail, err := p.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if avail != nil {
		return c.connection(req, avail.IO, avail.Created, acq), nil
	}

	io, err := c.open(ctx, req, key)
	if err != nil {
		acq.Close(nil)
		log.WithField("key", key.String()).WithError(err).Debug("connect failed")
		return nil, err
	}
	log.WithField("key", key.String()).WithField("conn", io.ID()).WithField("proto", io.Protocol().String()).Debug("opened connection")
	created := time.Now()
	acq.Attach(io, created)
	return c.connection(req, io, created, acq), nil
}

func (c *Connector) connection(req Connect, io pool.ConnectionType, created time.Time, acq *pool.Acquired) *Connection {
	return &Connection{
		io:       io,
		created:  created,
		acquired: acq,
		redial: func(ctx context.Context) (*Connection, error) {
			return c.Call(ctx, req)
		},
	}
}

// open dials a new connection and, when h2 was negotiated, runs the
// HTTP/2 handshake on it.
func (c *Connector) open(ctx context.Context, req Connect, key pool.Key) (pool.ConnectionType, error) {
	var io pool.ConnectionType
	err := c.breakers.Execute(ctx, key.Authority, func(ctx context.Context) error {
		dctx, cancel := withTimeout(ctx, c.cfg.ConnectTimeout)
		conn, proto, err := c.dialer.Connect(dctx, transport.Request{URI: req.URI, Addr: req.Addr})
		cancel()
		if err != nil {
			return connectError(dctx, err)
		}

		if proto != transport.HTTP2 {
			io = pool.H1{Conn: h1.NewConn(conn)}
			return nil
		}

		hctx, cancel := withTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
		h, err := h2.Handshake(hctx, conn, c.cfg.H2)
		if err != nil {
			return err
		}
		io = pool.H2{Handle: h}
		return nil
	})
	return io, err
}

// connectError makes sure dial failures from any Dialer are connect-class.
func connectError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, apperrors.ErrConnect):
		return err
	case errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", apperrors.ErrConnection, err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Stats returns the statistics of both pools and publishes their sum to
// the pool gauges.
func (c *Connector) Stats() Stats {
	st := Stats{HTTP: c.http.Stats(), HTTPS: c.https.Stats()}
	pool.UpdateMetrics(pool.Stats{
		Acquired: st.HTTP.Acquired + st.HTTPS.Acquired,
		Idle:     st.HTTP.Idle + st.HTTPS.Idle,
		Waiters:  st.HTTP.Waiters + st.HTTPS.Waiters,
	})
	return st
}

// Breakers returns the state of every dial circuit breaker by authority.
func (c *Connector) Breakers() map[string]resilience.CircuitState {
	return c.breakers.States()
}

// CloseIdle closes idle connections in both pools.
func (c *Connector) CloseIdle() {
	c.http.CloseIdle()
	c.https.CloseIdle()
}

// Close closes both pools. Connections still checked out are shut down
// when they are returned.
func (c *Connector) Close() error {
	return errors.Join(c.http.Close(), c.https.Close())
}
