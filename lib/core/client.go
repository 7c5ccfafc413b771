package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/go-i2p/httptransport/lib/body"
	"github.com/go-i2p/httptransport/lib/client"
	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/transport"
	"github.com/go-i2p/httptransport/version"
)

// Client sends requests through a Connector and fills in the headers every
// request carries.
type Client struct {
	config    *Config
	connector *client.Connector

	// UserAgent is sent when a request has no User-Agent of its own.
	UserAgent string
}

// NewClient creates a client that dials with the TCP/TLS dialer described
// by cfg.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	d, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}
	return NewClientWithDialer(cfg, d)
}

// NewClientWithDialer creates a client that opens connections with d.
func NewClientWithDialer(cfg *Config, d transport.Dialer) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config:    cfg,
		connector: client.NewConnector(d, cfg.ConnectorConfig()),
		UserAgent: version.UserAgent(),
	}, nil
}

// Do sends head with body b to head.URI and returns the response. The
// caller must read the payload to EOF or close it.
func (c *Client) Do(ctx context.Context, head *message.RequestHead, b body.MessageBody) (*message.ResponseHead, client.Payload, error) {
	if head == nil {
		return nil, nil, fmt.Errorf("%w: missing request head", apperrors.ErrInvalidRequest)
	}
	c.prepare(head)

	conn, err := c.connector.Call(ctx, client.Connect{URI: head.URI})
	if err != nil {
		return nil, nil, err
	}
	rh, payload, err := conn.SendRequest(ctx, head, b)
	if err != nil {
		log.WithField("method", head.Method).WithField("uri", head.URI.Redacted()).WithError(err).Debug("request failed")
		return nil, nil, err
	}
	return rh, payload, nil
}

// Get fetches rawURL and reads the whole response body.
func (c *Client) Get(ctx context.Context, rawURL string) (*message.ResponseHead, []byte, error) {
	head, err := message.NewRequestHead(http.MethodGet, rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidURL, err)
	}
	rh, payload, err := c.Do(ctx, head, nil)
	if err != nil {
		return nil, nil, err
	}
	data, err := body.ReadAll(ctx, payload)
	if err != nil {
		payload.Close()
		return rh, nil, err
	}
	return rh, data, nil
}

// Tunnel asks the HTTP/1 proxy at proxyURL to open a tunnel to target
// (host:port). The connection is returned whatever the response status;
// callers should check it for 2xx before using the tunnel.
func (c *Client) Tunnel(ctx context.Context, proxyURL, target string) (*message.ResponseHead, net.Conn, error) {
	proxy, err := url.Parse(proxyURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidURL, err)
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, nil, fmt.Errorf("%w: tunnel target %q: %w", apperrors.ErrInvalidURL, target, err)
	}

	head := &message.RequestHead{
		Method: http.MethodConnect,
		URI:    &url.URL{Scheme: proxy.Scheme, Host: target},
		Header: make(http.Header),
	}
	c.prepare(head)

	conn, err := c.connector.Call(ctx, client.Connect{URI: proxy})
	if err != nil {
		return nil, nil, err
	}
	return conn.OpenTunnel(ctx, head)
}

func (c *Client) prepare(head *message.RequestHead) {
	if head.Header == nil {
		head.Header = make(http.Header)
	}
	if c.UserAgent != "" && head.Header.Get("User-Agent") == "" {
		head.Header.Set("User-Agent", c.UserAgent)
	}
}

// Stats returns the statistics of both pools.
func (c *Client) Stats() client.Stats {
	return c.connector.Stats()
}

// Close closes idle connections and the pools.
func (c *Client) Close() error {
	return c.connector.Close()
}
