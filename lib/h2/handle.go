// Package h2 drives HTTP/2 exchanges through a multiplexed client
// connection from golang.org/x/net/http2.
//
// The multiplexer owns the socket and its background read loop. Request
// bodies are pumped through a pipe that the multiplexer drains only as
// stream and connection flow-control windows allow, so a slow peer slows
// the producer instead of buffering without bound.
package h2

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/metrics"
)

// Config tunes the multiplexer.
type Config struct {
	// ReadIdleTimeout sends a health-check PING when no frame arrived for
	// this long. Zero disables health checks.
	ReadIdleTimeout time.Duration
	// PingTimeout closes the connection when a PING is not answered in time.
	PingTimeout time.Duration
	// StrictMaxConcurrentStreams respects the peer's stream limit globally
	// instead of opening more connections.
	StrictMaxConcurrentStreams bool
	// MaxHeaderListSize limits the response header block. Zero uses the default.
	MaxHeaderListSize uint32
	// MaxReadFrameSize is the largest frame this side accepts. Zero uses the default.
	MaxReadFrameSize uint32
}

// DefaultConfig returns the default multiplexer settings.
func DefaultConfig() Config {
	return Config{
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
}

func (c Config) transport() *http2.Transport {
	return &http2.Transport{
		ReadIdleTimeout:            c.ReadIdleTimeout,
		PingTimeout:                c.PingTimeout,
		StrictMaxConcurrentStreams: c.StrictMaxConcurrentStreams,
		MaxHeaderListSize:          c.MaxHeaderListSize,
		MaxReadFrameSize:           c.MaxReadFrameSize,
	}
}

var handleIDs atomic.Uint64

var aLongTimeAgo = time.Unix(1, 0)

// Handle is a shared reference to one HTTP/2 connection. Any number of
// requests may use it concurrently.
type Handle struct {
	id   uint64
	cc   *http2.ClientConn
	conn net.Conn
}

// Handshake sends the connection preface and SETTINGS on conn and starts the
// multiplexer. The handshake is abandoned when ctx ends first. On error conn
// is closed.
func Handshake(ctx context.Context, conn net.Conn, cfg Config) (*Handle, error) {
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })

	cc, err := cfg.transport().NewClientConn(conn)
	if !stop() {
		if cc != nil {
			cc.Close()
		}
		conn.Close()
		return nil, fmt.Errorf("%w: h2 handshake: %w", apperrors.ErrTimeout, context.Cause(ctx))
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: h2 handshake: %w", apperrors.ErrConnection, err)
	}

	h := &Handle{id: handleIDs.Add(1), cc: cc, conn: conn}
	metrics.H2Handshakes.Inc()
	log.WithField("conn", h.id).WithField("addr", conn.RemoteAddr().String()).Debug("h2 handshake complete")
	return h, nil
}

// ID returns a process-unique identifier for the connection.
func (h *Handle) ID() uint64 { return h.id }

// Alive reports whether the connection is neither closed nor draining.
func (h *Handle) Alive() bool {
	st := h.cc.State()
	return !st.Closed && !st.Closing
}

// CanTakeRequest reports whether the connection is usable and has room for
// another stream under the peer's concurrency limit.
func (h *Handle) CanTakeRequest() bool {
	return h.cc.CanTakeNewRequest()
}

// Reserve reserves a stream for a request that will follow. It reports
// false when the connection can not take another stream.
func (h *Handle) Reserve() bool {
	return h.cc.ReserveNewRequest()
}

// ActiveStreams returns the number of streams in flight.
func (h *Handle) ActiveStreams() int {
	st := h.cc.State()
	return st.StreamsActive + st.StreamsReserved
}

// Ping sends a PING frame and waits for the acknowledgement.
func (h *Handle) Ping(ctx context.Context) error {
	if err := h.cc.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", apperrors.ErrH2, err)
	}
	return nil
}

// Shutdown sends GOAWAY and waits for in-flight streams until ctx ends,
// then closes the connection.
func (h *Handle) Shutdown(ctx context.Context) error {
	err := h.cc.Shutdown(ctx)
	if err != nil {
		h.cc.Close()
	}
	log.WithField("conn", h.id).Debug("h2 connection shut down")
	return err
}

// Close closes the connection immediately, failing in-flight streams.
func (h *Handle) Close() error {
	return h.cc.Close()
}
