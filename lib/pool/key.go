package pool

import (
	"net/url"
	"time"

	"github.com/go-i2p/httptransport/lib/h1"
	"github.com/go-i2p/httptransport/lib/h2"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/transport"
)

// Key identifies interchangeable connections: same host and port.
type Key struct {
	Authority string
}

// KeyFromURI returns the key for u. The host is lower-cased and
// IDNA-normalised, and the scheme's default port is filled in.
func KeyFromURI(u *url.URL) Key {
	return Key{Authority: message.Authority(u)}
}

func (k Key) String() string { return k.Authority }

// ConnectionType is a pooled connection: exactly one of H1 or H2.
type ConnectionType interface {
	// ID returns the connection's process-unique identifier.
	ID() uint64
	// Protocol returns the protocol spoken on the connection.
	Protocol() transport.Protocol

	connectionType()
}

// H1 is an HTTP/1 connection. It serves one exchange at a time.
type H1 struct {
	Conn *h1.Conn
}

// ID implements ConnectionType.
func (c H1) ID() uint64 { return c.Conn.ID() }

// Protocol implements ConnectionType.
func (H1) Protocol() transport.Protocol { return transport.HTTP1 }

func (H1) connectionType() {}

// H2 is a shared handle to an HTTP/2 connection.
type H2 struct {
	Handle *h2.Handle
}

// ID implements ConnectionType.
func (c H2) ID() uint64 { return c.Handle.ID() }

// Protocol implements ConnectionType.
func (H2) Protocol() transport.Protocol { return transport.HTTP2 }

func (H2) connectionType() {}

// AvailableConnection is an idle connection waiting in the pool.
type AvailableConnection struct {
	IO       ConnectionType
	Created  time.Time
	LastUsed time.Time
}
