// Package testutil provides peers and dialers for exercising the transport
// without external services.
package testutil

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/httptransport/lib/transport"
)

// MockServer is a raw TCP peer. Each accepted connection is handed to the
// handler on its own goroutine and closed when the handler returns.
type MockServer struct {
	mu       sync.Mutex
	listener net.Listener
	handler  func(net.Conn)
	conns    map[net.Conn]struct{}
	accepted atomic.Int64
	wg       sync.WaitGroup
}

// NewMockServer starts a server on a random loopback port.
func NewMockServer(handler func(net.Conn)) (*MockServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	m := &MockServer{
		listener: ln,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
	}
	m.wg.Add(1)
	go m.acceptLoop()
	return m, nil
}

// Addr returns the host:port the server listens on.
func (m *MockServer) Addr() string {
	return m.listener.Addr().String()
}

// Accepted returns how many connections were accepted so far.
func (m *MockServer) Accepted() int {
	return int(m.accepted.Load())
}

// Close stops accepting, closes open connections and waits for handlers.
func (m *MockServer) Close() error {
	err := m.listener.Close()
	m.mu.Lock()
	for c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return err
}

func (m *MockServer) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.accepted.Add(1)
		m.mu.Lock()
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() {
				m.mu.Lock()
				delete(m.conns, conn)
				m.mu.Unlock()
				conn.Close()
			}()
			m.handler(conn)
		}()
	}
}

// ServeResponses returns a handler that reads one request per entry of
// responses, discards its body and writes the raw response bytes. The
// handler returns after the last response, or when the client goes away.
func ServeResponses(responses ...string) func(net.Conn) {
	return func(conn net.Conn) {
		br := bufio.NewReader(conn)
		for _, resp := range responses {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			io.Copy(io.Discard, req.Body)
			req.Body.Close()
			if _, err := io.WriteString(conn, resp); err != nil {
				return
			}
		}
		// Hold the connection open until the client closes it.
		io.Copy(io.Discard, br)
	}
}

// CountingDialer counts the connections established through Dialer.
type CountingDialer struct {
	Dialer transport.Dialer
	dials  atomic.Int64
}

// Connect implements transport.Dialer.
func (d *CountingDialer) Connect(ctx context.Context, req transport.Request) (net.Conn, transport.Protocol, error) {
	d.dials.Add(1)
	return d.Dialer.Connect(ctx, req)
}

// Dials returns the number of Connect calls.
func (d *CountingDialer) Dials() int {
	return int(d.dials.Load())
}

// AddrDialer returns a dialer that connects every request to addr over
// plain TCP.
func AddrDialer(addr string) transport.Dialer {
	d := transport.NewTCPDialer()
	return transport.DialerFunc(func(ctx context.Context, req transport.Request) (net.Conn, transport.Protocol, error) {
		req.Addr = addr
		return d.Connect(ctx, req)
	})
}

// PipeDialer returns a dialer that creates an in-memory connection per
// call and serves its far end with handler.
func PipeDialer(proto transport.Protocol, handler func(net.Conn)) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, req transport.Request) (net.Conn, transport.Protocol, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			handler(server)
		}()
		return client, proto, nil
	})
}
