//go:build unix

package h1

import (
	"crypto/tls"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// peekSocket peeks one byte from the kernel socket buffer without blocking.
// ok is false when the connection does not expose a file descriptor.
func peekSocket(c net.Conn) (alive, ok bool) {
	if tc, isTLS := c.(*tls.Conn); isTLS {
		c = tc.NetConn()
	}
	sc, isSys := c.(syscall.Conn)
	if !isSys {
		return false, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, false
	}

	err = raw.Read(func(fd uintptr) bool {
		var b [1]byte
		_, _, rerr := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		// Would-block is the only healthy outcome: data, EOF and errors
		// all disqualify an idle connection.
		alive = rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK || rerr == unix.EINTR
		return true
	})
	if err != nil {
		return false, true
	}
	return alive, true
}
