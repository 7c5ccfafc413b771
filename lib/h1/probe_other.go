//go:build !unix

package h1

import "net"

func peekSocket(net.Conn) (alive, ok bool) {
	return false, false
}
