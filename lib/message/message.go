// Package message holds the request and response heads exchanged by the
// protocol drivers, plus URI helpers shared by the pool and the drivers.
package message

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
)

// Version is the HTTP protocol version of a message.
type Version int

const (
	// HTTP11 is the default version for requests.
	HTTP11 Version = iota
	// HTTP10 is HTTP/1.0.
	HTTP10
	// HTTP2 is HTTP/2.
	HTTP2
)

func (v Version) String() string {
	switch v {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2.0"
	default:
		return "HTTP/?"
	}
}

// VersionOf maps a parsed major/minor pair to a Version.
func VersionOf(major, minor int) Version {
	switch {
	case major == 2:
		return HTTP2
	case major == 1 && minor == 0:
		return HTTP10
	default:
		return HTTP11
	}
}

// RequestHead is the head of an outgoing request.
type RequestHead struct {
	Method  string
	URI     *url.URL
	Version Version
	Header  http.Header
	// Close asks the peer to close the connection after the response.
	Close bool
}

// NewRequestHead parses rawURL and returns a head for method.
func NewRequestHead(method, rawURL string) (*RequestHead, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &RequestHead{
		Method: method,
		URI:    u,
		Header: make(http.Header),
	}, nil
}

// WantsClose reports whether the request asks for a non-persistent connection.
func (h *RequestHead) WantsClose() bool {
	if h.Close {
		return true
	}
	if httpguts.HeaderValuesContainsToken(h.Header["Connection"], "close") {
		return true
	}
	if h.Version == HTTP10 {
		return !httpguts.HeaderValuesContainsToken(h.Header["Connection"], "keep-alive")
	}
	return false
}

// ResponseHead is the head of a received response.
type ResponseHead struct {
	Status  int
	Reason  string
	Version Version
	Header  http.Header
	// ContentLength is -1 when unknown.
	ContentLength int64
	// Close is set when the peer will not keep the connection open.
	Close bool
	// Trailer is filled once the body reaches end of stream.
	Trailer http.Header
}

// DefaultPort returns the default port for scheme, or "" when the scheme
// is not supported.
func DefaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

// IsSecure reports whether scheme requires TLS.
func IsSecure(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return true
	}
	return false
}

// ASCIIHost returns the IDNA-normalised, lower-cased host of u without port.
func ASCIIHost(u *url.URL) string {
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if ascii, err := idna.Lookup.ToASCII(host); err == nil {
			host = ascii
		}
	}
	return strings.ToLower(host)
}

// Authority returns host:port for u, filling in the scheme's default port.
func Authority(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = DefaultPort(u.Scheme)
	}
	return net.JoinHostPort(ASCIIHost(u), port)
}

// HostHeader returns the Host header value for u. The default port of
// the scheme is omitted.
func HostHeader(u *url.URL) string {
	host := ASCIIHost(u)
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != DefaultPort(u.Scheme) {
		host += ":" + port
	}
	return host
}
