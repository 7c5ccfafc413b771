// Package errors provides structured error types for the HTTP client transport.
// Every failure surfaced to a caller is one typed error that can be classified
// with errors.Is against the sentinels below.
//
// This package provides:
//   - Connect-class sentinels (DNS, TLS, timeouts, disconnects)
//   - Send-class sentinels (invalid URL, write/parse failures, H2 protocol errors)
//   - Error codes for categorizing failures in logs and metrics
//   - Error wrapping with context preservation
package errors

import (
	"errors"
	"fmt"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Error codes for categorizing errors. Connect-class codes live in the
// 1000 range, send-class codes in the 2000 range.
const (
	CodeInternal = 1 // Unclassified internal error

	// Connect-class
	CodeConnect        = 1000 // Generic connect failure
	CodeDNS            = 1001 // Name resolution failed
	CodeTLS            = 1002 // TLS handshake failed
	CodeTimeout        = 1003 // Connect or handshake timeout
	CodeDisconnected   = 1004 // Peer closed during handshake or exchange
	CodeSSLUnsupported = 1005 // TLS requested but not available
	CodeConnection     = 1006 // Transport I/O error
	CodeCircuitOpen    = 1007 // Dials to the authority are suspended

	// Send-class
	CodeInvalidURL        = 2001 // Missing host or scheme
	CodeUnknownScheme     = 2002 // Scheme is not http, https, ws or wss
	CodeSend              = 2003 // Local I/O error while writing
	CodeParse             = 2004 // Response could not be parsed
	CodeH2                = 2005 // HTTP/2 protocol error
	CodeResponseTimeout   = 2006 // Response did not arrive in time
	CodeTunnelUnsupported = 2007 // Tunnel requested over HTTP/2
	CodeBody              = 2008 // Request body production failed
	CodeInvalidRequest    = 2009 // Request head failed validation
	CodeStreamRefused     = 2010 // HTTP/2 stream was not opened, safe to retry

	// Pool
	CodePoolClosed = 3001 // Pool no longer hands out connections
	CodeState      = 3002 // Operation not valid in the current state
)

// Connect-class sentinel errors.
// Use errors.Is() to check for these conditions.
var (
	// ErrConnect is the umbrella for every connect-class failure.
	ErrConnect = errors.New("connect error")

	// ErrDNS indicates the host could not be resolved or had no records.
	ErrDNS = fmt.Errorf("%w: dns resolution failed", ErrConnect)

	// ErrTLS indicates the TLS handshake failed.
	ErrTLS = fmt.Errorf("%w: tls handshake failed", ErrConnect)

	// ErrTimeout indicates the connect or handshake timer fired first.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrConnect)

	// ErrDisconnected indicates the peer closed the connection unexpectedly.
	ErrDisconnected = fmt.Errorf("%w: disconnected", ErrConnect)

	// ErrSSLNotSupported indicates a TLS scheme was requested but TLS is disabled.
	ErrSSLNotSupported = fmt.Errorf("%w: ssl is not supported", ErrConnect)

	// ErrConnection indicates a transport I/O error.
	ErrConnection = fmt.Errorf("%w: i/o error", ErrConnect)

	// ErrCircuitOpen indicates dials to the authority are suspended after
	// repeated connect failures.
	ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrConnect)
)

// Send-class sentinel errors.
var (
	// ErrInvalidURL indicates the URI is missing a host or a scheme.
	ErrInvalidURL = errors.New("send: invalid url")

	// ErrUnknownScheme indicates an unsupported URI scheme.
	ErrUnknownScheme = errors.New("send: unknown url scheme")

	// ErrSend indicates a local I/O error while writing the request.
	ErrSend = errors.New("send: write failed")

	// ErrParse indicates the response head could not be parsed.
	ErrParse = errors.New("send: response parse error")

	// ErrH2 indicates an HTTP/2 protocol or stream error.
	ErrH2 = errors.New("send: h2 protocol error")

	// ErrStreamRefused indicates the request never reached the peer because
	// the connection had no stream to spare or the peer refused the stream.
	// The request may be sent again on another connection.
	ErrStreamRefused = fmt.Errorf("%w: stream refused", ErrH2)

	// ErrResponseTimeout indicates the response did not arrive in time.
	ErrResponseTimeout = errors.New("send: response timeout")

	// ErrTunnelUnsupported indicates a tunnel was requested over HTTP/2.
	ErrTunnelUnsupported = errors.New("send: tunnels are not supported over h2")

	// ErrBody indicates the request body failed to produce a chunk.
	ErrBody = errors.New("send: body error")

	// ErrBodyLength indicates a sized body produced a different byte count.
	ErrBodyLength = fmt.Errorf("%w: body length does not match size hint", ErrBody)

	// ErrBodyFraming indicates the body can not be framed for the protocol version.
	ErrBodyFraming = fmt.Errorf("%w: body can not be framed", ErrBody)

	// ErrInvalidRequest indicates the request head failed validation.
	ErrInvalidRequest = errors.New("send: invalid request")
)

// Pool errors
var (
	// ErrPoolClosed is returned when acquiring from a closed pool.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrInvalidState indicates an invalid state transition, such as
	// sending twice on the same acquired connection.
	ErrInvalidState = errors.New("invalid state")
)

// Error is a structured error with a code and safe message.
// It implements the error interface and keeps the underlying cause
// reachable for errors.Is/As.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a short description of the failed operation
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapInternal wraps an unclassified error with a generic message.
func WrapInternal(err error) *Error {
	if err != nil {
		log.WithError(err).Debug("wrapping internal error")
	}
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It assigns the code matching the most specific sentinel in err's tree.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    Code(err),
		Message: err.Error(),
		Err:     err,
	}
}

// Code maps err to an error code. Structured errors keep their own code.
func Code(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrDNS):
		return CodeDNS
	case errors.Is(err, ErrTLS):
		return CodeTLS
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrDisconnected):
		return CodeDisconnected
	case errors.Is(err, ErrSSLNotSupported):
		return CodeSSLUnsupported
	case errors.Is(err, ErrConnection):
		return CodeConnection
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrConnect):
		return CodeConnect
	case errors.Is(err, ErrInvalidURL):
		return CodeInvalidURL
	case errors.Is(err, ErrUnknownScheme):
		return CodeUnknownScheme
	case errors.Is(err, ErrSend):
		return CodeSend
	case errors.Is(err, ErrParse):
		return CodeParse
	case errors.Is(err, ErrStreamRefused):
		return CodeStreamRefused
	case errors.Is(err, ErrH2):
		return CodeH2
	case errors.Is(err, ErrResponseTimeout):
		return CodeResponseTimeout
	case errors.Is(err, ErrTunnelUnsupported):
		return CodeTunnelUnsupported
	case errors.Is(err, ErrBody):
		return CodeBody
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrPoolClosed):
		return CodePoolClosed
	case errors.Is(err, ErrInvalidState):
		return CodeState
	default:
		return CodeInternal
	}
}

// IsConnect returns true if the error is any connect-class failure.
func IsConnect(err error) bool {
	return errors.Is(err, ErrConnect)
}

// IsTimeout returns true if the error indicates a connect, handshake or
// response timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrResponseTimeout)
}

// IsDisconnected returns true if the peer went away.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// IsBody returns true if the request body failed.
func IsBody(err error) bool {
	return errors.Is(err, ErrBody)
}

// IsTunnelUnsupported returns true if a tunnel was refused because the
// connection speaks HTTP/2.
func IsTunnelUnsupported(err error) bool {
	return errors.Is(err, ErrTunnelUnsupported)
}

// IsClosed returns true if the error indicates the pool is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
