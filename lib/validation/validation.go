// Package validation provides reusable input validation for request heads and
// configuration values. All validators follow a consistent pattern: they return
// nil on success and a *Result on failure that unwraps to a sentinel error.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/message"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = errors.New("field is required")

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")
)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// NonNegative validates that an integer is non-negative (>= 0).
func NonNegative(field string, value int) error {
	if value < 0 {
		return NewResult(field, "must be non-negative", ErrOutOfRange)
	}
	return nil
}

// NonNegativeDuration validates that a duration is not negative.
func NonNegativeDuration(field string, value time.Duration) error {
	if value < 0 {
		return NewResult(field, "duration cannot be negative", ErrOutOfRange)
	}
	return nil
}

// PositiveDuration validates that a duration is greater than zero.
func PositiveDuration(field string, value time.Duration) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// URI validates that u is an absolute http, https, ws or wss URI with a host.
func URI(field string, u *url.URL) error {
	if u == nil {
		return NewResult(field, "is required", apperrors.ErrInvalidURL)
	}
	if u.Scheme == "" {
		return NewResult(field, "missing scheme", apperrors.ErrInvalidURL)
	}
	if message.DefaultPort(u.Scheme) == "" {
		return NewResult(field, fmt.Sprintf("unsupported scheme %q", u.Scheme), apperrors.ErrUnknownScheme)
	}
	if u.Hostname() == "" {
		return NewResult(field, "missing host", apperrors.ErrInvalidURL)
	}
	return nil
}

// Method validates that m is a non-empty HTTP token.
func Method(field, m string) error {
	if m == "" {
		return NewResult(field, "is required", apperrors.ErrInvalidRequest)
	}
	if !httpguts.ValidHeaderFieldName(m) {
		return NewResult(field, fmt.Sprintf("invalid method %q", m), apperrors.ErrInvalidRequest)
	}
	return nil
}

// Header validates every field name and value in h.
func Header(field string, h http.Header) error {
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return NewResult(field, fmt.Sprintf("invalid header name %q", name), apperrors.ErrInvalidRequest)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return NewResult(field, fmt.Sprintf("invalid value for header %q", name), apperrors.ErrInvalidRequest)
			}
		}
	}
	return nil
}

// RequestHead validates the method, URI and headers of head.
func RequestHead(head *message.RequestHead) error {
	if head == nil {
		return NewResult("request", "is required", apperrors.ErrInvalidRequest)
	}
	if err := Method("method", head.Method); err != nil {
		return err
	}
	if err := URI("uri", head.URI); err != nil {
		return err
	}
	return Header("header", head.Header)
}
