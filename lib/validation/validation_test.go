package validation

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/message"
)

func TestRequired(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid string", "test", false},
		{"empty string", "", true},
		{"whitespace only", "   ", true},
		{"tab only", "\t", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Required("name", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Required() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrRequired) {
				t.Errorf("Required() error should wrap ErrRequired")
			}
		})
	}
}

func TestRanges(t *testing.T) {
	if err := NonNegative("limit", -1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("NonNegative(-1) = %v", err)
	}
	if err := NonNegative("limit", 0); err != nil {
		t.Errorf("NonNegative(0) = %v", err)
	}
	if err := NonNegativeDuration("keep_alive", -time.Second); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("NonNegativeDuration(-1s) = %v", err)
	}
	if err := PositiveDuration("timeout", 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("PositiveDuration(0) = %v", err)
	}
	if err := PositiveDuration("timeout", time.Second); err != nil {
		t.Errorf("PositiveDuration(1s) = %v", err)
	}
}

func TestURI(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"http://example.com/", nil},
		{"https://example.com:8443/x", nil},
		{"ws://example.com/socket", nil},
		{"wss://example.com/socket", nil},
		{"/relative/path", apperrors.ErrInvalidURL},
		{"http:///nohost", apperrors.ErrInvalidURL},
		{"ftp://example.com/", apperrors.ErrUnknownScheme},
		{"gopher://example.com/", apperrors.ErrUnknownScheme},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatalf("url.Parse() error = %v", err)
			}
			err = URI("uri", u)
			if tt.want == nil {
				if err != nil {
					t.Errorf("URI() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("URI() error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := URI("uri", nil); !errors.Is(err, apperrors.ErrInvalidURL) {
		t.Errorf("URI(nil) = %v", err)
	}
}

func TestMethod(t *testing.T) {
	for _, m := range []string{"GET", "POST", "PROPFIND", "M-SEARCH"} {
		if err := Method("method", m); err != nil {
			t.Errorf("Method(%q) error = %v", m, err)
		}
	}
	for _, m := range []string{"", "GE T", "GET\r\n"} {
		if err := Method("method", m); !errors.Is(err, apperrors.ErrInvalidRequest) {
			t.Errorf("Method(%q) error = %v, want ErrInvalidRequest", m, err)
		}
	}
}

func TestHeader(t *testing.T) {
	ok := http.Header{"Accept": {"*/*"}, "X-Trace": {"a", "b"}}
	if err := Header("header", ok); err != nil {
		t.Errorf("Header() error = %v", err)
	}

	badName := http.Header{"Bad Name": {"x"}}
	if err := Header("header", badName); !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Errorf("Header(bad name) error = %v", err)
	}

	badValue := http.Header{"X-Inject": {"a\r\nHost: evil"}}
	if err := Header("header", badValue); !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Errorf("Header(bad value) error = %v", err)
	}
}

func TestRequestHead(t *testing.T) {
	head, err := message.NewRequestHead("GET", "http://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if err := RequestHead(head); err != nil {
		t.Errorf("RequestHead() error = %v", err)
	}

	head.URI.Scheme = "mailto"
	if err := RequestHead(head); !errors.Is(err, apperrors.ErrUnknownScheme) {
		t.Errorf("RequestHead(mailto) error = %v", err)
	}

	if err := RequestHead(nil); !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Errorf("RequestHead(nil) error = %v", err)
	}
}

func TestResultError(t *testing.T) {
	r := NewResult("uri", "missing host", apperrors.ErrInvalidURL)
	if r.Error() != "uri: missing host" {
		t.Errorf("Error() = %q", r.Error())
	}
	r = NewResult("", "bad", nil)
	if r.Error() != "bad" {
		t.Errorf("Error() = %q", r.Error())
	}
}
