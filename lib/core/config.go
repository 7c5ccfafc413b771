// Package core provides the configuration surface of the transport and a
// small request-level client built on top of the connector.
package core

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"

	"github.com/go-i2p/httptransport/lib/client"
	"github.com/go-i2p/httptransport/lib/h2"
	"github.com/go-i2p/httptransport/lib/pool"
	"github.com/go-i2p/httptransport/lib/resilience"
	"github.com/go-i2p/httptransport/lib/transport"
	"github.com/go-i2p/httptransport/lib/validation"
)

// Default configuration values
const (
	DefaultLimit             = 100
	DefaultKeepAlive         = 15 * time.Second
	DefaultLifetime          = 75 * time.Second
	DefaultDisconnectTimeout = 3 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultMetricsListen     = "127.0.0.1:9464"
)

// Config holds all configuration for the transport.
type Config struct {
	HTTP    PoolConfig    `toml:"http"`
	HTTPS   PoolConfig    `toml:"https"`
	Dial    DialConfig    `toml:"dial"`
	TLS     TLSConfig     `toml:"tls"`
	H2      H2Config      `toml:"h2"`
	Breaker BreakerConfig `toml:"breaker"`
	Metrics MetricsConfig `toml:"metrics"`
}

// PoolConfig contains the settings of one connection pool.
type PoolConfig struct {
	// Limit is the maximum number of connections checked out at once (0 = unlimited)
	Limit int `toml:"limit"`
	// KeepAlive is how long a connection may stay idle before it is discarded
	KeepAlive Duration `toml:"keep_alive"`
	// Lifetime is the maximum age of a connection
	Lifetime Duration `toml:"lifetime"`
	// DisconnectTimeout bounds the graceful shutdown of discarded connections
	DisconnectTimeout Duration `toml:"disconnect_timeout"`
	// ReapInterval enables a background sweep of stale idle connections
	ReapInterval Duration `toml:"reap_interval,omitempty"`
}

// DialConfig contains connection establishment settings.
type DialConfig struct {
	// ConnectTimeout bounds DNS, TCP connect and the TLS handshake
	ConnectTimeout Duration `toml:"connect_timeout"`
	// HandshakeTimeout bounds the HTTP/2 preface exchange
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	// KeepAlive is the TCP keep-alive period (0 = system default)
	KeepAlive Duration `toml:"keep_alive,omitempty"`
	// Rate limits new dials per second (0 = unlimited)
	Rate float64 `toml:"rate,omitempty"`
	// Burst is the number of dials allowed at once when Rate is set
	Burst int `toml:"burst,omitempty"`
}

// TLSConfig contains TLS settings for https and wss.
type TLSConfig struct {
	// Disabled rejects secure URIs
	Disabled bool `toml:"disabled"`
	// InsecureSkipVerify disables certificate verification
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
	// ServerName overrides the SNI host name
	ServerName string `toml:"server_name,omitempty"`
	// CAFile is a PEM bundle of additional trusted roots
	CAFile string `toml:"ca_file,omitempty"`
	// DisableH2 removes h2 from the ALPN offer
	DisableH2 bool `toml:"disable_h2"`
}

// H2Config contains HTTP/2 settings.
type H2Config struct {
	// ReadIdleTimeout triggers a health-check ping after this much silence
	ReadIdleTimeout Duration `toml:"read_idle_timeout"`
	// PingTimeout closes the connection if the ping is not answered in time
	PingTimeout Duration `toml:"ping_timeout"`
	// StrictMaxConcurrentStreams honours the server stream limit globally
	StrictMaxConcurrentStreams bool `toml:"strict_max_concurrent_streams"`
}

// BreakerConfig contains the dial circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many failed dials (0 = disabled)
	FailureThreshold int `toml:"failure_threshold"`
	// SuccessThreshold closes it again after this many successful trials
	SuccessThreshold int `toml:"success_threshold"`
	// Timeout is how long the circuit stays open before trials are allowed
	Timeout Duration `toml:"timeout"`
}

// MetricsConfig contains metrics endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether the Prometheus endpoint is served
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
}

func defaultPool() PoolConfig {
	return PoolConfig{
		Limit:             DefaultLimit,
		KeepAlive:         Duration(DefaultKeepAlive),
		Lifetime:          Duration(DefaultLifetime),
		DisconnectTimeout: Duration(DefaultDisconnectTimeout),
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	h2cfg := h2.DefaultConfig()
	breaker := resilience.DefaultCircuitBreakerConfig()

	return &Config{
		HTTP:  defaultPool(),
		HTTPS: defaultPool(),
		Dial: DialConfig{
			ConnectTimeout:   Duration(DefaultConnectTimeout),
			HandshakeTimeout: Duration(DefaultHandshakeTimeout),
		},
		H2: H2Config{
			ReadIdleTimeout: Duration(h2cfg.ReadIdleTimeout),
			PingTimeout:     Duration(h2cfg.PingTimeout),
		},
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			SuccessThreshold: breaker.SuccessThreshold,
			Timeout:          Duration(breaker.Timeout),
		},
		Metrics: MetricsConfig{
			Listen: DefaultMetricsListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for name, p := range map[string]PoolConfig{"http": c.HTTP, "https": c.HTTPS} {
		if err := p.validate(name); err != nil {
			return err
		}
	}
	if err := validation.PositiveDuration("dial.connect_timeout", c.Dial.ConnectTimeout.Std()); err != nil {
		return err
	}
	if err := validation.PositiveDuration("dial.handshake_timeout", c.Dial.HandshakeTimeout.Std()); err != nil {
		return err
	}
	if c.Dial.Rate < 0 {
		return validation.NewResult("dial.rate", "must be non-negative", validation.ErrOutOfRange)
	}
	if c.Dial.Rate > 0 && c.Dial.Burst < 1 {
		return validation.NewResult("dial.burst", "must be at least 1 when dial.rate is set", validation.ErrOutOfRange)
	}
	if err := validation.NonNegative("breaker.failure_threshold", c.Breaker.FailureThreshold); err != nil {
		return err
	}
	if err := validation.NonNegativeDuration("breaker.timeout", c.Breaker.Timeout.Std()); err != nil {
		return err
	}
	if c.Metrics.Enabled {
		if err := validation.Required("metrics.listen", c.Metrics.Listen); err != nil {
			return err
		}
	}
	return nil
}

func (p PoolConfig) validate(section string) error {
	if err := validation.NonNegative(section+".limit", p.Limit); err != nil {
		return err
	}
	for field, d := range map[string]Duration{
		"keep_alive":         p.KeepAlive,
		"lifetime":           p.Lifetime,
		"disconnect_timeout": p.DisconnectTimeout,
		"reap_interval":      p.ReapInterval,
	} {
		if err := validation.NonNegativeDuration(section+"."+field, d.Std()); err != nil {
			return err
		}
	}
	return nil
}

func (p PoolConfig) pool() pool.Config {
	return pool.Config{
		Limit:             p.Limit,
		KeepAlive:         p.KeepAlive.Std(),
		Lifetime:          p.Lifetime.Std(),
		DisconnectTimeout: p.DisconnectTimeout.Std(),
		ReapInterval:      p.ReapInterval.Std(),
	}
}

// ConnectorConfig converts c into the connector's configuration.
func (c *Config) ConnectorConfig() client.Config {
	return client.Config{
		HTTP:             c.HTTP.pool(),
		HTTPS:            c.HTTPS.pool(),
		ConnectTimeout:   c.Dial.ConnectTimeout.Std(),
		HandshakeTimeout: c.Dial.HandshakeTimeout.Std(),
		DisableTLS:       c.TLS.Disabled,
		H2: h2.Config{
			ReadIdleTimeout:            c.H2.ReadIdleTimeout.Std(),
			PingTimeout:                c.H2.PingTimeout.Std(),
			StrictMaxConcurrentStreams: c.H2.StrictMaxConcurrentStreams,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			SuccessThreshold: c.Breaker.SuccessThreshold,
			Timeout:          c.Breaker.Timeout.Std(),
		},
	}
}

// Dialer builds the TCP/TLS dialer described by c.
func (c *Config) Dialer() (*transport.TCPDialer, error) {
	d := transport.NewTCPDialer()
	d.ConnectTimeout = c.Dial.ConnectTimeout.Std()
	d.KeepAlive = c.Dial.KeepAlive.Std()
	d.DisableH2 = c.TLS.DisableH2
	if c.Dial.Rate > 0 {
		d.Limiter = rate.NewLimiter(rate.Limit(c.Dial.Rate), c.Dial.Burst)
	}

	tlsCfg := &tls.Config{
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading tls.ca_file: %w", err)
		}
		roots, err := x509.SystemCertPool()
		if err != nil {
			roots = x509.NewCertPool()
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.New("tls.ca_file contains no certificates")
		}
		tlsCfg.RootCAs = roots
	}
	d.TLSConfig = tlsCfg
	return d, nil
}
