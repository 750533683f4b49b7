package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"iter"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
)

// Conn is one open connection to a capability server. Frames are complete
// JSON-RPC messages.
type Conn interface {
	// Send writes one frame. It fails with a SendError, or with
	// ErrConnectionClosed once the connection is closed.
	Send(ctx context.Context, frame []byte) error

	// Receive yields inbound frames. The sequence ends without error after
	// Close or when ctx is done, and ends with a final ErrConnectionClosed
	// when the peer drops. Receive supports a single consumer.
	Receive(ctx context.Context) iter.Seq2[[]byte, error]

	// Close is idempotent. No frames are yielded after it returns.
	Close() error
}

// OpenOptions carries per-open settings such as the credential header
type OpenOptions struct {
	Header http.Header
}

// Dialer opens connections. Open fails with a ConnectError when the server
// cannot be reached and with ErrAuthRequired when it answers 401 or 403.
type Dialer interface {
	Open(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error)
}

// DialerFunc adapts an ordinary function to the Dialer interface
type DialerFunc func(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error)

// Open implements Dialer
func (f DialerFunc) Open(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error) {
	return f(ctx, endpoint, opts)
}

// TransportConfig is the unified configuration for all transports
type TransportConfig struct {
	Features      FeatureConfig       `json:"features" yaml:"features"`
	Connection    ConnectionConfig    `json:"connection" yaml:"connection"`
	Reliability   ReliabilityConfig   `json:"reliability" yaml:"reliability"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Performance   PerformanceConfig   `json:"performance" yaml:"performance"`
}

// FeatureConfig controls which middleware are enabled
type FeatureConfig struct {
	EnableReliability   bool `json:"enable_reliability" yaml:"enable_reliability"`
	EnableObservability bool `json:"enable_observability" yaml:"enable_observability"`
}

// ConnectionConfig for connection management
type ConnectionConfig struct {
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	KeepAlive       time.Duration `json:"keep_alive" yaml:"keep_alive"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxConnsPerHost int           `json:"max_conns_per_host" yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `json:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	TLS             *TLSConfig    `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig configures TLS settings
type TLSConfig struct {
	CAFile             string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ReliabilityConfig for retry and resilience
type ReliabilityConfig struct {
	MaxRetries         int                  `json:"max_retries" yaml:"max_retries"`
	InitialRetryDelay  time.Duration        `json:"initial_retry_delay" yaml:"initial_retry_delay"`
	MaxRetryDelay      time.Duration        `json:"max_retry_delay" yaml:"max_retry_delay"`
	RetryBackoffFactor float64              `json:"retry_backoff_factor" yaml:"retry_backoff_factor"`
	CircuitBreaker     CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig for circuit breaker pattern
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

// ObservabilityConfig for frame metrics and logging
type ObservabilityConfig struct {
	EnableMetrics bool `json:"enable_metrics" yaml:"enable_metrics"`
	EnableLogging bool `json:"enable_logging" yaml:"enable_logging"`
}

// PerformanceConfig for buffer tuning
type PerformanceConfig struct {
	// BufferSize is the number of inbound frames buffered per connection
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	// MaxEventSize caps a single SSE event or WebSocket message in bytes
	MaxEventSize int `json:"max_event_size" yaml:"max_event_size"`
}

// DefaultTransportConfig returns a transport configuration with sensible defaults
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Features: FeatureConfig{
			EnableReliability:   true,
			EnableObservability: true,
		},
		Connection: ConnectionConfig{
			Timeout:         30 * time.Second,
			KeepAlive:       30 * time.Second,
			MaxIdleConns:    100,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 90 * time.Second,
		},
		Reliability: DefaultReliabilityConfig(),
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			EnableLogging: true,
		},
		Performance: PerformanceConfig{
			BufferSize:   64,
			MaxEventSize: 4 << 20,
		},
	}
}

// DefaultReliabilityConfig returns the retry policy used for dial retries
// and session auto-reconnect
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		MaxRetries:         3,
		InitialRetryDelay:  1 * time.Second,
		MaxRetryDelay:      30 * time.Second,
		RetryBackoffFactor: 2.0,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
		},
	}
}

// NewHTTPClient builds the http.Client shared by the HTTP based transports
func NewHTTPClient(config ConnectionConfig) (*http.Client, error) {
	tlsConfig, err := config.TLS.build()
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   config.Timeout,
				KeepAlive: config.KeepAlive,
			}).DialContext,
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        config.MaxIdleConns,
			MaxConnsPerHost:     config.MaxConnsPerHost,
			IdleConnTimeout:     config.IdleConnTimeout,
			TLSHandshakeTimeout: config.Timeout,
		},
	}, nil
}

func (c *TLSConfig) build() (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for local development servers
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Registry picks a Dialer by URL scheme. A Registry is itself a Dialer.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]Dialer)}
}

// Register binds scheme to d, replacing any previous binding
func (r *Registry) Register(scheme string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[strings.ToLower(scheme)] = d
}

// Lookup returns the dialer registered for scheme
func (r *Registry) Lookup(scheme string) (Dialer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[strings.ToLower(scheme)]
	return d, ok
}

// Schemes lists the registered schemes
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dialers))
	for s := range r.dialers {
		out = append(out, s)
	}
	return out
}

// Open implements Dialer by delegating to the dialer for endpoint's scheme
func (r *Registry) Open(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, mcperrors.ConnectError("registry", endpoint, err)
	}
	d, ok := r.Lookup(u.Scheme)
	if !ok {
		return nil, mcperrors.ConnectError("registry", endpoint, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	return d.Open(ctx, endpoint, opts)
}
