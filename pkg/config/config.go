// Package config loads the client configuration from a YAML file and the
// environment, and builds a ready-to-connect session client from it.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/mcp-session-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
	"github.com/ajitpratap0/mcp-session-go/pkg/observability"
	"github.com/ajitpratap0/mcp-session-go/pkg/session"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

// Config is the complete client configuration
type Config struct {
	Server        session.ServerEndpoint            `yaml:"server" json:"server"`
	Auth          auth.FlowConfig                   `yaml:"auth" json:"auth"`
	Session       SessionConfig                     `yaml:"session" json:"session"`
	Transport     transport.TransportConfig         `yaml:"transport" json:"transport"`
	Logging       LoggingConfig                     `yaml:"logging" json:"logging"`
	Observability observability.ObservabilityConfig `yaml:"observability" json:"observability"`
}

// SessionConfig tunes the session engine
type SessionConfig struct {
	// RequestTimeout bounds every request (default: 30s)
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// MaxPages bounds the pages followed per catalog list; 0 uses the
	// catalog default
	MaxPages int `yaml:"max_pages" json:"max_pages"`

	// AutoReconnect retries a lost session with the transport reliability
	// policy
	AutoReconnect bool `yaml:"auto_reconnect" json:"auto_reconnect"`
}

// LoggingConfig selects the log level and output format
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Environment holds the variables that override the file
type Environment struct {
	ServerURL      string        `env:"MCP_SERVER_URL"`
	ClientName     string        `env:"MCP_CLIENT_NAME"`
	AuthToken      string        `env:"MCP_AUTH_TOKEN"`
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT"`
	LogLevel       string        `env:"MCP_LOG_LEVEL"`
	RedisAddr      string        `env:"MCP_REDIS_ADDR"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: session.ServerEndpoint{
			ClientName:    "mcp-session-go",
			ClientVersion: "0.1.0",
		},
		Auth: auth.FlowConfig{
			Type:  "none",
			Store: auth.StoreConfig{Type: "memory"},
		},
		Session: SessionConfig{
			RequestTimeout: 30 * time.Second,
		},
		Transport: transport.DefaultTransportConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
		Observability: observability.ObservabilityConfig{
			TracingConfig: observability.TracingConfig{
				ServiceName:  "mcp-session-go",
				ExporterType: observability.ExporterTypeNoop,
				SampleRate:   1.0,
			},
			MetricsConfig: observability.MetricsConfig{
				ServiceName: "mcp-session-go",
				Namespace:   "mcp",
			},
		},
	}
}

// Load reads path over the defaults, applies the environment and
// validates the result. An empty path uses the defaults and the
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without reading the environment
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides the configuration with the MCP_* variables
func (c *Config) ApplyEnv() error {
	var env Environment
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("failed to read environment: %w", err)
	}
	c.Apply(env)
	return nil
}

// Apply overrides the configuration with the non-empty values of env
func (c *Config) Apply(env Environment) {
	if env.ServerURL != "" {
		c.Server.URL = env.ServerURL
	}
	if env.ClientName != "" {
		c.Server.ClientName = env.ClientName
	}
	if env.AuthToken != "" {
		if c.Auth.Type == "" || c.Auth.Type == "none" {
			c.Auth.Type = "token"
		}
		c.Auth.Token = env.AuthToken
	}
	if env.RequestTimeout > 0 {
		c.Session.RequestTimeout = env.RequestTimeout
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.RedisAddr != "" {
		c.Auth.Store.Type = "redis"
		c.Auth.Store.RedisAddr = env.RedisAddr
	}
}

// Validate checks the configuration before anything is built from it
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}

	switch c.Auth.Type {
	case "", "none":
	case "token":
		if strings.TrimSpace(c.Auth.Token) == "" {
			return mcperrors.ValidationError("auth type token requires a token")
		}
	case "apikey":
		if strings.TrimSpace(c.Auth.APIKey) == "" {
			return mcperrors.ValidationError("auth type apikey requires an api_key")
		}
	case "oauth2":
		if c.Auth.ClientID == "" {
			return mcperrors.ValidationError("auth type oauth2 requires a client_id")
		}
		if c.Auth.Issuer == "" && (c.Auth.AuthURL == "" || c.Auth.TokenURL == "") {
			return mcperrors.ValidationError("auth type oauth2 requires an issuer or both auth_url and token_url")
		}
	default:
		return mcperrors.ValidationErrorf("unsupported auth type %q", c.Auth.Type)
	}

	switch c.Auth.Store.Type {
	case "", "memory":
	case "file":
		if c.Auth.Store.Path == "" {
			return mcperrors.ValidationError("file credential store requires a path")
		}
	case "redis":
		if c.Auth.Store.RedisAddr == "" {
			return mcperrors.ValidationError("redis credential store requires redis_addr")
		}
	default:
		return mcperrors.ValidationErrorf("unsupported credential store %q", c.Auth.Store.Type)
	}

	if c.Session.RequestTimeout < 0 {
		return mcperrors.ValidationError("request_timeout must not be negative")
	}
	if c.Session.MaxPages < 0 {
		return mcperrors.ValidationError("max_pages must not be negative")
	}

	switch logging.Format(c.Logging.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return mcperrors.ValidationErrorf("unsupported log format %q", c.Logging.Format)
	}
	return nil
}

// BuildOptions supplies what cannot come from a file
type BuildOptions struct {
	// Output receives the logs (default: os.Stderr)
	Output io.Writer

	// Redirector opens the authorization URL for the oauth2 flow
	Redirector auth.Redirector

	// Dialer replaces the transport registry built from the config
	Dialer transport.Dialer
}

// Engine is a client built from a Config along with the providers it owns
type Engine struct {
	Client        *session.Client
	Flow          auth.Flow
	Store         auth.Store
	Logger        logging.Logger
	Observability *observability.Observability

	stopWatch context.CancelFunc
	watchWG   sync.WaitGroup
}

// Close closes the client, stops following the credential store and
// flushes the observability providers
func (e *Engine) Close(ctx context.Context) error {
	err := e.Client.Close()
	if e.stopWatch != nil {
		e.stopWatch()
		e.watchWG.Wait()
	}
	if closer, ok := e.Store.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return errors.Join(err, e.Observability.Shutdown(ctx))
}

// watchStore follows credentials written to the store by other processes
// until Close
func (e *Engine) watchStore(w auth.Watcher) error {
	ctx, cancel := context.WithCancel(context.Background())
	changes, err := w.Watch(ctx)
	if err != nil {
		cancel()
		return err
	}
	e.stopWatch = cancel
	e.watchWG.Add(1)
	go func() {
		defer e.watchWG.Done()
		for cred := range changes {
			e.Logger.Info("stored credential changed", logging.Bool("present", cred != nil))
		}
	}()
	return nil
}

// Build creates the logger, observability providers, auth flow, transport
// registry and session client described by c
func (c *Config) Build(ctx context.Context, opts BuildOptions) (*Engine, error) {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	format := logging.Format(c.Logging.Format)
	if format == "" {
		format = logging.FormatText
	}
	logger := logging.New(output, format)
	logger.SetLevel(logging.ParseLevel(c.Logging.Level))

	obs, err := observability.New(ctx, c.Observability)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		var frames transport.FrameObserver
		if obs.Metrics != nil {
			frames = obs.Metrics
		}
		registry, err := transport.NewDefaultRegistry(c.Transport, frames, logger)
		if err != nil {
			_ = obs.Shutdown(ctx)
			return nil, err
		}
		dialer = registry
	}

	var store auth.Store
	if c.Auth.Type != "" && c.Auth.Type != "none" {
		store, err = auth.NewStore(ctx, c.Auth.Store, logger)
		if err != nil {
			_ = obs.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create credential store: %w", err)
		}
	}
	closeStore := func() {
		if closer, ok := store.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	flow, err := auth.NewFlowWithStore(c.Auth, store, opts.Redirector, logger)
	if err != nil {
		closeStore()
		_ = obs.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create auth flow: %w", err)
	}

	sessionOpts := []session.Option{
		session.WithDialer(dialer),
		session.WithLogger(logger),
		session.WithTracer(obs.Tracer()),
		session.WithRequestTimeout(c.Session.RequestTimeout),
		session.WithMaxPages(c.Session.MaxPages),
	}
	if flow != nil {
		sessionOpts = append(sessionOpts, session.WithAuthFlow(flow))
	}
	if obs.Metrics != nil {
		sessionOpts = append(sessionOpts, session.WithObserver(obs.Metrics))
	}
	if c.Session.AutoReconnect {
		sessionOpts = append(sessionOpts, session.WithAutoReconnect(c.Transport.Reliability))
	}

	client, err := session.NewClient(sessionOpts...)
	if err != nil {
		closeStore()
		_ = obs.Shutdown(ctx)
		return nil, err
	}

	engine := &Engine{Client: client, Flow: flow, Store: store, Logger: logger, Observability: obs}
	if w, ok := store.(auth.Watcher); ok {
		if err := engine.watchStore(w); err != nil {
			_ = engine.Close(ctx)
			return nil, fmt.Errorf("failed to watch credential store: %w", err)
		}
	}

	logger.Debug("client built",
		logging.String("server", c.Server.URL),
		logging.String("auth", c.Auth.Type),
		logging.Bool("metrics", obs.Metrics != nil),
		logging.Bool("tracing", obs.Tracing != nil))

	return engine, nil
}
