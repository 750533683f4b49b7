package session

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-session-go/pkg/auth"
	"github.com/ajitpratap0/mcp-session-go/pkg/catalog"
	"github.com/ajitpratap0/mcp-session-go/pkg/dispatch"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

// Observer receives session, invocation and catalog measurements.
// observability.Metrics implements it.
type Observer interface {
	dispatch.Observer
	catalog.Observer
	ObserveTransition(from, to string)
}

// Option configures a Client
type Option func(*Client)

// WithDialer sets the transport dialer. The default registry serves http,
// https, ws and wss.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithAuthFlow sets the flow used when the server requires a credential
func WithAuthFlow(flow auth.Flow) Option {
	return func(c *Client) { c.flow = flow }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRequestTimeout sets the default timeout of every request
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithObserver reports metrics to o
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithTracer sets the tracer for connect attempts and invocations
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithAutoReconnect schedules Retry with exponential backoff after the
// connection is lost, up to config.MaxRetries times in a row
func WithAutoReconnect(config transport.ReliabilityConfig) Option {
	return func(c *Client) { c.reconnect = &config }
}

// WithMaxPages bounds the pages followed per catalog list
func WithMaxPages(n int) Option {
	return func(c *Client) { c.maxPages = n }
}

// WithClientCapabilities sets the capabilities declared in initialize
func WithClientCapabilities(caps protocol.ClientCapabilities) Option {
	return func(c *Client) { c.clientCaps = caps }
}
