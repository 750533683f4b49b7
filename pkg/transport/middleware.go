package transport

import (
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// Middleware wraps a Dialer to add functionality such as dial retries or
// frame metrics
type Middleware interface {
	// Wrap wraps the given dialer with middleware functionality
	Wrap(dialer Dialer) Dialer
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Dialer) Dialer

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(d Dialer) Dialer {
	return f(d)
}

// ChainMiddleware chains multiple middleware together. The first middleware
// is the outermost.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(dialer Dialer) Dialer {
		for i := len(middleware) - 1; i >= 0; i-- {
			dialer = middleware[i].Wrap(dialer)
		}
		return dialer
	})
}

// MiddlewareBuilder builds middleware from configuration
type MiddlewareBuilder struct {
	config   TransportConfig
	observer FrameObserver
	logger   logging.Logger
}

// NewMiddlewareBuilder creates a new middleware builder. observer may be nil,
// in which case frame metrics are not recorded.
func NewMiddlewareBuilder(config TransportConfig, observer FrameObserver, logger logging.Logger) *MiddlewareBuilder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &MiddlewareBuilder{config: config, observer: observer, logger: logger}
}

// Build constructs the middleware chain, outermost first
func (mb *MiddlewareBuilder) Build() []Middleware {
	var middleware []Middleware

	if mb.config.Features.EnableReliability {
		middleware = append(middleware, NewReliabilityMiddleware(mb.config.Reliability, mb.logger))
	}

	if mb.config.Features.EnableObservability && mb.config.Observability.EnableMetrics && mb.observer != nil {
		middleware = append(middleware, NewObservabilityMiddleware(mb.observer))
	}

	return middleware
}
