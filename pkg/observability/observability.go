package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

// ObservabilityConfig enables metrics and tracing together
type ObservabilityConfig struct {
	EnableTracing bool          `yaml:"enable_tracing" json:"enable_tracing"`
	TracingConfig TracingConfig `yaml:"tracing" json:"tracing"`

	EnableMetrics bool          `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsConfig MetricsConfig `yaml:"-" json:"-"`

	// ServeMetrics starts the metrics HTTP endpoint on MetricsConfig.ListenAddr
	ServeMetrics bool   `yaml:"serve_metrics" json:"serve_metrics"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Observability bundles the metrics and tracing providers a client is
// built with. Either may be nil when disabled.
type Observability struct {
	Metrics *Metrics
	Tracing *TracingProvider
}

// New creates the enabled providers
func New(ctx context.Context, config ObservabilityConfig) (*Observability, error) {
	o := &Observability{}

	if config.EnableTracing {
		tp, err := NewTracingProvider(config.TracingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracing provider: %w", err)
		}
		o.Tracing = tp
	}

	if config.EnableMetrics {
		if config.MetricsAddr != "" {
			config.MetricsConfig.ListenAddr = config.MetricsAddr
		}
		m, err := NewMetrics(config.MetricsConfig)
		if err != nil {
			_ = o.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		o.Metrics = m

		if config.ServeMetrics {
			if err := m.Start(ctx); err != nil {
				_ = o.Shutdown(ctx)
				return nil, err
			}
		}
	}

	return o, nil
}

// Tracer returns the configured tracer, or the otel global one
func (o *Observability) Tracer() trace.Tracer {
	if o == nil || o.Tracing == nil {
		return otel.Tracer("github.com/ajitpratap0/mcp-session-go")
	}
	return o.Tracing.Tracer()
}

// TransportMiddleware counts frames and bytes into the metrics. It is nil
// when metrics are disabled.
func (o *Observability) TransportMiddleware() transport.Middleware {
	if o == nil || o.Metrics == nil {
		return nil
	}
	return transport.NewObservabilityMiddleware(o.Metrics)
}

// Shutdown stops the metrics endpoint and flushes traces
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.Metrics != nil {
		errs = append(errs, o.Metrics.Shutdown(ctx))
	}
	if o.Tracing != nil {
		errs = append(errs, o.Tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
