// Package observability exports Prometheus metrics and OpenTelemetry traces
// for sessions, invocations, transports and catalogs.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification, added as constant labels when set
	ServiceName    string
	ServiceVersion string

	// HTTP endpoint served by Start
	MetricsPath string // default: /metrics
	ListenAddr  string // default: :9090

	// Metric options
	Namespace        string    // Prometheus namespace (default: mcp)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Latency buckets in milliseconds

	// Registerer receives the collectors; a private registry is used when nil
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Labels to add to all metrics
	ConstLabels prometheus.Labels
}

// Metrics records session engine metrics. It satisfies the observer
// interfaces of the session, dispatch, transport and catalog packages.
type Metrics struct {
	config   MetricsConfig
	gatherer prometheus.Gatherer

	sessionState       *prometheus.GaugeVec
	transitions        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	invocations        *prometheus.CounterVec
	droppedResponses   prometheus.Counter
	frames             *prometheus.CounterVec
	bytes              *prometheus.CounterVec
	catalogSize        *prometheus.GaugeVec

	mu     sync.Mutex
	server *http.Server
}

// NewMetrics creates the collectors and registers them
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	// Set defaults
	if config.Namespace == "" {
		config.Namespace = "mcp"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":9090"
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}
	}
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}

	gatherer := config.Gatherer
	if config.Registerer == nil {
		registry := prometheus.NewRegistry()
		config.Registerer = registry
		gatherer = registry
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	m := &Metrics{config: config, gatherer: gatherer}
	m.initializeMetrics()

	if err := m.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

// initializeMetrics creates all metric collectors
func (m *Metrics) initializeMetrics() {
	m.sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "session_state",
			Help:        "Current session state, 1 for the active state",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"state"},
	)

	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "session_transitions_total",
			Help:        "Total number of session state transitions",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"from", "to"},
	)

	m.invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "invocation_duration_milliseconds",
			Help:        "Duration of requests in milliseconds",
			Buckets:     m.config.HistogramBuckets,
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"method", "outcome"},
	)

	m.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "invocations_total",
			Help:        "Total number of requests by outcome",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"method", "outcome"},
	)

	m.droppedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "dropped_responses_total",
			Help:        "Responses whose id matched no in-flight request",
			ConstLabels: m.config.ConstLabels,
		},
	)

	m.frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "transport_frames_total",
			Help:        "Frames sent and received",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"transport", "direction"},
	)

	m.bytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "transport_bytes_total",
			Help:        "Frame bytes sent and received",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"transport", "direction"},
	)

	m.catalogSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "catalog_size",
			Help:        "Number of capabilities in the current catalog",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"kind"},
	)
}

// registerMetrics registers all metrics with the configured registerer
func (m *Metrics) registerMetrics() error {
	collectors := []prometheus.Collector{
		m.sessionState,
		m.transitions,
		m.invocationDuration,
		m.invocations,
		m.droppedResponses,
		m.frames,
		m.bytes,
		m.catalogSize,
	}

	for _, collector := range collectors {
		if err := m.config.Registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// ObserveTransition records a session state change
func (m *Metrics) ObserveTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
	m.sessionState.Reset()
	m.sessionState.WithLabelValues(to).Set(1)
}

// ObserveInvocation records the outcome of a request
func (m *Metrics) ObserveInvocation(method string, duration time.Duration, err error) {
	outcome := Outcome(err)
	m.invocationDuration.WithLabelValues(method, outcome).Observe(float64(duration.Milliseconds()))
	m.invocations.WithLabelValues(method, outcome).Inc()
}

// ObserveDroppedResponse counts a response that matched no request
func (m *Metrics) ObserveDroppedResponse() {
	m.droppedResponses.Inc()
}

// ObserveFrame counts one frame on a transport
func (m *Metrics) ObserveFrame(name string, direction transport.Direction, size int) {
	m.frames.WithLabelValues(name, string(direction)).Inc()
	m.bytes.WithLabelValues(name, string(direction)).Add(float64(size))
}

// ObserveCatalogSize records the size of one catalog list
func (m *Metrics) ObserveCatalogSize(kind string, size int) {
	m.catalogSize.WithLabelValues(kind).Set(float64(size))
}

// Outcome classifies err for the outcome label: "success", the error
// category, or "error" for errors outside the taxonomy
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	if mcpErr, ok := mcperrors.AsMCPError(err); ok && mcpErr.Category() != "" {
		return string(mcpErr.Category())
	}
	return "error"
}

// Handler serves the collected metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Start serves the metrics endpoint on ListenAddr until Shutdown
func (m *Metrics) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, m.Handler())

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddr, err)
	}

	m.mu.Lock()
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := m.server
	m.mu.Unlock()

	go func() {
		_ = server.Serve(ln)
	}()
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
