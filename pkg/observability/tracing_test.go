package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestTracingProviderExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := NewTracingProvider(TracingConfig{ServiceName: "inspector", Exporter: exp})
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer().Start(context.Background(), "tools/call",
		trace.WithAttributes(attribute.String("rpc.method", "tools/call")))
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "tools/call", spans[0].Name)
}

func TestMethodSampler(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := NewTracingProvider(TracingConfig{
		Exporter:    exp,
		SampleRate:  1.0,
		NeverSample: []string{"ping"},
	})
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	_, dropped := tp.Tracer().Start(context.Background(), "ping",
		trace.WithAttributes(attribute.String("rpc.method", "ping")))
	assert.False(t, dropped.IsRecording())
	dropped.End()

	_, kept := tp.Tracer().Start(context.Background(), "tools/list")
	assert.True(t, kept.IsRecording())
	kept.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	require.Len(t, exp.GetSpans(), 1)
	assert.Equal(t, "tools/list", exp.GetSpans()[0].Name)
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracingProvider(TracingConfig{ExporterType: "jaeger"})
	assert.Error(t, err)
}

func TestNoopExporterDefault(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestObservabilityBundle(t *testing.T) {
	o, err := New(context.Background(), ObservabilityConfig{
		EnableTracing: true,
		EnableMetrics: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, o.Metrics)
	assert.NotNil(t, o.Tracing)
	assert.NotNil(t, o.TransportMiddleware())
	assert.NotNil(t, o.Tracer())
	assert.NoError(t, o.Shutdown(context.Background()))

	var disabled *Observability
	assert.Nil(t, disabled.TransportMiddleware())
	assert.NotNil(t, disabled.Tracer())
	assert.NoError(t, disabled.Shutdown(context.Background()))
}
