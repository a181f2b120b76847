package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TelemetryConfig configures [Setup].
type TelemetryConfig struct {
	// ServiceName defaults to "sensei".
	ServiceName    string
	ServiceVersion string

	// Registerer receives the OTel metric bridge. Nil uses
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// RuntimeCollectors also registers the Go runtime and process collectors.
	RuntimeCollectors bool

	// SpanExporter receives finished spans. Nil keeps spans in-process only,
	// which is enough for correlation ids and trace-aware logs.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the process-wide meter and tracer providers.
type Telemetry struct {
	// Metrics are the sensei instruments bound to the exporting meter provider.
	Metrics *Metrics

	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

// Setup builds the meter and tracer providers, installs them as the OTel
// globals together with the W3C trace-context propagator, and creates the
// sensei instruments. Call [Telemetry.Shutdown] before exiting to flush.
func Setup(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sensei"
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	if cfg.RuntimeCollectors {
		err := errors.Join(
			cfg.Registerer.Register(collectors.NewGoCollector()),
			cfg.Registerer.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
		)
		if err != nil {
			return nil, fmt.Errorf("observe: runtime collectors: %w", err)
		}
	}

	bridge, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus bridge: %w", err)
	}

	t := &Telemetry{
		meters: sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(bridge)),
	}
	spanOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		spanOpts = append(spanOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	t.traces = sdktrace.NewTracerProvider(spanOpts...)

	if t.Metrics, err = NewMetrics(t.meters); err != nil {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.traces)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.traces.Shutdown(ctx), t.meters.Shutdown(ctx))
}
