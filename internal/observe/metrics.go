// Package observe provides application-wide observability primitives for
// sensei: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] bridges
// them to a Prometheus registry for the /metrics endpoint and returns the
// instruments main hands to the app. [DefaultMetrics] is a lazily built
// fallback on the global meter provider; tests use [NewMetrics] with their
// own provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sensei metrics.
const meterName = "github.com/omartood/Ai-Mentor-for-Javascript-Only"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesCaptured counts frames delivered by the microphone.
	FramesCaptured metric.Int64Counter

	// FramesSent counts encoded frames accepted by the streaming session.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames that never reached the network.
	// Use with attribute:
	//   attribute.String("reason", ...)  // queue_full, closed, error
	FramesDropped metric.Int64Counter

	// --- Reply path ---

	// ChunksReceived counts reply audio fragments received from the model.
	ChunksReceived metric.Int64Counter

	// ChunksMalformed counts reply fragments that failed to decode.
	ChunksMalformed metric.Int64Counter

	// Interruptions counts interruption signals from the model.
	Interruptions metric.Int64Counter

	// Underruns counts buffers that arrived after the playback queue ran dry.
	Underruns metric.Int64Counter

	// ScheduledAudio accumulates the seconds of reply audio scheduled for
	// playback.
	ScheduledAudio metric.Float64Counter

	// --- Session lifecycle ---

	// ConnectDuration tracks how long opening a streaming session takes. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsClosed counts ended sessions. Use with attribute:
	//   attribute.String("cause", ...)
	SessionsClosed metric.Int64Counter

	// BreakerTransitions counts connect breaker state changes. Use with
	// attribute:
	//   attribute.String("to", ...)  // closed, open, half-open
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup and control-plane requests.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture counters.
	if met.FramesCaptured, err = m.Int64Counter("sensei.capture.frames",
		metric.WithDescription("Total microphone frames captured."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("sensei.s2s.frames_sent",
		metric.WithDescription("Total encoded capture frames handed to the streaming session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sensei.s2s.frames_dropped",
		metric.WithDescription("Total capture frames dropped before reaching the network, by reason."),
	); err != nil {
		return nil, err
	}

	// Reply counters.
	if met.ChunksReceived, err = m.Int64Counter("sensei.s2s.chunks_received",
		metric.WithDescription("Total reply audio fragments received."),
	); err != nil {
		return nil, err
	}
	if met.ChunksMalformed, err = m.Int64Counter("sensei.s2s.chunks_malformed",
		metric.WithDescription("Total reply audio fragments dropped because they failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("sensei.playback.interruptions",
		metric.WithDescription("Total interruption signals that flushed queued playback."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("sensei.playback.underruns",
		metric.WithDescription("Total buffers scheduled after the playback queue ran dry."),
	); err != nil {
		return nil, err
	}
	if met.ScheduledAudio, err = m.Float64Counter("sensei.playback.scheduled",
		metric.WithDescription("Seconds of reply audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Session lifecycle.
	if met.ConnectDuration, err = m.Float64Histogram("sensei.s2s.connect.duration",
		metric.WithDescription("Latency of opening a streaming session by provider and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("sensei.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("sensei.sessions.closed",
		metric.WithDescription("Total ended voice sessions by close cause."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("sensei.connect.breaker.transitions",
		metric.WithDescription("Connect circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sensei.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped records one dropped capture frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordConnect records the latency of one session connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordSessionClosed records the end of a session.
func (m *Metrics) RecordSessionClosed(ctx context.Context, cause string) {
	m.SessionsClosed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordBreakerTransition records the connect breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("to", to)),
	)
}
