package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the value of the int64 sum data point carrying key=value,
// or -1 if there is none.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
		n    int64
	}{
		{"sensei.capture.frames", m.FramesCaptured, 4},
		{"sensei.s2s.frames_sent", m.FramesSent, 3},
		{"sensei.s2s.chunks_received", m.ChunksReceived, 7},
		{"sensei.s2s.chunks_malformed", m.ChunksMalformed, 1},
		{"sensei.playback.interruptions", m.Interruptions, 2},
		{"sensei.playback.underruns", m.Underruns, 5},
	}
	for _, tc := range counters {
		tc.c.Add(ctx, tc.n)
	}

	rm := collect(t, reader)
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.n {
				t.Errorf("counter value = %d, want %d", got, tc.n)
			}
		})
	}
}

func TestRecordFrameDropped(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDropped(ctx, "queue_full")
	m.RecordFrameDropped(ctx, "queue_full")
	m.RecordFrameDropped(ctx, "closed")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "sensei.s2s.frames_dropped", "reason", "queue_full"); got != 2 {
		t.Errorf("queue_full drops = %d, want 2", got)
	}
	if got := sumWith(t, rm, "sensei.s2s.frames_dropped", "reason", "closed"); got != 1 {
		t.Errorf("closed drops = %d, want 1", got)
	}
}

func TestRecordSessionClosed(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionClosed(ctx, "stopped")
	m.RecordSessionClosed(ctx, "transport_error")
	m.RecordSessionClosed(ctx, "stopped")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "sensei.sessions.closed", "cause", "stopped"); got != 2 {
		t.Errorf("stopped = %d, want 2", got)
	}
	if got := sumWith(t, rm, "sensei.sessions.closed", "cause", "transport_error"); got != 1 {
		t.Errorf("transport_error = %d, want 1", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for _, to := range []string{"open", "half-open", "open", "half-open", "closed"} {
		m.RecordBreakerTransition(ctx, to)
	}

	rm := collect(t, reader)
	for to, want := range map[string]int64{"open": 2, "half-open": 2, "closed": 1} {
		if got := sumWith(t, rm, "sensei.connect.breaker.transitions", "to", to); got != want {
			t.Errorf("to=%s: %d, want %d", to, got, want)
		}
	}
}

func TestRecordConnect(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnect(ctx, "gemini-live", "ok", 120*time.Millisecond)
	m.RecordConnect(ctx, "gemini-live", "ok", 300*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "sensei.s2s.connect.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("sample count = %d, want 2", dp.Count)
	}
	if v, ok := dp.Attributes.Value("provider"); !ok || v.AsString() != "gemini-live" {
		t.Errorf("provider attribute = %v, want gemini-live", v.AsString())
	}
}

func TestScheduledAudio(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ScheduledAudio.Add(ctx, 1.5)
	m.ScheduledAudio.Add(ctx, 0.5)

	rm := collect(t, reader)
	met := findMetric(rm, "sensei.playback.scheduled")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[float64])
	if !ok {
		t.Fatal("metric is not a float64 sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("scheduled seconds = %v, want 2", sum.DataPoints)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "sensei.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
