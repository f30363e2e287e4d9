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

// sumPoint returns the value of the int64 sum data point carrying key=value.
func sumPoint(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFetch(ctx, "speak", "ok", 1200*time.Millisecond)
	m.RecordFetch(ctx, "speak", "ok", 800*time.Millisecond)
	m.PrepareDuration.Record(ctx, 0.3)
	m.PrepareDuration.Record(ctx, 0.5)

	rm := collect(t, reader)
	for _, name := range []string{"speakd.fetch.duration", "speakd.prepare.duration"} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFetchAttempt(ctx, "invalid")
	m.RecordFetchAttempt(ctx, "invalid")
	m.RecordFetchAttempt(ctx, "ok")
	m.RecordFetchError(ctx, "upstream")
	m.RecordPlaybackStart(ctx, "dialogue")
	m.RecordItemFinished(ctx, "completed")
	m.RecordItemFinished(ctx, "completed")
	m.RecordItemFinished(ctx, "skipped")
	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)
	m.RecordCacheLookup(ctx, false)
	m.RecordBreakerTransition(ctx, "elevenlabs", "open")

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"speakd.fetch.attempts", "outcome", "invalid", 2},
		{"speakd.fetch.attempts", "outcome", "ok", 1},
		{"speakd.fetch.errors", "reason", "upstream", 1},
		{"speakd.playback.starts", "kind", "dialogue", 1},
		{"speakd.items.finished", "status", "completed", 2},
		{"speakd.items.finished", "status", "skipped", 1},
		{"speakd.cache.lookups", "result", "hit", 1},
		{"speakd.cache.lookups", "result", "miss", 2},
		{"speakd.breaker.transitions", "to", "open", 1},
	}
	for _, tt := range tests {
		if got := sumPoint(t, rm, tt.name, tt.key, tt.value); got != tt.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tt.name, tt.key, tt.value, got, tt.want)
		}
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.QueueDepth.Record(ctx, 7)
	m.QueueDepth.Record(ctx, 3)
	sse := metric.WithAttributes(attribute.String("transport", "sse"))
	m.Subscribers.Add(ctx, 1, sse)
	m.Subscribers.Add(ctx, 1, sse)
	m.Subscribers.Add(ctx, -1, sse)

	rm := collect(t, reader)

	met := findMetric(rm, "speakd.queue.depth")
	if met == nil {
		t.Fatal("queue depth not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("queue depth is not a gauge")
	}
	if len(g.DataPoints) == 0 || g.DataPoints[0].Value != 3 {
		t.Errorf("queue depth points = %+v, want last value 3", g.DataPoints)
	}

	if got := sumPoint(t, rm, "speakd.events.subscribers", "transport", "sse"); got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/health"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "speakd.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
