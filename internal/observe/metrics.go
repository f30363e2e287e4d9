// Package observe provides application-wide observability primitives for
// speakd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all speakd metrics.
const meterName = "github.com/MrWong99/speakd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FetchDuration tracks end-to-end upstream synthesis latency including
	// retries. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	FetchDuration metric.Float64Histogram

	// PrepareDuration tracks the time from enqueue until an item's audio,
	// duration and envelope are ready.
	PrepareDuration metric.Float64Histogram

	// --- Counters ---

	// FetchAttempts counts individual upstream calls. Use with attribute:
	//   attribute.String("outcome", "ok"|"invalid"|"error")
	FetchAttempts metric.Int64Counter

	// FetchErrors counts fetches that failed for good. Use with attribute:
	//   attribute.String("reason", ...)
	FetchErrors metric.Int64Counter

	// PlaybackStarts counts output processes spawned, including restarts
	// after seek and resume. Use with attribute:
	//   attribute.String("kind", ...)
	PlaybackStarts metric.Int64Counter

	// ItemsFinished counts items reaching a terminal state. Use with attribute:
	//   attribute.String("status", ...)
	ItemsFinished metric.Int64Counter

	// CacheLookups counts replay cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// EnvelopeErrors counts envelope extractions that fell back to an empty
	// envelope.
	EnvelopeErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// QueueDepth is the number of queued plus selected items.
	QueueDepth metric.Int64Gauge

	// Subscribers tracks the number of connected event subscribers. Use with
	// attribute:
	//   attribute.String("transport", "sse"|"ws")
	Subscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// upstream synthesis, which routinely takes several seconds for long text.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FetchDuration, err = m.Float64Histogram("speakd.fetch.duration",
		metric.WithDescription("Latency of upstream speech synthesis including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PrepareDuration, err = m.Float64Histogram("speakd.prepare.duration",
		metric.WithDescription("Time from enqueue until an item is ready to play."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FetchAttempts, err = m.Int64Counter("speakd.fetch.attempts",
		metric.WithDescription("Upstream synthesis calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FetchErrors, err = m.Int64Counter("speakd.fetch.errors",
		metric.WithDescription("Fetches that failed after all attempts, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStarts, err = m.Int64Counter("speakd.playback.starts",
		metric.WithDescription("Output processes spawned by item kind."),
	); err != nil {
		return nil, err
	}
	if met.ItemsFinished, err = m.Int64Counter("speakd.items.finished",
		metric.WithDescription("Items reaching a terminal state, by status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("speakd.cache.lookups",
		metric.WithDescription("Replay cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.EnvelopeErrors, err = m.Int64Counter("speakd.envelope.errors",
		metric.WithDescription("Envelope extractions that failed."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("speakd.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.QueueDepth, err = m.Int64Gauge("speakd.queue.depth",
		metric.WithDescription("Number of queued plus selected items."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("speakd.events.subscribers",
		metric.WithDescription("Number of connected event subscribers by transport."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("speakd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordFetch records the latency of one complete fetch.
func (m *Metrics) RecordFetch(ctx context.Context, kind, status string, d time.Duration) {
	m.FetchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordFetchAttempt counts one upstream call.
func (m *Metrics) RecordFetchAttempt(ctx context.Context, outcome string) {
	m.FetchAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFetchError counts one fetch that failed for good.
func (m *Metrics) RecordFetchError(ctx context.Context, reason string) {
	m.FetchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPlaybackStart counts one spawned output process.
func (m *Metrics) RecordPlaybackStart(ctx context.Context, kind string) {
	m.PlaybackStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordItemFinished counts one item reaching a terminal state.
func (m *Metrics) RecordItemFinished(ctx context.Context, status string) {
	m.ItemsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCacheLookup counts one replay cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
