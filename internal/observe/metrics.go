// Package observe provides application-wide observability primitives for
// docchat: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cyohan21/ai-document/internal/resilience"
)

// meterName is the instrumentation scope name used for all docchat metrics.
const meterName = "github.com/cyohan21/ai-document"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamDialDuration tracks how long the realtime upstream takes to
	// accept a connection. Use with attribute:
	//   attribute.String("status", ...)
	UpstreamDialDuration metric.Float64Histogram

	// SessionDuration tracks relay session lifetime from accept to Closed.
	SessionDuration metric.Float64Histogram

	// ExtractionDuration tracks PDF text extraction latency.
	ExtractionDuration metric.Float64Histogram

	// TranscriptDuration tracks transcript fetch latency.
	TranscriptDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts accepted relay sessions. Use with attribute:
	//   attribute.String("modality", ...)
	SessionsStarted metric.Int64Counter

	// RelayedMessages counts forwarded frames. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("frame", ...)
	RelayedMessages metric.Int64Counter

	// DocumentsIngested counts stored documents. Use with attribute:
	//   attribute.String("source", ...)
	DocumentsIngested metric.Int64Counter

	// KeyChecks counts credential verifications. Use with attribute:
	//   attribute.String("result", ...)
	KeyChecks metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...),
	//   attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts session-fatal errors reported to clients. Use with
	// attribute:
	//   attribute.String("code", ...)
	SessionErrors metric.Int64Counter

	// DroppedMessages counts client frames discarded by the relay. Use with
	// attribute:
	//   attribute.String("reason", ...)
	DroppedMessages metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers conversations lasting seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UpstreamDialDuration, err = m.Float64Histogram("docchat.upstream.dial.duration",
		metric.WithDescription("Latency of opening the realtime upstream connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("docchat.session.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("docchat.extraction.duration",
		metric.WithDescription("Latency of PDF text extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptDuration, err = m.Float64Histogram("docchat.transcript.duration",
		metric.WithDescription("Latency of video transcript fetches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("docchat.sessions.started",
		metric.WithDescription("Total relay sessions accepted by modality."),
	); err != nil {
		return nil, err
	}
	if met.RelayedMessages, err = m.Int64Counter("docchat.relay.messages",
		metric.WithDescription("Total frames forwarded by direction and frame type."),
	); err != nil {
		return nil, err
	}
	if met.DocumentsIngested, err = m.Int64Counter("docchat.documents.ingested",
		metric.WithDescription("Total documents stored by source."),
	); err != nil {
		return nil, err
	}
	if met.KeyChecks, err = m.Int64Counter("docchat.key_checks",
		metric.WithDescription("Total credential verifications by result."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("docchat.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("docchat.session.errors",
		metric.WithDescription("Total session-fatal errors by code."),
	); err != nil {
		return nil, err
	}
	if met.DroppedMessages, err = m.Int64Counter("docchat.relay.dropped",
		metric.WithDescription("Total client frames dropped by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("docchat.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("docchat.http.request.duration",
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

// RecordSessionStart increments the started counter and the active gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, modality string) {
	attrs := metric.WithAttributes(attribute.String("modality", modality))
	m.SessionsStarted.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1, attrs)
}

// RecordSessionEnd decrements the active gauge and records the lifetime.
func (m *Metrics) RecordSessionEnd(ctx context.Context, modality string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("modality", modality))
	m.ActiveSessions.Add(ctx, -1, attrs)
	m.SessionDuration.Record(ctx, seconds, attrs)
}

// RecordUpstreamDial records one upstream handshake with its outcome.
func (m *Metrics) RecordUpstreamDial(ctx context.Context, seconds float64, status string) {
	m.UpstreamDialDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionError is a convenience method that records a session error
// counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, code string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordRelayed is a convenience method that records one forwarded frame.
func (m *Metrics) RecordRelayed(ctx context.Context, direction, frame string) {
	m.RelayedMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("frame", frame),
		),
	)
}

// RecordDropped is a convenience method that records one dropped client frame.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.DroppedMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordDocument is a convenience method that records one stored document.
func (m *Metrics) RecordDocument(ctx context.Context, source string) {
	m.DocumentsIngested.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordKeyCheck is a convenience method that records one credential check.
func (m *Metrics) RecordKeyCheck(ctx context.Context, result string) {
	m.KeyChecks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordBreakerTransition records one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// BreakerHook returns a [resilience.CircuitBreakerConfig.OnStateChange]
// hook that counts transitions on m.
func BreakerHook(m *Metrics) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		m.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	}
}
