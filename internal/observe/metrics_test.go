package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cyohan21/ai-document/internal/resilience"
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

// sumFor returns the int64 sum data point whose attributes contain kv.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, kv attribute.KeyValue) int64 {
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
		if v, ok := dp.Attributes.Value(kv.Key); ok && v == kv.Value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, kv.Key, kv.Value.Emit())
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

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"docchat.upstream.dial.duration", m.UpstreamDialDuration},
		{"docchat.session.duration", m.SessionDuration},
		{"docchat.extraction.duration", m.ExtractionDuration},
		{"docchat.transcript.duration", m.TranscriptDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStart(ctx, "voice")
	m.RecordSessionStart(ctx, "voice")
	m.RecordSessionStart(ctx, "text")
	m.RecordSessionEnd(ctx, "voice", 12)

	rm := collect(t, reader)

	if got := sumFor(t, rm, "docchat.sessions.started", Attr("modality", "voice")); got != 2 {
		t.Errorf("voice sessions started = %d, want 2", got)
	}
	if got := sumFor(t, rm, "docchat.active_sessions", Attr("modality", "voice")); got != 1 {
		t.Errorf("active voice sessions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "docchat.active_sessions", Attr("modality", "text")); got != 1 {
		t.Errorf("active text sessions = %d, want 1", got)
	}
	if findMetric(rm, "docchat.session.duration") == nil {
		t.Error("session duration not recorded")
	}
}

func TestCounterHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionError(ctx, "RATE_LIMIT")
	m.RecordSessionError(ctx, "RATE_LIMIT")
	m.RecordRelayed(ctx, "upstream_to_client", "text")
	m.RecordDropped(ctx, "invalid_json")
	m.RecordDocument(ctx, "pdf")
	m.RecordKeyCheck(ctx, "valid")

	rm := collect(t, reader)

	tests := []struct {
		name string
		kv   attribute.KeyValue
		want int64
	}{
		{"docchat.session.errors", Attr("code", "RATE_LIMIT"), 2},
		{"docchat.relay.messages", Attr("direction", "upstream_to_client"), 1},
		{"docchat.relay.dropped", Attr("reason", "invalid_json"), 1},
		{"docchat.documents.ingested", Attr("source", "pdf"), 1},
		{"docchat.key_checks", Attr("result", "valid"), 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumFor(t, rm, tc.name, tc.kv); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "docchat.http.request.duration")
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

func TestBreakerHook_CountsTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "youtube",
		MaxFailures:   1,
		ResetTimeout:  time.Hour,
		OnStateChange: BreakerHook(m),
	})

	_ = cb.Execute(func() error { return errors.New("service down") })

	// The hook runs on its own goroutine.
	deadline := time.Now().Add(3 * time.Second)
	for findMetric(collect(t, reader), "docchat.breaker.transitions") == nil {
		if time.Now().After(deadline) {
			t.Fatal("breaker transition not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rm := collect(t, reader)
	if got := sumFor(t, rm, "docchat.breaker.transitions", attribute.String("to", "open")); got != 1 {
		t.Errorf("transitions to open = %d; want 1", got)
	}
	if got := sumFor(t, rm, "docchat.breaker.transitions", attribute.String("breaker", "youtube")); got != 1 {
		t.Errorf("youtube transitions = %d; want 1", got)
	}
}
