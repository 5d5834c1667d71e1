package observe

import (
	"context"
	"testing"

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
		{"eloquence.asr.duration", m.ASRDuration},
		{"eloquence.llm.first_token", m.LLMFirstToken},
		{"eloquence.llm.duration", m.LLMDuration},
		{"eloquence.tts.duration", m.TTSDuration},
		{"eloquence.barge_in.latency", m.BargeInLatency},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			got := findMetric(rm, tc.name)
			if got == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := got.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is %T, want Histogram[float64]", tc.name, got.Data)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("got %d data points, want 1", len(hist.DataPoints))
			}
			if dp := hist.DataPoints[0]; dp.Count != 2 {
				t.Errorf("got count %d, want 2", dp.Count)
			}
		})
	}
}

func TestCacheCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CacheHits.Add(ctx, 3)
	m.CacheMisses.Add(ctx, 1)

	rm := collect(t, reader)

	hits := findMetric(rm, "eloquence.tts_cache.hits")
	if hits == nil {
		t.Fatal("cache hits metric not found")
	}
	sum, ok := hits.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("hits metric is %T, want Sum[int64]", hits.Data)
	}
	if got := sum.DataPoints[0].Value; got != 3 {
		t.Errorf("got %d hits, want 3", got)
	}

	misses := findMetric(rm, "eloquence.tts_cache.misses")
	if misses == nil {
		t.Fatal("cache misses metric not found")
	}
	sum, ok = misses.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("misses metric is %T, want Sum[int64]", misses.Data)
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("got %d misses, want 1", got)
	}
}

func TestRecordProviderError_Attributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "asr", "upstream")
	m.RecordProviderError(ctx, "asr", "upstream")
	m.RecordProviderError(ctx, "tts", "timeout")

	rm := collect(t, reader)
	got := findMetric(rm, "eloquence.provider.errors")
	if got == nil {
		t.Fatal("provider errors metric not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric is %T, want Sum[int64]", got.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("got %d data points, want 2", len(sum.DataPoints))
	}

	want := attribute.NewSet(
		attribute.String("provider", "asr"),
		attribute.String("kind", "upstream"),
	)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) && dp.Value != 2 {
			t.Errorf("asr/upstream count = %d, want 2", dp.Value)
		}
	}
}

func TestActiveSessions_UpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	got := findMetric(rm, "eloquence.active_sessions")
	if got == nil {
		t.Fatal("active sessions metric not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric is %T, want Sum[int64]", got.Data)
	}
	if v := sum.DataPoints[0].Value; v != 1 {
		t.Errorf("got %d active sessions, want 1", v)
	}
}
