// Package observe provides application-wide observability primitives for
// Eloquence: OpenTelemetry metrics, structured logging setup, and the
// Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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
)

// meterName is the instrumentation scope name used for all Eloquence metrics.
const meterName = "github.com/gramyfied/eloquence-backend"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks segment transcription latency.
	ASRDuration metric.Float64Histogram

	// LLMFirstToken tracks time from request to first streamed token.
	LLMFirstToken metric.Float64Histogram

	// LLMDuration tracks full LLM generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-unit synthesis latency.
	TTSDuration metric.Float64Histogram

	// BargeInLatency tracks VAD barge_in → tts_stop emission latency.
	BargeInLatency metric.Float64Histogram

	// --- Counters ---

	// CacheHits and CacheMisses count synthesized-audio cache lookups.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// BargeIns counts learner interruptions.
	BargeIns metric.Int64Counter

	// Turns counts committed turns. Use with attribute.String("role", ...).
	Turns metric.Int64Counter

	// ProviderErrors counts upstream failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// DegradedTurns counts turns completed through a fallback path.
	DegradedTurns metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live coaching sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("eloquence.asr.duration",
		metric.WithDescription("Latency of segment transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("eloquence.llm.first_token",
		metric.WithDescription("Time to first streamed LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("eloquence.llm.duration",
		metric.WithDescription("Latency of full LLM generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("eloquence.tts.duration",
		metric.WithDescription("Latency of per-unit speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("eloquence.barge_in.latency",
		metric.WithDescription("Latency from barge_in detection to tts_stop emission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CacheHits, err = m.Int64Counter("eloquence.tts_cache.hits",
		metric.WithDescription("Synthesized-audio cache hits."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("eloquence.tts_cache.misses",
		metric.WithDescription("Synthesized-audio cache misses."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("eloquence.barge_ins",
		metric.WithDescription("Learner interruptions of agent playback."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("eloquence.turns",
		metric.WithDescription("Committed conversation turns by role."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("eloquence.provider.errors",
		metric.WithDescription("Upstream service errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.DegradedTurns, err = m.Int64Counter("eloquence.turns.degraded",
		metric.WithDescription("Turns completed through a fallback path."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("eloquence.active_sessions",
		metric.WithDescription("Number of live coaching sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("eloquence.http.request.duration",
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

// RecordProviderError records an upstream failure with the standard
// attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a committed turn for the given role.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
