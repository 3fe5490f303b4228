// Package observe provides the observability primitives of the Taurscribe
// core: OpenTelemetry metrics with a Prometheus exporter bridge so the
// local shell (or a curious operator) can scrape /metrics.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all core metrics.
const meterName = "github.com/taurscribe/taurscribe"

// Metrics holds all OpenTelemetry metric instruments for the core. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkDuration tracks live chunk transcription latency. Attributes:
	//   attribute.String("method", "Buffered"|"Streaming")
	ChunkDuration metric.Float64Histogram

	// FinalPassDuration tracks the post-stop high-quality pass latency.
	FinalPassDuration metric.Float64Histogram

	// PostProcessDuration tracks post-processing chain latency.
	PostProcessDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksEmitted counts emitted transcription chunk events.
	ChunksEmitted metric.Int64Counter

	// ChunksGated counts buffered chunks suppressed by the VAD gate.
	ChunksGated metric.Int64Counter

	// FramesDropped counts audio frames dropped by the callback's
	// try-send. Attributes:
	//   attribute.String("queue", "file"|"live")
	FramesDropped metric.Int64Counter

	// InferenceErrors counts recoverable live inference failures.
	InferenceErrors metric.Int64Counter

	// DownloadBytes counts artifact bytes fetched. Attributes:
	//   attribute.String("artifact", id)
	DownloadBytes metric.Int64Counter

	// EngineInits counts engine initialisations. Attributes:
	//   attribute.String("family", ...), attribute.String("backend", ...)
	EngineInits metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live capture sessions (0 or 1 in practice; the
	// gauge keeps the invariant observable).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide Metrics instance built from the
// global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument construction only fails on malformed names;
			// fall back to a no-op-backed instance.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// NewMetrics constructs all instruments against the given provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.ChunkDuration, err = meter.Float64Histogram(
		"taurscribe.chunk.duration",
		metric.WithDescription("Live chunk transcription latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.FinalPassDuration, err = meter.Float64Histogram(
		"taurscribe.finalpass.duration",
		metric.WithDescription("Final transcription pass latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.PostProcessDuration, err = meter.Float64Histogram(
		"taurscribe.postprocess.duration",
		metric.WithDescription("Post-processing chain latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.ChunksEmitted, err = meter.Int64Counter(
		"taurscribe.chunks.emitted",
		metric.WithDescription("Transcription chunk events emitted"),
	); err != nil {
		return nil, err
	}
	if m.ChunksGated, err = meter.Int64Counter(
		"taurscribe.chunks.gated",
		metric.WithDescription("Buffered chunks suppressed by the VAD gate"),
	); err != nil {
		return nil, err
	}
	if m.FramesDropped, err = meter.Int64Counter(
		"taurscribe.frames.dropped",
		metric.WithDescription("Audio frames dropped by the callback try-send"),
	); err != nil {
		return nil, err
	}
	if m.InferenceErrors, err = meter.Int64Counter(
		"taurscribe.inference.errors",
		metric.WithDescription("Recoverable live inference failures"),
	); err != nil {
		return nil, err
	}
	if m.DownloadBytes, err = meter.Int64Counter(
		"taurscribe.download.bytes",
		metric.WithDescription("Artifact bytes downloaded"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.EngineInits, err = meter.Int64Counter(
		"taurscribe.engine.inits",
		metric.WithDescription("Engine initialisations by family and backend"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter(
		"taurscribe.sessions.active",
		metric.WithDescription("Live capture sessions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordEngineInit is a convenience for the engine-init counter.
func (m *Metrics) RecordEngineInit(ctx context.Context, family, backend string) {
	m.EngineInits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("backend", backend),
	))
}
