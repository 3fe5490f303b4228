package observe_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/taurscribe/taurscribe/internal/observe"
)

func TestNewMetricsConstructsAllInstruments(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := observe.NewMetrics(provider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.ChunkDuration == nil || m.ChunksEmitted == nil || m.FramesDropped == nil ||
		m.DownloadBytes == nil || m.ActiveSessions == nil {
		t.Fatal("nil instrument after construction")
	}
}

func TestMetricsRecordAndCollect(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(provider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.ChunksEmitted.Add(ctx, 3)
	m.ChunkDuration.Record(ctx, 0.42)
	m.RecordEngineInit(ctx, "Buffered", "CPU")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	found := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, inst := range scope.Metrics {
			found[inst.Name] = true
		}
	}
	for _, want := range []string{"taurscribe.chunks.emitted", "taurscribe.chunk.duration", "taurscribe.engine.inits"} {
		if !found[want] {
			t.Errorf("metric %q not collected; got %v", want, found)
		}
	}
}
