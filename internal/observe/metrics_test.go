package observe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)

	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	return rm
}

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

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}

	return total
}

func TestCounters(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDetectorCall(ctx, "batch", "ok")
	m.RecordDetectorCall(ctx, "sequential", "ok")
	m.DetectorOOMRetries.Add(ctx, 1)
	m.FramesComposited.Add(ctx, 25)
	m.RecordJob(ctx, "ok")

	rm := collect(t, reader)

	require.Equal(t, int64(2), sumOf(t, findMetric(rm, "lipsync.detector.calls")))
	require.Equal(t, int64(1), sumOf(t, findMetric(rm, "lipsync.detector.oom_retries")))
	require.Equal(t, int64(25), sumOf(t, findMetric(rm, "lipsync.frames.composited")))
	require.Equal(t, int64(1), sumOf(t, findMetric(rm, "lipsync.jobs.processed")))
}

func TestRecordStage(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordStage(context.Background(), "localize", 0.3)

	metric := findMetric(collect(t, reader), "lipsync.stage.duration")
	require.NotNil(t, metric)

	hist, ok := metric.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	require.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	t.Parallel()

	require.Same(t, DefaultMetrics(), DefaultMetrics())
}
