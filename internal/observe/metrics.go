// Package observe provides the OpenTelemetry metric instruments of the
// lip-sync service and the Prometheus bridge that exposes them.
//
// Components record through a [Metrics] value passed at construction. When
// none is given they fall back to [DefaultMetrics], which is bound to the
// global meter provider. Tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/book-expert/lipsync-service"

// Metrics holds all metric instruments of the service. All fields are safe
// for concurrent use.
type Metrics struct {
	// StageDuration tracks pipeline stage latency. Attribute: stage.
	StageDuration metric.Float64Histogram

	// DetectorCalls counts detector forward passes. Attributes: mode, status.
	DetectorCalls metric.Int64Counter

	// DetectorDemotions counts detectors classified SequentialOnly after a
	// failed batched probe.
	DetectorDemotions metric.Int64Counter

	// DetectorOOMRetries counts batch-size halvings after out-of-memory errors.
	DetectorOOMRetries metric.Int64Counter

	// FramesComposited counts frames handed to the frame writer.
	FramesComposited metric.Int64Counter

	// JobsProcessed counts finished jobs. Attribute: status.
	JobsProcessed metric.Int64Counter
}

var stageBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a [Metrics] bound to mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("lipsync.stage.duration",
		metric.WithDescription("Latency of a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DetectorCalls, err = m.Int64Counter("lipsync.detector.calls",
		metric.WithDescription("Number of face detector forward passes."),
	); err != nil {
		return nil, err
	}
	if met.DetectorDemotions, err = m.Int64Counter("lipsync.detector.demotions",
		metric.WithDescription("Number of detectors demoted to sequential inference."),
	); err != nil {
		return nil, err
	}
	if met.DetectorOOMRetries, err = m.Int64Counter("lipsync.detector.oom_retries",
		metric.WithDescription("Number of detector batch-size halvings after out-of-memory errors."),
	); err != nil {
		return nil, err
	}
	if met.FramesComposited, err = m.Int64Counter("lipsync.frames.composited",
		metric.WithDescription("Number of composited frames written."),
	); err != nil {
		return nil, err
	}
	if met.JobsProcessed, err = m.Int64Counter("lipsync.jobs.processed",
		metric.WithDescription("Number of lip-sync jobs processed."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to
// [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// RecordStage records how long a pipeline stage took, in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordDetectorCall records one detector forward pass.
func (m *Metrics) RecordDetectorCall(ctx context.Context, mode, status string) {
	m.DetectorCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordJob records a finished job.
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	m.JobsProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
