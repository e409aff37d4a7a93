// Package localizer finds one face box per frame with an injected detector.
//
// Detectors are classified once per [Handle]: detectors that accept a batch
// dimension run one forward pass per chunk of frames, all others run one
// frame per call on a bounded worker pool. Both paths share the same
// padding, confidence filtering and smoothing, and either return a box for
// every frame or fail the whole sequence.
package localizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/observe"
	"golang.org/x/sync/errgroup"
)

const (
	statusOK    = "ok"
	statusOOM   = "oom"
	statusError = "error"
)

// Defaults for [Options].
const (
	DefaultBatchSize           = 16
	DefaultConfidenceThreshold = 0.5
)

const errFmtFaceNotDetected = "%w: frame %d (%d of %d frames without a face)"

// Pads extends every detected box before clamping it to the frame.
type Pads struct {
	Top    int `toml:"top"`
	Bottom int `toml:"bottom"`
	Left   int `toml:"left"`
	Right  int `toml:"right"`
}

// Options configures a [Localizer].
type Options struct {
	Pads                Pads
	ConfidenceThreshold float32
	// SmoothingWindow is the moving-average window; 0 disables smoothing.
	SmoothingWindow int
	// BatchSize is the initial number of frames per batched forward pass.
	BatchSize int
}

// Localizer produces one FaceBox per frame.
type Localizer struct {
	handle  *Handle
	opts    Options
	log     *logger.Logger
	metrics *observe.Metrics
}

// New returns a Localizer running on handle. metrics may be nil.
func New(handle *Handle, opts Options, log *logger.Logger, metrics *observe.Metrics) *Localizer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	return &Localizer{handle: handle, opts: opts, log: log, metrics: metrics}
}

// Locate returns one padded, optionally smoothed FaceBox per frame, in frame
// order. Any frame without a qualifying detection fails the call with
// [core.ErrFaceNotDetected].
func (l *Localizer) Locate(ctx context.Context, frames []*image.RGBA) ([]core.FaceBox, error) {
	err := core.ValidateFrames(frames)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	capability, err := l.handle.Capability(ctx, frames)
	if err != nil {
		return nil, err
	}

	var detections []detection

	if capability.Mode == BatchCapable {
		detections, err = l.detectBatched(ctx, frames, capability.MaxBatch)
	} else {
		detections, err = l.detectSequential(ctx, frames)
	}

	if err != nil {
		return nil, err
	}

	boxes, err := l.finalize(frames[0].Bounds().Size(), detections)
	if err != nil {
		return nil, err
	}

	Smooth(boxes, l.opts.SmoothingWindow)

	l.metrics.RecordStage(ctx, "localize", time.Since(started).Seconds())
	l.log.Info("Located faces in %d frames (%s mode) in %s", len(frames), capability.Mode, time.Since(started))

	return boxes, nil
}

// detectBatched runs chunks of frames through the detector. An out-of-memory
// error halves the chunk size and retries the same frames; at size one it
// is fatal.
func (l *Localizer) detectBatched(ctx context.Context, frames []*image.RGBA, maxBatch int) ([]detection, error) {
	batchSize := l.opts.BatchSize
	if maxBatch > 0 {
		batchSize = min(batchSize, maxBatch)
	}

	results := make([]detection, len(frames))

	for start := 0; start < len(frames); {
		end := min(start+batchSize, len(frames))

		detections, err := l.handle.infer(ctx, frames[start:end], l.opts.ConfidenceThreshold)
		if errors.Is(err, core.ErrDetectorOutOfMemory) {
			l.metrics.RecordDetectorCall(ctx, BatchCapable.String(), statusOOM)

			if batchSize == 1 {
				return nil, fmt.Errorf("face detection at frame %d failed with batch size 1: %w", start, err)
			}

			batchSize /= 2
			l.metrics.DetectorOOMRetries.Add(ctx, 1)
			l.log.Warn("Detector out of memory at frame %d, retrying with batch size %d", start, batchSize)

			continue
		}

		if err != nil {
			l.metrics.RecordDetectorCall(ctx, BatchCapable.String(), statusError)

			return nil, fmt.Errorf("face detection for frames %d-%d failed: %w", start, end-1, err)
		}

		l.metrics.RecordDetectorCall(ctx, BatchCapable.String(), statusOK)
		copy(results[start:end], detections)
		start = end
	}

	return results, nil
}

// PoolSize returns the number of workers used for n single-image calls.
func PoolSize(n int) int {
	switch {
	case n <= 4:
		return max(n, 1)
	case n <= 16:
		return 4
	default:
		return 8
	}
}

// detectSequential runs one detector call per frame on a bounded pool.
// Results are stored by frame index, so completion order does not matter.
func (l *Localizer) detectSequential(ctx context.Context, frames []*image.RGBA) ([]detection, error) {
	workers := 1
	if l.handle.ConcurrentSafe() {
		workers = PoolSize(len(frames))
	}

	results := make([]detection, len(frames))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	for index, frame := range frames {
		group.Go(func() error {
			detections, err := l.handle.infer(groupCtx, []*image.RGBA{frame}, l.opts.ConfidenceThreshold)
			if err != nil {
				l.metrics.RecordDetectorCall(groupCtx, SequentialOnly.String(), statusError)

				return fmt.Errorf("face detection for frame %d failed: %w", index, err)
			}

			l.metrics.RecordDetectorCall(groupCtx, SequentialOnly.String(), statusOK)
			results[index] = detections[0]

			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		return nil, err
	}

	return results, nil
}

// finalize pads and clamps detections and rejects frames without a face.
func (l *Localizer) finalize(size image.Point, detections []detection) ([]core.FaceBox, error) {
	missing := 0
	firstMissing := -1

	boxes := make([]core.FaceBox, len(detections))

	for index, det := range detections {
		box := core.FaceBox{
			X1:         max(0, det.x1-l.opts.Pads.Left),
			Y1:         max(0, det.y1-l.opts.Pads.Top),
			X2:         min(size.X, det.x2+l.opts.Pads.Right),
			Y2:         min(size.Y, det.y2+l.opts.Pads.Bottom),
			Confidence: det.score,
		}

		// A detection entirely outside the frame clamps to an empty box.
		if !det.found || box.Empty() {
			missing++

			if firstMissing < 0 {
				firstMissing = index
			}

			continue
		}

		boxes[index] = box
	}

	if missing > 0 {
		return nil, fmt.Errorf(errFmtFaceNotDetected, core.ErrFaceNotDetected, firstMissing, missing, len(detections))
	}

	return boxes, nil
}
