package localizer

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/observe"
)

// Mode is the inference strategy a detector supports.
type Mode int

const (
	// Unprobed means the detector has not been classified yet.
	Unprobed Mode = iota
	// BatchCapable detectors accept several images per forward pass.
	BatchCapable
	// SequentialOnly detectors accept exactly one image per forward pass.
	SequentialOnly
)

func (m Mode) String() string {
	switch m {
	case Unprobed:
		return "unprobed"
	case BatchCapable:
		return "batch"
	case SequentialOnly:
		return "sequential"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Capability is the outcome of probing a detector.
type Capability struct {
	Mode Mode
	// MaxBatch bounds the batch dimension when the detector declares a fixed
	// size larger than one; zero means unbounded.
	MaxBatch int
	// Demoted is set when the declared shape allowed batching but a real
	// batched call failed.
	Demoted bool
}

const probeBatchSize = 2

// Handle is a caller-owned face detector together with its one-time
// capability classification. A Handle may be shared across jobs.
type Handle struct {
	detector   core.FaceDetector
	preprocess Preprocess
	log        *logger.Logger
	metrics    *observe.Metrics

	mu         sync.Mutex
	probed     bool
	capability Capability
	inputSize  image.Point
}

// NewHandle wraps detector. metrics may be nil to use the process default.
func NewHandle(detector core.FaceDetector, preprocess Preprocess, log *logger.Logger, metrics *observe.Metrics) *Handle {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	return &Handle{
		detector:   detector,
		preprocess: preprocess,
		log:        log,
		metrics:    metrics,
	}
}

// ConcurrentSafe reports whether the wrapped detector declares that Infer may
// run concurrently.
func (h *Handle) ConcurrentSafe() bool {
	concurrent, ok := h.detector.(core.SupportsConcurrentInference)

	return ok && concurrent.ConcurrentInferenceSafe()
}

// Capability classifies the detector on first use and returns the cached
// result afterwards. sample supplies the images for the batched probe call.
// A failure to read the input shape is returned without caching.
func (h *Handle) Capability(ctx context.Context, sample []*image.RGBA) (Capability, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.probed {
		return h.capability, nil
	}

	shape, err := h.detector.InputShape(ctx)
	if err != nil {
		return Capability{}, fmt.Errorf("failed to read detector input shape: %w", err)
	}

	if len(shape) != tensorRank {
		return Capability{}, fmt.Errorf("%w: %v", ErrUnsupportedShape, shape)
	}

	h.inputSize = image.Pt(int(max(shape[3], 0)), int(max(shape[2], 0)))
	h.capability = h.classify(ctx, shape[0], sample)
	h.probed = true

	h.log.Info("Face detector classified as %s (max batch %d, declared shape %v)",
		h.capability.Mode, h.capability.MaxBatch, shape)

	return h.capability, nil
}

func (h *Handle) classify(ctx context.Context, leading int64, sample []*image.RGBA) Capability {
	if leading == 1 {
		return Capability{Mode: SequentialOnly}
	}

	maxBatch := 0
	if leading > 1 {
		maxBatch = int(leading)
	}

	if len(sample) == 0 {
		return Capability{Mode: SequentialOnly, Demoted: true}
	}

	probe := make([]*image.RGBA, 0, probeBatchSize)
	for len(probe) < probeBatchSize {
		probe = append(probe, sample[len(probe)%len(sample)])
	}

	input, _ := h.preprocess.tensor(probe, h.inputSize)

	_, err := h.detector.Infer(ctx, input)
	if err != nil {
		h.log.Warn("Batched detector probe failed, falling back to sequential inference: %v", err)
		h.metrics.DetectorDemotions.Add(ctx, 1)

		return Capability{Mode: SequentialOnly, Demoted: true}
	}

	h.metrics.RecordDetectorCall(ctx, BatchCapable.String(), statusOK)

	return Capability{Mode: BatchCapable, MaxBatch: maxBatch}
}

// infer runs one forward pass on frames and decodes one detection per frame.
func (h *Handle) infer(ctx context.Context, frames []*image.RGBA, threshold float32) ([]detection, error) {
	input, scale := h.preprocess.tensor(frames, h.inputSize)

	output, err := h.detector.Infer(ctx, input)
	if err != nil {
		return nil, err
	}

	return decode(output, len(frames), threshold, scale)
}
