// Package pipeline drives one lip-sync job from captured frames and mel chunks
// to an ordered stream of composited frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/lipsync-service/internal/compositor"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/datagen"
	"github.com/book-expert/lipsync-service/internal/durationsync"
	"github.com/book-expert/lipsync-service/internal/localizer"
	"github.com/book-expert/lipsync-service/internal/observe"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// Options configures a Pipeline.
type Options struct {
	// BatchSize is the number of output steps per lip model call.
	BatchSize int
	// FaceSize is the square edge of the crops fed to the lip model.
	FaceSize int
	// StaticMode uses only the first frame for every output step.
	StaticMode bool
}

// Job is one unit of work. Mels holds one chunk per output frame.
type Job struct {
	ID     string
	Frames []*image.RGBA
	Mels   []core.MelChunk
	// Static forces static mode for this job only.
	Static bool
}

// Result summarises a finished job.
type Result struct {
	// FramesWritten equals the number of mel chunks on success.
	FramesWritten int
	// SourceFrames is the number of captured frames the job drew from.
	SourceFrames int
	// Sync is how source frames were stretched to the audio length.
	Sync durationsync.Mode
	// Batches is the number of lip model calls made.
	Batches int
}

// Pipeline runs jobs one at a time. Its collaborators may be shared between
// pipelines; the pipeline itself keeps no per-job state.
type Pipeline struct {
	localizer  *localizer.Localizer
	model      core.LipModel
	compositor *compositor.Compositor
	opts       Options
	log        *logger.Logger
	metrics    *observe.Metrics
}

// New assembles a Pipeline. metrics may be nil to use the process default.
func New(
	loc *localizer.Localizer,
	model core.LipModel,
	comp *compositor.Compositor,
	opts Options,
	log *logger.Logger,
	metrics *observe.Metrics,
) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = datagen.DefaultBatchSize
	}

	if opts.FaceSize <= 0 {
		opts.FaceSize = datagen.DefaultFaceSize
	}

	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	return &Pipeline{
		localizer:  loc,
		model:      model,
		compositor: comp,
		opts:       opts,
		log:        log,
		metrics:    metrics,
	}
}

// Run renders one job and hands every composited frame to writer in output
// order.
//
// The captured frames are first stretched or trimmed to one frame per mel
// chunk. Faces are located only on the frames that mapping uses, then the
// lip model is called batch by batch and each patch is feathered back into
// a copy of its source frame. Static jobs draw every step from frame 0.
//
// Any error aborts the job. Frames already written are not retracted; the
// returned Result reports how many there were so the caller can clean up.
func (p *Pipeline) Run(ctx context.Context, job Job, writer core.FrameWriter) (Result, error) {
	started := time.Now()

	result, err := p.run(ctx, job, writer)
	if err != nil {
		p.metrics.RecordJob(ctx, statusError)
		p.log.Error("Lip-sync job %s failed after %d frames: %v", job.ID, result.FramesWritten, err)

		return result, err
	}

	p.metrics.RecordJob(ctx, statusOK)
	p.metrics.RecordStage(ctx, "job", time.Since(started).Seconds())
	p.log.Info("Lip-sync job %s rendered %d frames from %d source frames (%s) in %s",
		job.ID, result.FramesWritten, result.SourceFrames, result.Sync, time.Since(started))

	return result, nil
}

func (p *Pipeline) run(ctx context.Context, job Job, writer core.FrameWriter) (Result, error) {
	var result Result

	// 1. Validate the input frames
	err := core.ValidateFrames(job.Frames)
	if err != nil {
		return result, err
	}

	frames := job.Frames
	if job.Static || p.opts.StaticMode {
		frames = frames[:1]
	}

	// 2. Map output steps to source frames
	indexMap, err := durationsync.New(len(frames), len(job.Mels))
	if err != nil {
		return result, fmt.Errorf("failed to synchronise %d frames to %d mel chunks: %w", len(frames), len(job.Mels), err)
	}

	result.SourceFrames = indexMap.Used()
	result.Sync = indexMap.Mode()

	// 3. Locate faces on the frames the mapping uses
	boxes, err := p.localizer.Locate(ctx, frames[:indexMap.Used()])
	if err != nil {
		return result, fmt.Errorf("face localisation failed: %w", err)
	}

	stepBoxes, err := durationsync.Apply(indexMap, boxes)
	if err != nil {
		return result, err
	}

	// 4. Generate and composite batch by batch
	scheduler, err := datagen.New(datagen.Input{
		Frames: frames,
		Boxes:  stepBoxes,
		Mels:   job.Mels,
		Map:    indexMap,
	}, datagen.Options{BatchSize: p.opts.BatchSize, FaceSize: p.opts.FaceSize})
	if err != nil {
		return result, err
	}

	for {
		batch, nextErr := scheduler.Next(ctx)
		if errors.Is(nextErr, io.EOF) {
			return result, nil
		}

		if nextErr != nil {
			return result, nextErr
		}

		written, batchErr := p.renderBatch(ctx, batch, writer)
		result.FramesWritten += written
		result.Batches++

		if batchErr != nil {
			return result, batchErr
		}
	}
}

// renderBatch generates patches for batch, composites them and writes the
// frames. It returns the number of frames written.
func (p *Pipeline) renderBatch(ctx context.Context, batch *datagen.Batch, writer core.FrameWriter) (int, error) {
	generateStarted := time.Now()

	patches, err := p.model.Forward(ctx, batch.Mels, batch.Masked, batch.Faces)
	if err != nil {
		return 0, fmt.Errorf("lip model failed on steps %d-%d: %w",
			batch.Indices[0], batch.Indices[batch.Len()-1], err)
	}

	p.metrics.RecordStage(ctx, "generate", time.Since(generateStarted).Seconds())

	if len(patches) != batch.Len() {
		return 0, fmt.Errorf("%w: got %d patches for %d steps", core.ErrPatchCountMismatch, len(patches), batch.Len())
	}

	compositeStarted := time.Now()

	for i, step := range batch.Indices {
		frame, compositeErr := p.compositor.Composite(step, batch.Frames[i], patches[i], batch.Boxes[i])
		if compositeErr != nil {
			return i, compositeErr
		}

		writeErr := writer.WriteFrame(ctx, step, frame)
		if writeErr != nil {
			return i, fmt.Errorf("failed to write frame %d: %w", step, writeErr)
		}

		p.metrics.FramesComposited.Add(ctx, 1)
	}

	p.metrics.RecordStage(ctx, "composite", time.Since(compositeStarted).Seconds())

	return batch.Len(), nil
}
