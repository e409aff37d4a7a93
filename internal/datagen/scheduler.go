// Package datagen slices a synchronised job into lazily built model batches.
package datagen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/durationsync"
	"github.com/book-expert/lipsync-service/internal/media"
)

// Defaults for [Options].
const (
	DefaultBatchSize = 128
	DefaultFaceSize  = 96
)

var (
	// ErrLengthMismatch indicates inputs that do not line up with the index map.
	ErrLengthMismatch = errors.New("input length does not match index map")
	// ErrInvalidOptions indicates a non-positive batch or face size.
	ErrInvalidOptions = errors.New("invalid scheduler options")
)

// Input is one job after duration synchronisation. Boxes and Mels hold one
// entry per output step; Frames holds the captured frames read through Map.
type Input struct {
	Frames []*image.RGBA
	Boxes  []core.FaceBox
	Mels   []core.MelChunk
	Map    durationsync.IndexMap
}

// Options configures batch shape.
type Options struct {
	BatchSize int
	FaceSize  int
}

// Batch bundles the model inputs and compositing context of consecutive
// output steps.
type Batch struct {
	// Indices are the output steps covered, in order.
	Indices []int
	// Faces are the box crops resized to FaceSize x FaceSize.
	Faces []*image.RGBA
	// Masked are copies of Faces with the lower half blacked out.
	Masked []*image.RGBA
	Mels   []core.MelChunk
	// Frames reference the captured frames; they are shared, not copied.
	Frames []*image.RGBA
	Boxes  []core.FaceBox
}

// Len returns the number of output steps in the batch.
func (b *Batch) Len() int { return len(b.Indices) }

// Scheduler yields batches in output order. It is not safe for concurrent use.
type Scheduler struct {
	input Input
	opts  Options
	next  int
}

// New validates input and returns a Scheduler positioned at the first step.
func New(input Input, opts Options) (*Scheduler, error) {
	if opts.BatchSize <= 0 || opts.FaceSize <= 0 {
		return nil, fmt.Errorf("%w: batch size %d, face size %d", ErrInvalidOptions, opts.BatchSize, opts.FaceSize)
	}

	steps := input.Map.Len()
	if len(input.Boxes) != steps || len(input.Mels) != steps {
		return nil, fmt.Errorf(
			"%w: %d steps, %d boxes, %d mel chunks",
			ErrLengthMismatch, steps, len(input.Boxes), len(input.Mels),
		)
	}

	if len(input.Frames) < input.Map.Used() {
		return nil, fmt.Errorf("%w: %d frames for %d referenced source indices",
			ErrLengthMismatch, len(input.Frames), input.Map.Used())
	}

	return &Scheduler{input: input, opts: opts}, nil
}

// Remaining returns how many output steps have not been emitted yet.
func (s *Scheduler) Remaining() int { return s.input.Map.Len() - s.next }

// Reset rewinds the scheduler to the first output step.
func (s *Scheduler) Reset() { s.next = 0 }

// Next builds the following batch. The final batch may be shorter than
// BatchSize. It returns io.EOF once every step has been emitted.
func (s *Scheduler) Next(ctx context.Context) (*Batch, error) {
	if s.Remaining() == 0 {
		return nil, io.EOF
	}

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	start := s.next
	end := min(start+s.opts.BatchSize, s.input.Map.Len())
	size := end - start

	batch := &Batch{
		Indices: make([]int, 0, size),
		Faces:   make([]*image.RGBA, 0, size),
		Masked:  make([]*image.RGBA, 0, size),
		Mels:    make([]core.MelChunk, 0, size),
		Frames:  make([]*image.RGBA, 0, size),
		Boxes:   make([]core.FaceBox, 0, size),
	}

	for step := start; step < end; step++ {
		frame := s.input.Frames[s.input.Map.At(step)]
		box := s.input.Boxes[step]

		if box.Empty() {
			return nil, fmt.Errorf("output step %d: %w: %v", step, core.ErrDegenerateBox, box)
		}

		face := media.Crop(frame, box.Rect(), s.opts.FaceSize, s.opts.FaceSize)

		batch.Indices = append(batch.Indices, step)
		batch.Faces = append(batch.Faces, face)
		batch.Masked = append(batch.Masked, MaskLowerHalf(face))
		batch.Mels = append(batch.Mels, s.input.Mels[step])
		batch.Frames = append(batch.Frames, frame)
		batch.Boxes = append(batch.Boxes, box)
	}

	s.next = end

	return batch, nil
}

// MaskLowerHalf returns a copy of face whose lower half is opaque black.
func MaskLowerHalf(face *image.RGBA) *image.RGBA {
	masked := media.Clone(face)
	bounds := masked.Bounds()

	for y := bounds.Min.Y + bounds.Dy()/2; y < bounds.Max.Y; y++ {
		row := masked.Pix[masked.PixOffset(bounds.Min.X, y):masked.PixOffset(bounds.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			row[i], row[i+1], row[i+2] = 0, 0, 0
		}
	}

	return masked
}
