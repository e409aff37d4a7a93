package datagen_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/datagen"
	"github.com/book-expert/lipsync-service/internal/durationsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeInput(t *testing.T, frames, steps int) datagen.Input {
	t.Helper()

	indexMap, err := durationsync.New(frames, steps)
	require.NoError(t, err)

	input := datagen.Input{Map: indexMap}

	for i := range frames {
		frame := image.NewRGBA(image.Rect(0, 0, 40, 40))
		for y := range 40 {
			for x := range 40 {
				frame.SetRGBA(x, y, color.RGBA{R: uint8(i), G: 200, B: 100, A: 255})
			}
		}

		input.Frames = append(input.Frames, frame)
	}

	for step := range steps {
		input.Boxes = append(input.Boxes, core.FaceBox{X1: 5, Y1: 5, X2: 25, Y2: 25, Confidence: 1})
		input.Mels = append(input.Mels, core.MelChunk{Bins: 1, Steps: 1, Data: []float32{float32(step)}})
	}

	return input
}

func drain(t *testing.T, scheduler *datagen.Scheduler) []*datagen.Batch {
	t.Helper()

	var batches []*datagen.Batch

	for {
		batch, err := scheduler.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return batches
		}

		require.NoError(t, err)

		batches = append(batches, batch)
	}
}

func TestScheduler_OrderAndPartialBatch(t *testing.T) {
	t.Parallel()

	input := makeInput(t, 10, 25)
	scheduler, err := datagen.New(input, datagen.Options{BatchSize: 8, FaceSize: 12})
	require.NoError(t, err)

	batches := drain(t, scheduler)
	require.Len(t, batches, 4)
	assert.Equal(t, 1, batches[3].Len())

	step := 0

	for _, batch := range batches {
		require.Len(t, batch.Faces, batch.Len())
		require.Len(t, batch.Masked, batch.Len())
		require.Len(t, batch.Mels, batch.Len())
		require.Len(t, batch.Frames, batch.Len())
		require.Len(t, batch.Boxes, batch.Len())

		for i, index := range batch.Indices {
			assert.Equal(t, step, index)
			assert.InDelta(t, float32(step), batch.Mels[i].Data[0], 0)
			assert.Same(t, input.Frames[input.Map.At(step)], batch.Frames[i])
			assert.Equal(t, uint8(input.Map.At(step)), batch.Faces[i].RGBAAt(0, 0).R)
			assert.Equal(t, image.Rect(0, 0, 12, 12), batch.Faces[i].Bounds())

			step++
		}
	}

	assert.Equal(t, 25, step)
	assert.Equal(t, 0, scheduler.Remaining())
}

func TestScheduler_Reset(t *testing.T) {
	t.Parallel()

	scheduler, err := datagen.New(makeInput(t, 4, 4), datagen.Options{BatchSize: 3, FaceSize: 8})
	require.NoError(t, err)

	first := drain(t, scheduler)
	scheduler.Reset()
	second := drain(t, scheduler)

	require.Len(t, second, len(first))
	assert.Equal(t, first[1].Indices, second[1].Indices)
}

func TestScheduler_TrimNeverReadsTail(t *testing.T) {
	t.Parallel()

	input := makeInput(t, 40, 25)
	input.Frames = input.Frames[:25]

	scheduler, err := datagen.New(input, datagen.Options{BatchSize: 10, FaceSize: 8})
	require.NoError(t, err)

	batches := drain(t, scheduler)
	require.Len(t, batches, 3)
	assert.Equal(t, 24, batches[2].Indices[4])
}

func TestScheduler_Validation(t *testing.T) {
	t.Parallel()

	input := makeInput(t, 5, 5)

	_, err := datagen.New(input, datagen.Options{BatchSize: 0, FaceSize: 8})
	require.ErrorIs(t, err, datagen.ErrInvalidOptions)

	short := input
	short.Mels = short.Mels[:4]
	_, err = datagen.New(short, datagen.Options{BatchSize: 2, FaceSize: 8})
	require.ErrorIs(t, err, datagen.ErrLengthMismatch)

	fewFrames := input
	fewFrames.Frames = fewFrames.Frames[:3]
	_, err = datagen.New(fewFrames, datagen.Options{BatchSize: 2, FaceSize: 8})
	require.ErrorIs(t, err, datagen.ErrLengthMismatch)
}

func TestScheduler_DegenerateBox(t *testing.T) {
	t.Parallel()

	input := makeInput(t, 3, 3)
	input.Boxes[2] = core.FaceBox{X1: 5, Y1: 5, X2: 5, Y2: 9}

	scheduler, err := datagen.New(input, datagen.Options{BatchSize: 4, FaceSize: 8})
	require.NoError(t, err)

	_, err = scheduler.Next(context.Background())
	require.ErrorIs(t, err, core.ErrDegenerateBox)
}

func TestScheduler_CancelledContext(t *testing.T) {
	t.Parallel()

	scheduler, err := datagen.New(makeInput(t, 3, 3), datagen.Options{BatchSize: 4, FaceSize: 8})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = scheduler.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMaskLowerHalf(t *testing.T) {
	t.Parallel()

	face := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			face.SetRGBA(x, y, color.RGBA{R: 9, G: 9, B: 9, A: 255})
		}
	}

	masked := datagen.MaskLowerHalf(face)

	assert.Equal(t, color.RGBA{R: 9, G: 9, B: 9, A: 255}, masked.RGBAAt(3, 1))
	assert.Equal(t, color.RGBA{A: 255}, masked.RGBAAt(0, 2))
	assert.Equal(t, color.RGBA{A: 255}, masked.RGBAAt(3, 3))
	assert.Equal(t, uint8(9), face.RGBAAt(0, 3).R)
}
