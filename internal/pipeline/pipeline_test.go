package pipeline_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/lipsync-service/internal/compositor"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/durationsync"
	"github.com/book-expert/lipsync-service/internal/localizer"
	"github.com/book-expert/lipsync-service/internal/observe"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	frameSize  = 64
	idStride   = 5
	boxMin     = 8
	boxMax     = 40
	boxCenter  = 24
	patchEdge  = 16
	outsidePix = 2
)

var (
	errWriterFull = errors.New("writer full")
	errModelDown  = errors.New("model down")
	patchColor    = color.RGBA{G: 250, A: 255}
)

// stubDetector finds a fixed face in every image and remembers the highest
// source frame id it was shown.
type stubDetector struct {
	mu     sync.Mutex
	seen   map[int]bool
	noFace bool
}

func (d *stubDetector) InputShape(_ context.Context) ([]int64, error) {
	return []int64{-1, 3, -1, -1}, nil
}

func (d *stubDetector) Infer(_ context.Context, input core.Tensor) (core.Tensor, error) {
	n := int(input.Shape[0])
	plane := int(input.Shape[2] * input.Shape[3])
	score := float32(0.9)

	if d.noFace {
		score = 0.1
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen == nil {
		d.seen = make(map[int]bool)
	}

	data := make([]float32, 0, n*5)

	for i := range n {
		d.seen[int(input.Data[i*3*plane])/idStride] = true
		data = append(data, boxMin, boxMin, boxMax, boxMax, score)
	}

	return core.Tensor{Shape: []int64{int64(n), 1, 5}, Data: data}, nil
}

func (d *stubDetector) maxSeen() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	highest := -1
	for id := range d.seen {
		highest = max(highest, id)
	}

	return highest
}

// stubModel returns solid patches and records which source frame each
// reference crop came from.
type stubModel struct {
	batchSizes []int
	sources    []int
	short      bool
	err        error
}

func (m *stubModel) Forward(_ context.Context, mels []core.MelChunk, masked, reference []*image.RGBA) ([]image.Image, error) {
	if m.err != nil {
		return nil, m.err
	}

	m.batchSizes = append(m.batchSizes, len(mels))

	count := len(mels)
	if m.short {
		count--
	}

	patches := make([]image.Image, 0, count)

	for i := range count {
		m.sources = append(m.sources, (int(reference[i].RGBAAt(0, 0).R)+idStride/2)/idStride)

		if masked[i].RGBAAt(0, masked[i].Bounds().Dy()-1) != (color.RGBA{A: 255}) {
			return nil, errors.New("masked crop lower half not blacked out")
		}

		patch := image.NewRGBA(image.Rect(0, 0, patchEdge, patchEdge))
		for y := range patchEdge {
			for x := range patchEdge {
				patch.SetRGBA(x, y, patchColor)
			}
		}

		patches = append(patches, patch)
	}

	return patches, nil
}

type recordingWriter struct {
	indices []int
	frames  []*image.RGBA
	failAt  int
}

func (w *recordingWriter) WriteFrame(_ context.Context, index int, frame *image.RGBA) error {
	if w.failAt > 0 && len(w.indices) == w.failAt {
		return errWriterFull
	}

	w.indices = append(w.indices, index)
	w.frames = append(w.frames, frame)

	return nil
}

func makeFrames(n int) []*image.RGBA {
	frames := make([]*image.RGBA, n)

	for i := range frames {
		frame := image.NewRGBA(image.Rect(0, 0, frameSize, frameSize))
		for y := range frameSize {
			for x := range frameSize {
				frame.SetRGBA(x, y, color.RGBA{R: uint8(i * idStride), B: 30, A: 255})
			}
		}

		frames[i] = frame
	}

	return frames
}

func makeMels(n int) []core.MelChunk {
	mels := make([]core.MelChunk, n)
	for i := range mels {
		mels[i] = core.MelChunk{Bins: 1, Steps: 1, Data: []float32{float32(i)}}
	}

	return mels
}

func newPipeline(t *testing.T, det *stubDetector, model *stubModel, opts pipeline.Options) *pipeline.Pipeline {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	handle := localizer.NewHandle(det, localizer.Preprocess{
		ChannelOrder: localizer.ChannelOrderRGB,
		Std:          [3]float32{1, 1, 1},
		Scale:        1,
	}, log, metrics)

	loc := localizer.New(handle, localizer.Options{
		ConfidenceThreshold: localizer.DefaultConfidenceThreshold,
		BatchSize:           4,
	}, log, metrics)

	comp := compositor.New(compositor.Options{
		FeatherMaxWidth: compositor.DefaultFeatherMaxWidth,
		FeatherMinWidth: compositor.DefaultFeatherMinWidth,
	})

	return pipeline.New(loc, model, comp, opts, log, metrics)
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}

	return out
}

func TestRun_ExpandsShortVideo(t *testing.T) {
	t.Parallel()

	det := &stubDetector{}
	model := &stubModel{}
	writer := &recordingWriter{}
	pipe := newPipeline(t, det, model, pipeline.Options{BatchSize: 8, FaceSize: 16})

	result, err := pipe.Run(context.Background(), pipeline.Job{ID: "expand", Frames: makeFrames(10), Mels: makeMels(25)}, writer)
	require.NoError(t, err)

	assert.Equal(t, 25, result.FramesWritten)
	assert.Equal(t, 10, result.SourceFrames)
	assert.Equal(t, durationsync.ModeExpand, result.Sync)
	assert.Equal(t, 4, result.Batches)
	assert.Equal(t, []int{8, 8, 8, 1}, model.batchSizes)
	assert.Equal(t, sequence(25), writer.indices)

	indexMap, err := durationsync.New(10, 25)
	require.NoError(t, err)
	assert.Equal(t, indexMap.Indices(), model.sources)

	for step, frame := range writer.frames {
		assert.Equal(t, patchColor, frame.RGBAAt(boxCenter, boxCenter), "step %d", step)
		assert.Equal(t, uint8(indexMap.At(step)*idStride), frame.RGBAAt(outsidePix, outsidePix).R, "step %d", step)
	}
}

func TestRun_TrimsLongVideo(t *testing.T) {
	t.Parallel()

	det := &stubDetector{}
	model := &stubModel{}
	writer := &recordingWriter{}
	pipe := newPipeline(t, det, model, pipeline.Options{BatchSize: 10, FaceSize: 16})

	result, err := pipe.Run(context.Background(), pipeline.Job{Frames: makeFrames(40), Mels: makeMels(25)}, writer)
	require.NoError(t, err)

	assert.Equal(t, 25, result.FramesWritten)
	assert.Equal(t, durationsync.ModeTrim, result.Sync)
	assert.Equal(t, sequence(25), model.sources)
	assert.Equal(t, 24, det.maxSeen())
}

func TestRun_StaticMode(t *testing.T) {
	t.Parallel()

	det := &stubDetector{}
	model := &stubModel{}
	writer := &recordingWriter{}
	pipe := newPipeline(t, det, model, pipeline.Options{BatchSize: 4, FaceSize: 16})

	result, err := pipe.Run(context.Background(), pipeline.Job{Frames: makeFrames(6), Mels: makeMels(9), Static: true}, writer)
	require.NoError(t, err)

	assert.Equal(t, 9, result.FramesWritten)
	assert.Equal(t, 1, result.SourceFrames)
	assert.Equal(t, 0, det.maxSeen())
	assert.Equal(t, make([]int, 9), model.sources)
}

func TestRun_InputOutputFramesIndependent(t *testing.T) {
	t.Parallel()

	frames := makeFrames(2)
	writer := &recordingWriter{}
	pipe := newPipeline(t, &stubDetector{}, &stubModel{}, pipeline.Options{BatchSize: 4, FaceSize: 16})

	_, err := pipe.Run(context.Background(), pipeline.Job{Frames: frames, Mels: makeMels(4)}, writer)
	require.NoError(t, err)

	assert.Equal(t, uint8(0), frames[0].RGBAAt(boxCenter, boxCenter).G)
	assert.NotSame(t, writer.frames[0], writer.frames[1])
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no mel chunks", func(t *testing.T) {
		t.Parallel()

		pipe := newPipeline(t, &stubDetector{}, &stubModel{}, pipeline.Options{})
		_, err := pipe.Run(context.Background(), pipeline.Job{Frames: makeFrames(3)}, &recordingWriter{})
		require.ErrorIs(t, err, core.ErrInvalidDuration)
	})

	t.Run("no frames", func(t *testing.T) {
		t.Parallel()

		pipe := newPipeline(t, &stubDetector{}, &stubModel{}, pipeline.Options{})
		_, err := pipe.Run(context.Background(), pipeline.Job{Mels: makeMels(3)}, &recordingWriter{})
		require.ErrorIs(t, err, core.ErrInvalidDuration)
		require.ErrorIs(t, err, core.ErrEmptyFrames)
	})

	t.Run("no face", func(t *testing.T) {
		t.Parallel()

		writer := &recordingWriter{}
		pipe := newPipeline(t, &stubDetector{noFace: true}, &stubModel{}, pipeline.Options{})
		_, err := pipe.Run(context.Background(), pipeline.Job{Frames: makeFrames(3), Mels: makeMels(3)}, writer)
		require.ErrorIs(t, err, core.ErrFaceNotDetected)
		assert.Empty(t, writer.indices)
	})

	t.Run("patch count", func(t *testing.T) {
		t.Parallel()

		pipe := newPipeline(t, &stubDetector{}, &stubModel{short: true}, pipeline.Options{BatchSize: 4, FaceSize: 16})
		_, err := pipe.Run(context.Background(), pipeline.Job{Frames: makeFrames(3), Mels: makeMels(3)}, &recordingWriter{})
		require.ErrorIs(t, err, core.ErrPatchCountMismatch)
	})

	t.Run("model", func(t *testing.T) {
		t.Parallel()

		pipe := newPipeline(t, &stubDetector{}, &stubModel{err: errModelDown}, pipeline.Options{})
		_, err := pipe.Run(context.Background(), pipeline.Job{Frames: makeFrames(3), Mels: makeMels(3)}, &recordingWriter{})
		require.ErrorIs(t, err, errModelDown)
	})

	t.Run("writer", func(t *testing.T) {
		t.Parallel()

		writer := &recordingWriter{failAt: 5}
		pipe := newPipeline(t, &stubDetector{}, &stubModel{}, pipeline.Options{BatchSize: 4, FaceSize: 16})
		result, err := pipe.Run(context.Background(), pipeline.Job{Frames: makeFrames(3), Mels: makeMels(8)}, writer)
		require.ErrorIs(t, err, errWriterFull)
		assert.Equal(t, 5, result.FramesWritten)
		assert.Equal(t, sequence(5), writer.indices)
	})
}
