package media_test

import (
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/lipsync-service/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetRGBA(x, y, c)
		}
	}

	return img
}

func TestFrameCodec(t *testing.T) {
	t.Parallel()

	frame := solid(8, 6, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	frame.SetRGBA(3, 2, color.RGBA{R: 200, A: 255})

	data, err := media.EncodeFrame(frame)
	require.NoError(t, err)

	decoded, err := media.DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, frame.Bounds(), decoded.Bounds())
	assert.Equal(t, frame.Pix, decoded.Pix)

	_, err = media.DecodeFrame(nil)
	require.ErrorIs(t, err, media.ErrEmptyFrameData)
}

func TestToRGBA_RebasesSubImage(t *testing.T) {
	t.Parallel()

	frame := solid(10, 10, color.RGBA{G: 99, A: 255})
	sub := frame.SubImage(image.Rect(4, 4, 8, 8))

	rgba := media.ToRGBA(sub)
	assert.Equal(t, image.Rect(0, 0, 4, 4), rgba.Bounds())
	assert.Equal(t, color.RGBA{G: 99, A: 255}, rgba.RGBAAt(0, 0))
}

func TestResize(t *testing.T) {
	t.Parallel()

	resized := media.Resize(solid(40, 20, color.RGBA{B: 77, A: 255}), 7, 3)
	assert.Equal(t, image.Rect(0, 0, 7, 3), resized.Bounds())
	assert.Equal(t, color.RGBA{B: 77, A: 255}, resized.RGBAAt(3, 1))
}

func TestClone_IsIndependent(t *testing.T) {
	t.Parallel()

	frame := solid(4, 4, color.RGBA{R: 1, A: 255})
	clone := media.Clone(frame)
	clone.SetRGBA(0, 0, color.RGBA{R: 2, A: 255})

	assert.Equal(t, uint8(1), frame.RGBAAt(0, 0).R)
}

func TestMelCodec(t *testing.T) {
	t.Parallel()

	gram := media.Spectrogram{
		{0.5, -1.25, 3},
		{4, 5.5, -6},
	}

	data, err := media.EncodeMel(gram)
	require.NoError(t, err)

	decoded, err := media.DecodeMel(data)
	require.NoError(t, err)
	assert.Equal(t, gram, decoded)
	assert.Equal(t, 3, decoded.Frames())

	_, err = media.DecodeMel(data[:len(data)-1])
	require.ErrorIs(t, err, media.ErrInvalidMelBlob)

	_, err = media.DecodeMel([]byte("nope"))
	require.ErrorIs(t, err, media.ErrInvalidMelBlob)

	_, err = media.EncodeMel(media.Spectrogram{{1, 2}, {3}})
	require.ErrorIs(t, err, media.ErrRaggedSpectrogram)
}

// melHeader builds a header-only blob declaring bins x frames values.
func melHeader(bins, frames uint32) []byte {
	data := []byte("MEL1")
	data = binary.LittleEndian.AppendUint32(data, bins)

	return binary.LittleEndian.AppendUint32(data, frames)
}

func TestDecodeMel_RejectsOversizedHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		bins   uint32
		frames uint32
	}{
		{"product wraps to zero", 1 << 31, 1 << 31},
		{"zero bins", 0, 10},
		{"too many bins", media.MaxMelBins + 1, 0},
		{"frames without payload", 80, 1 << 30},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := media.DecodeMel(melHeader(testCase.bins, testCase.frames))
			require.ErrorIs(t, err, media.ErrInvalidMelBlob)
		})
	}
}

func TestDirWriterAndReader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer, err := media.NewDirWriter(dir)
	require.NoError(t, err)

	for index := range 3 {
		require.NoError(t, writer.WriteFrame(context.Background(), index, solid(5, 5, color.RGBA{R: uint8(index), A: 255})))
	}

	assert.Equal(t, 3, writer.Written())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600))

	frames, err := media.ReadFrameDir(dir)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	for index, frame := range frames {
		assert.Equal(t, uint8(index), frame.RGBAAt(0, 0).R)
	}
}

func TestFrameKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "jobs/abc/000042.png", media.FrameKey("jobs/abc", 42))
	assert.True(t, media.IsFrameFile("x.JPG"))
	assert.False(t, media.IsFrameFile("x.wav"))
}
