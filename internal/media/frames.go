// Package media provides the raster and mel-spectrogram codecs used to move
// frames and audio features between the object store and the pipeline.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	// JPEG input frames are accepted alongside PNG.
	_ "image/jpeg"

	"golang.org/x/image/draw"
)

const frameKeyFormat = "%s/%06d.png"

// ErrEmptyFrameData indicates an empty frame payload.
var ErrEmptyFrameData = errors.New("frame data is empty")

// FrameKey returns the object store key of frame index under prefix.
func FrameKey(prefix string, index int) string {
	return fmt.Sprintf(frameKeyFormat, prefix, index)
}

// DecodeFrame decodes a PNG or JPEG payload into an RGBA frame.
func DecodeFrame(data []byte) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrameData
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	return ToRGBA(img), nil
}

// EncodeFrame encodes img as PNG.
func EncodeFrame(img image.Image) ([]byte, error) {
	var buf bytes.Buffer

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}

	err := encoder.Encode(&buf, img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	return buf.Bytes(), nil
}

// ToRGBA returns img as an *image.RGBA anchored at the origin, copying only
// when img is not already in that form.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}

	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)

	return dst
}

// Resize scales src to width x height with bilinear interpolation.
func Resize(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	return dst
}

// Crop returns a resized copy of rect within frame.
func Crop(frame *image.RGBA, rect image.Rectangle, width, height int) *image.RGBA {
	return Resize(frame.SubImage(rect), width, height)
}

// Clone returns a deep copy of frame.
func Clone(frame *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]uint8, len(frame.Pix)),
		Stride: frame.Stride,
		Rect:   frame.Rect,
	}
	copy(dst.Pix, frame.Pix)

	return dst
}
