package localizer

import (
	"errors"
	"fmt"
	"image"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

const (
	tensorRank     = 4
	channels       = 3
	outputRank     = 3
	detectionWidth = 5
)

// Channel orders understood by [Preprocess].
const (
	ChannelOrderRGB = "RGB"
	ChannelOrderBGR = "BGR"
)

var (
	// ErrUnsupportedShape indicates a detector input shape that is not NCHW.
	ErrUnsupportedShape = errors.New("unsupported detector input shape")
	// ErrMalformedOutput indicates a detector output that is not [N, K, 5].
	ErrMalformedOutput = errors.New("malformed detector output")
)

// Preprocess describes how frames are turned into detector input. Each
// channel value v becomes (v*Scale - Mean[c]) / Std[c].
type Preprocess struct {
	ChannelOrder string
	Mean         [channels]float32
	Std          [channels]float32
	Scale        float32
}

// DefaultPreprocess matches S3FD-style detectors: BGR, mean-subtracted, raw scale.
func DefaultPreprocess() Preprocess {
	return Preprocess{
		ChannelOrder: ChannelOrderBGR,
		Mean:         [channels]float32{104, 117, 123},
		Std:          [channels]float32{1, 1, 1},
		Scale:        1,
	}
}

// scaleFactor maps detector-input coordinates back to frame coordinates.
type scaleFactor struct {
	x, y float32
}

// tensor stacks frames into an NCHW tensor. When inputSize has positive
// components, frames are resized to it first.
func (p Preprocess) tensor(frames []*image.RGBA, inputSize image.Point) (core.Tensor, scaleFactor) {
	frameSize := frames[0].Bounds().Size()

	size := frameSize
	if inputSize.X > 0 {
		size.X = inputSize.X
	}

	if inputSize.Y > 0 {
		size.Y = inputSize.Y
	}

	scale := scaleFactor{
		x: float32(frameSize.X) / float32(size.X),
		y: float32(frameSize.Y) / float32(size.Y),
	}

	order := [channels]int{0, 1, 2}
	if p.ChannelOrder == ChannelOrderBGR {
		order = [channels]int{2, 1, 0}
	}

	plane := size.X * size.Y
	data := make([]float32, len(frames)*channels*plane)

	for n, frame := range frames {
		img := frame
		if size != frameSize {
			img = media.Resize(frame, size.X, size.Y)
		}

		base := n * channels * plane

		for y := range size.Y {
			row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
			for x := range size.X {
				pixel := row[x*4 : x*4+4]
				for c := range channels {
					value := float32(pixel[order[c]])*p.Scale - p.Mean[c]
					data[base+c*plane+y*size.X+x] = value / p.Std[c]
				}
			}
		}
	}

	shape := []int64{int64(len(frames)), channels, int64(size.Y), int64(size.X)}

	return core.Tensor{Shape: shape, Data: data}, scale
}

// detection is the best qualifying box of one frame, in frame coordinates
// before padding.
type detection struct {
	x1, y1, x2, y2 int
	score          float32
	found          bool
}

// decode selects, for each of n images, the highest-scoring candidate whose
// score reaches threshold and whose extent is positive.
func decode(output core.Tensor, n int, threshold float32, scale scaleFactor) ([]detection, error) {
	if len(output.Shape) != outputRank || output.Shape[0] != int64(n) || output.Shape[2] != detectionWidth {
		return nil, fmt.Errorf("%w: shape %v for %d images", ErrMalformedOutput, output.Shape, n)
	}

	candidates := int(output.Shape[1])
	if len(output.Data) != n*candidates*detectionWidth {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrMalformedOutput, len(output.Data), output.Shape)
	}

	results := make([]detection, n)

	for i := range n {
		best := -1
		for k := range candidates {
			row := output.Data[(i*candidates+k)*detectionWidth:]
			if row[4] < threshold || row[2] <= row[0] || row[3] <= row[1] {
				continue
			}

			if best < 0 || row[4] > output.Data[(i*candidates+best)*detectionWidth+4] {
				best = k
			}
		}

		if best < 0 {
			continue
		}

		row := output.Data[(i*candidates+best)*detectionWidth:]
		results[i] = detection{
			x1:    int(max(row[0], 0) * scale.x),
			y1:    int(max(row[1], 0) * scale.y),
			x2:    int(max(row[2], 0) * scale.x),
			y2:    int(max(row[3], 0) * scale.y),
			score: row[4],
			found: true,
		}
	}

	return results, nil
}
