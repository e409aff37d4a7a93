// Package compositor blends generated mouth patches back into their frames.
package compositor

import (
	"errors"
	"fmt"
	"image"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

// Feathering defaults.
const (
	DefaultFeatherMaxWidth = 15
	DefaultFeatherMinWidth = 5
	featherDivisor         = 15
)

// DegenerateBoxError reports a zero-area box reaching the compositor.
type DegenerateBoxError struct {
	Index int
	Box   core.FaceBox
}

func (e *DegenerateBoxError) Error() string {
	return fmt.Sprintf("%v at frame %d: %v", core.ErrDegenerateBox, e.Index, e.Box)
}

// Is matches [core.ErrDegenerateBox].
func (e *DegenerateBoxError) Is(target error) bool {
	return errors.Is(target, core.ErrDegenerateBox)
}

// Options configures feathering.
type Options struct {
	// FeatherMaxWidth caps the feather width; 0 disables blending entirely.
	FeatherMaxWidth int
	// FeatherMinWidth is the smallest feather width used when blending.
	FeatherMinWidth int
}

// Compositor pastes patches into frames. It holds no per-frame state and is
// safe for concurrent use.
type Compositor struct {
	opts Options
}

// New returns a Compositor. Negative widths are treated as zero.
func New(opts Options) *Compositor {
	opts.FeatherMaxWidth = max(opts.FeatherMaxWidth, 0)
	opts.FeatherMinWidth = max(opts.FeatherMinWidth, 0)

	return &Compositor{opts: opts}
}

// FeatherWidth returns the feather width for a box of the given size.
func (c *Compositor) FeatherWidth(width, height int) int {
	return min(c.opts.FeatherMaxWidth, max(c.opts.FeatherMinWidth, width/featherDivisor, height/featherDivisor))
}

// Composite returns a copy of frame with patch resized into box and feathered
// at its edges. frame is not modified. index identifies the output step in
// errors.
func (c *Compositor) Composite(index int, frame *image.RGBA, patch image.Image, box core.FaceBox) (*image.RGBA, error) {
	region := box.Rect().Intersect(frame.Bounds())
	if box.Empty() || region != box.Rect() {
		return nil, &DegenerateBoxError{Index: index, Box: box}
	}

	width, height := box.Width(), box.Height()
	resized := media.Resize(patch, width, height)
	out := media.Clone(frame)

	feather := c.FeatherWidth(width, height)
	if feather == 0 {
		for y := range height {
			dst := out.PixOffset(box.X1, box.Y1+y)
			src := resized.PixOffset(0, y)
			copy(out.Pix[dst:dst+width*4], resized.Pix[src:src+width*4])
		}

		return out, nil
	}

	mask := featherMask(width, height, feather)

	for y := range height {
		for x := range width {
			alpha := mask[y*width+x]
			dst := out.PixOffset(box.X1+x, box.Y1+y)
			src := resized.PixOffset(x, y)

			for ch := range 3 {
				blended := float32(resized.Pix[src+ch])*alpha + float32(out.Pix[dst+ch])*(1-alpha)
				out.Pix[dst+ch] = clampUint8(blended)
			}
		}
	}

	return out, nil
}

// featherMask builds a width x height mask that is 1 inside and ramps
// linearly from 0 to 1 over the outermost feather rows and columns of every
// edge. Corners get the product of both ramps.
func featherMask(width, height, feather int) []float32 {
	ramp := linearRamp(feather)

	mask := make([]float32, width*height)
	for i := range mask {
		mask[i] = 1
	}

	for y := range height {
		row := mask[y*width : (y+1)*width]

		if y < feather {
			scaleRow(row, ramp[y])
		}

		if bottom := height - 1 - y; bottom < feather {
			scaleRow(row, ramp[bottom])
		}

		for x := range min(feather, width) {
			row[x] *= ramp[x]
			row[width-1-x] *= ramp[x]
		}
	}

	return mask
}

// linearRamp returns n evenly spaced values from 0 to 1 inclusive.
func linearRamp(n int) []float32 {
	ramp := make([]float32, n)
	if n == 1 {
		return ramp
	}

	for i := range ramp {
		ramp[i] = float32(i) / float32(n-1)
	}

	return ramp
}

func scaleRow(row []float32, factor float32) {
	for i := range row {
		row[i] *= factor
	}
}

func clampUint8(value float32) uint8 {
	switch {
	case value <= 0:
		return 0
	case value >= 255:
		return 255
	default:
		return uint8(value + 0.5)
	}
}
