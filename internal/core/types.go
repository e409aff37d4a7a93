package core

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrInvalidDuration indicates a zero frame count or zero target length.
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrFaceNotDetected indicates a frame without any qualifying face detection.
	ErrFaceNotDetected = errors.New("face not detected")
	// ErrDetectorOutOfMemory indicates the detector ran out of memory for the submitted batch.
	ErrDetectorOutOfMemory = errors.New("detector out of memory")
	// ErrDegenerateBox indicates a zero-area face box reached the compositor.
	ErrDegenerateBox = errors.New("degenerate face box")
	// ErrEmptyFrames indicates a job without any frames.
	ErrEmptyFrames = errors.New("frame sequence is empty")
	// ErrFrameSizeMismatch indicates frames of differing dimensions in one sequence.
	ErrFrameSizeMismatch = errors.New("frame dimensions differ")
	// ErrPatchCountMismatch indicates the lip model returned the wrong number of patches.
	ErrPatchCountMismatch = errors.New("patch count does not match batch size")
)

// FaceBox locates a face in pixel coordinates of a specific frame.
// X2 and Y2 are exclusive.
type FaceBox struct {
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	Confidence float32 `json:"confidence"`
}

// Width returns the horizontal extent of the box.
func (b FaceBox) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b FaceBox) Height() int { return b.Y2 - b.Y1 }

// Empty reports whether the box has no area.
func (b FaceBox) Empty() bool { return b.Width() <= 0 || b.Height() <= 0 }

// Rect returns the box as an image rectangle.
func (b FaceBox) Rect() image.Rectangle { return image.Rect(b.X1, b.Y1, b.X2, b.Y2) }

func (b FaceBox) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)@%.2f", b.X1, b.Y1, b.X2, b.Y2, b.Confidence)
}

// MelChunk is a fixed-size window of a mel spectrogram stored row-major as
// Bins rows of Steps columns. One chunk drives one output frame.
type MelChunk struct {
	Bins  int
	Steps int
	Data  []float32
}

// At returns the value at mel bin b and time step s.
func (m MelChunk) At(b, s int) float32 { return m.Data[b*m.Steps+s] }

// ValidateFrames checks that frames is non-empty and uniformly sized. An
// empty sequence matches both ErrInvalidDuration and ErrEmptyFrames.
func ValidateFrames(frames []*image.RGBA) error {
	// No frames is also a zero source duration.
	if len(frames) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDuration, ErrEmptyFrames)
	}

	bounds := frames[0].Bounds().Size()

	for index, frame := range frames[1:] {
		size := frame.Bounds().Size()
		if size != bounds {
			return fmt.Errorf("%w: frame %d is %v, expected %v", ErrFrameSizeMismatch, index+1, size, bounds)
		}
	}

	return nil
}
