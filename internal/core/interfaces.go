// Package core defines the shared types and collaborator interfaces of the lip-sync service.
package core

import (
	"context"
	"image"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// FaceDetector runs a face detection network on an NCHW input tensor.
//
// InputShape reports the declared input shape; a non-positive dimension is
// dynamic. Infer returns the raw detections as an [N, K, 5] tensor of
// (x1, y1, x2, y2, score) rows in input-tensor pixel coordinates.
type FaceDetector interface {
	InputShape(ctx context.Context) ([]int64, error)
	Infer(ctx context.Context, input Tensor) (Tensor, error)
}

// SupportsConcurrentInference is implemented by detectors whose Infer may be
// called from several goroutines at once.
type SupportsConcurrentInference interface {
	ConcurrentInferenceSafe() bool
}

// LipModel produces one mouth patch per (mel chunk, face crop) pair.
type LipModel interface {
	Forward(ctx context.Context, mels []MelChunk, masked, reference []*image.RGBA) ([]image.Image, error)
}

// FrameWriter receives composited frames in strict output order.
type FrameWriter interface {
	WriteFrame(ctx context.Context, index int, frame *image.RGBA) error
}
