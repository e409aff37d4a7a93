// Package audio splits a precomputed mel spectrogram into the per-frame
// windows that drive the lip model.
package audio

import (
	"errors"
	"fmt"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

// Default chunking parameters for 16 kHz audio with a hop of 200 samples.
const (
	DefaultMelFramesPerSecond = 80.0
	DefaultMelStepSize        = 16
	DefaultMelBins            = 80
	DefaultFPS                = 25.0
)

// Limits for chunking parameters.
const (
	maxFPS       = 240.0
	maxMelBins   = media.MaxMelBins
	maxMelStepSz = 256
)

const (
	errFmtFPSRange      = "%w: fps must be in (0, %.0f]"
	errFmtMelRateRange  = "%w: mel frames per second must be positive"
	errFmtStepSizeRange = "%w: mel step size must be between 1 and %d"
	errFmtBinsRange     = "%w: mel bins must be between 1 and %d"
	errFmtBinsMismatch  = "%w: spectrogram has %d bins, expected %d"
	errFmtTooShort      = "%w: spectrogram has %d frames, need at least %d"
)

var (
	// ErrInvalidParams indicates invalid chunking parameters.
	ErrInvalidParams = errors.New("invalid chunking parameters")
	// ErrInvalidSpectrogram indicates a spectrogram that cannot be chunked.
	ErrInvalidSpectrogram = errors.New("invalid spectrogram")
)

// ChunkParams describes how spectrogram frames relate to video frames.
type ChunkParams struct {
	FPS                float64 `json:"fps"`
	MelFramesPerSecond float64 `json:"melFramesPerSecond"`
	StepSize           int     `json:"stepSize"`
	Bins               int     `json:"bins"`
}

// NewDefaultParams returns the parameters the lip model was trained with.
func NewDefaultParams() ChunkParams {
	return ChunkParams{
		FPS:                DefaultFPS,
		MelFramesPerSecond: DefaultMelFramesPerSecond,
		StepSize:           DefaultMelStepSize,
		Bins:               DefaultMelBins,
	}
}

// Validate checks that the parameters are within reasonable bounds.
func (p *ChunkParams) Validate() error {
	if p.FPS <= 0 || p.FPS > maxFPS {
		return fmt.Errorf(errFmtFPSRange, ErrInvalidParams, maxFPS)
	}

	if p.MelFramesPerSecond <= 0 {
		return fmt.Errorf(errFmtMelRateRange, ErrInvalidParams)
	}

	if p.StepSize <= 0 || p.StepSize > maxMelStepSz {
		return fmt.Errorf(errFmtStepSizeRange, ErrInvalidParams, maxMelStepSz)
	}

	if p.Bins <= 0 || p.Bins > maxMelBins {
		return fmt.Errorf(errFmtBinsRange, ErrInvalidParams, maxMelBins)
	}

	return nil
}

// Split cuts gram into one StepSize-wide window per output video frame.
// Window i starts at spectrogram frame int(i * MelFramesPerSecond / FPS);
// the last window is anchored to the end of the spectrogram. The number of
// returned chunks is the target output length of the job.
func (p *ChunkParams) Split(gram media.Spectrogram) ([]core.MelChunk, error) {
	err := p.Validate()
	if err != nil {
		return nil, err
	}

	if len(gram) != p.Bins {
		return nil, fmt.Errorf(errFmtBinsMismatch, ErrInvalidSpectrogram, len(gram), p.Bins)
	}

	total := gram.Frames()
	if total < p.StepSize {
		return nil, fmt.Errorf(errFmtTooShort, ErrInvalidSpectrogram, total, p.StepSize)
	}

	multiplier := p.MelFramesPerSecond / p.FPS

	var chunks []core.MelChunk

	for i := 0; ; i++ {
		start := int(float64(i) * multiplier)
		if start+p.StepSize > total {
			chunks = append(chunks, p.window(gram, total-p.StepSize))

			break
		}

		chunks = append(chunks, p.window(gram, start))
	}

	return chunks, nil
}

func (p *ChunkParams) window(gram media.Spectrogram, start int) core.MelChunk {
	data := make([]float32, 0, p.Bins*p.StepSize)
	for _, row := range gram {
		data = append(data, row[start:start+p.StepSize]...)
	}

	return core.MelChunk{Bins: p.Bins, Steps: p.StepSize, Data: data}
}
