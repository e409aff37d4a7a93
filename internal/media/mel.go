package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Mel blobs start with melMagic, then uint32 bins and uint32 frames, then
// bins*frames little-endian float32 values stored bin-major.
const (
	melMagic      = "MEL1"
	melHeaderSize = 12
	float32Size   = 4

	// MaxMelBins bounds the bin count a blob may declare.
	MaxMelBins = 512
)

var (
	// ErrInvalidMelBlob indicates a malformed mel spectrogram payload.
	ErrInvalidMelBlob = errors.New("invalid mel blob")
	// ErrRaggedSpectrogram indicates mel bins of differing lengths.
	ErrRaggedSpectrogram = errors.New("mel bins differ in length")
)

// Spectrogram is a mel spectrogram indexed as [bin][frame].
type Spectrogram [][]float32

// Frames returns the number of time frames in the spectrogram.
func (s Spectrogram) Frames() int {
	if len(s) == 0 {
		return 0
	}

	return len(s[0])
}

// EncodeMel serialises gram into a mel blob.
func EncodeMel(gram Spectrogram) ([]byte, error) {
	frames := gram.Frames()

	for bin, row := range gram {
		if len(row) != frames {
			return nil, fmt.Errorf("%w: bin %d has %d frames, expected %d", ErrRaggedSpectrogram, bin, len(row), frames)
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, melHeaderSize+len(gram)*frames*float32Size))
	buf.WriteString(melMagic)

	var word [float32Size]byte

	binary.LittleEndian.PutUint32(word[:], uint32(len(gram)))
	buf.Write(word[:])
	binary.LittleEndian.PutUint32(word[:], uint32(frames))
	buf.Write(word[:])

	for _, row := range gram {
		for _, value := range row {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(value))
			buf.Write(word[:])
		}
	}

	return buf.Bytes(), nil
}

// DecodeMel parses a mel blob.
func DecodeMel(data []byte) (Spectrogram, error) {
	if len(data) < melHeaderSize || string(data[:4]) != melMagic {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidMelBlob)
	}

	bins := binary.LittleEndian.Uint32(data[4:8])
	frames := binary.LittleEndian.Uint32(data[8:12])
	payload := data[melHeaderSize:]

	if bins == 0 || bins > MaxMelBins {
		return nil, fmt.Errorf("%w: %d bins outside 1..%d", ErrInvalidMelBlob, bins, MaxMelBins)
	}

	// Both factors are below 2^32, so the product cannot overflow uint64.
	if uint64(len(payload)) != uint64(bins)*uint64(frames)*float32Size {
		return nil, fmt.Errorf(
			"%w: header declares %dx%d values, payload holds %d bytes",
			ErrInvalidMelBlob, bins, frames, len(payload),
		)
	}

	gram := make(Spectrogram, bins)
	offset := 0

	for bin := range gram {
		row := make([]float32, int(frames))
		for frame := range row {
			row[frame] = math.Float32frombits(binary.LittleEndian.Uint32(payload[offset:]))
			offset += float32Size
		}

		gram[bin] = row
	}

	return gram, nil
}
