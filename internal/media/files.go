package media

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	filePermissions = 0o600
	dirPermissions  = 0o750
	frameFileFormat = "frame_%06d.png"
)

const (
	extPNG  = ".png"
	extJPG  = ".jpg"
	extJPEG = ".jpeg"
)

// IsFrameFile reports whether filename has a supported raster extension.
func IsFrameFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case extPNG, extJPG, extJPEG:
		return true
	default:
		return false
	}
}

// ReadFrameDir decodes every raster file of dir in lexical order.
func ReadFrameDir(dir string) ([]*image.RGBA, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() && IsFrameFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}

	slices.Sort(names)

	frames := make([]*image.RGBA, 0, len(names))

	for _, name := range names {
		data, readErr := os.ReadFile(filepath.Join(dir, name))
		if readErr != nil {
			return nil, fmt.Errorf("failed to read frame %s: %w", name, readErr)
		}

		frame, decodeErr := DecodeFrame(data)
		if decodeErr != nil {
			return nil, fmt.Errorf("frame %s: %w", name, decodeErr)
		}

		frames = append(frames, frame)
	}

	return frames, nil
}

// DirWriter writes composited frames as numbered PNG files into a directory.
type DirWriter struct {
	dir     string
	written int
}

// NewDirWriter creates dir if needed and returns a writer targeting it.
func NewDirWriter(dir string) (*DirWriter, error) {
	err := os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &DirWriter{dir: dir}, nil
}

// WriteFrame encodes frame to <dir>/frame_<index>.png.
func (w *DirWriter) WriteFrame(_ context.Context, index int, frame *image.RGBA) error {
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	path := filepath.Join(w.dir, fmt.Sprintf(frameFileFormat, index))

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write frame %d: %w", index, err)
	}

	w.written++

	return nil
}

// Written returns how many frames have been written.
func (w *DirWriter) Written() int { return w.written }
