package worker

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

// StoreWriter uploads composited frames as PNG objects under a key prefix.
type StoreWriter struct {
	store  core.ObjectStore
	prefix string

	mu   sync.Mutex
	keys []string
}

// NewStoreWriter returns a writer that uploads to store under prefix.
func NewStoreWriter(store core.ObjectStore, prefix string) *StoreWriter {
	return &StoreWriter{store: store, prefix: prefix}
}

// WriteFrame encodes frame and uploads it to media.FrameKey(prefix, index).
func (w *StoreWriter) WriteFrame(ctx context.Context, index int, frame *image.RGBA) error {
	data, err := media.EncodeFrame(frame)
	if err != nil {
		return err
	}

	key := media.FrameKey(w.prefix, index)

	err = w.store.Upload(ctx, key, data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.keys = append(w.keys, key)
	w.mu.Unlock()

	return nil
}

// Keys returns the uploaded keys in write order.
func (w *StoreWriter) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.keys...)
}

// Cleanup deletes every uploaded frame.
func (w *StoreWriter) Cleanup(ctx context.Context) error {
	w.mu.Lock()
	keys := w.keys
	w.keys = nil
	w.mu.Unlock()

	var errs []error

	for _, key := range keys {
		err := w.store.Delete(ctx, key)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
