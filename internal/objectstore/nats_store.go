// Package objectstore stores job frames and mel blobs in a NATS JetStream object store bucket.
//
// Keys are slash-separated paths such as "input/<job>/000012.png". Missing
// objects are reported as [ErrObjectNotFound] and downloads larger than the
// configured limit are refused before they are read into memory.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultMaxObjectBytes bounds a single download when Options leaves it unset.
const DefaultMaxObjectBytes = 256 << 20

const (
	errFmtBucket   = "bucket '%s': %w"
	errFmtKey      = "%w: %q"
	errFmtTooLarge = "%w: '%s' is %d bytes, limit %d"
)

var (
	// ErrInvalidKey indicates an empty key or one with empty path segments.
	ErrInvalidKey = errors.New("invalid object key")
	// ErrObjectNotFound indicates that no object is stored under the key.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectTooLarge indicates an object above the download limit.
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

// Options tunes the bucket and the client side limits.
type Options struct {
	// TTL expires objects after the given age; zero keeps them forever.
	TTL time.Duration
	// MaxObjectBytes refuses larger downloads; zero uses DefaultMaxObjectBytes.
	MaxObjectBytes int64
}

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket   string
	store    nats.ObjectStore
	maxBytes int64
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string, opts Options) (*NatsObjectStore, error) {
	if opts.MaxObjectBytes <= 0 {
		opts.MaxObjectBytes = DefaultMaxObjectBytes
	}

	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Lip-sync frames and mel spectrograms for the %s bucket.", bucketName),
		TTL:         opts.TTL,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})

	switch {
	case errors.Is(err, jetstream.ErrBucketExists):
		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store "+errFmtBucket, bucketName, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to create object store "+errFmtBucket, bucketName, err)
	}

	return &NatsObjectStore{
		bucket:   bucketName,
		store:    store,
		maxBytes: opts.MaxObjectBytes,
	}, nil
}

// Download retrieves an object. The size recorded in the object info is
// checked against the limit first, and the read itself is capped as well.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	err := ValidateKey(key)
	if err != nil {
		return nil, err
	}

	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, n.wrapMissing(key, err)
	}
	defer obj.Close()

	info, err := obj.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to stat object '%s': %w", key, err)
	}

	if int64(info.Size) > n.maxBytes {
		return nil, fmt.Errorf(errFmtTooLarge, ErrObjectTooLarge, key, info.Size, n.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(obj, n.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, err)
	}

	if int64(len(data)) > n.maxBytes {
		return nil, fmt.Errorf(errFmtTooLarge, ErrObjectTooLarge, key, len(data), n.maxBytes)
	}

	return data, nil
}

// Upload saves an object, replacing any previous version.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	err := ValidateKey(key)
	if err != nil {
		return err
	}

	_, err = n.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	err := ValidateKey(key)
	if err != nil {
		return err
	}

	err = n.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// ValidateKey rejects empty keys and keys with empty or dot segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf(errFmtKey, ErrInvalidKey, key)
	}

	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf(errFmtKey, ErrInvalidKey, key)
		}
	}

	return nil
}

func (n *NatsObjectStore) wrapMissing(key string, err error) error {
	if errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("%w: '%s' in bucket '%s'", ErrObjectNotFound, key, n.bucket)
	}

	return fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
}
