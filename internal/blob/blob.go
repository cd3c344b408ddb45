// Package blob defines the object storage consumed by the bundler and file uploads.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob: not found")

// Range selects a byte window of an object. Length 0 means "to the end".
type Range struct {
	Offset int64
	Length int64
}

// Store is an object store addressed by key.
type Store interface {
	// Put uploads size bytes from r under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens the object, optionally restricted to rng.
	Get(ctx context.Context, key string, rng Range) (io.ReadCloser, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// BundleKey is the key of the bundle of databaseID authoritative through seqNo.
// The zero padding keeps keys of one database in sequence order.
func BundleKey(databaseID uuid.UUID, seqNo int64) string {
	return fmt.Sprintf("bundles/%s/%020d", databaseID, seqNo)
}

// FileKey is the key of an uploaded file.
func FileKey(databaseID, fileID uuid.UUID) string {
	return fmt.Sprintf("files/%s/%s", databaseID, fileID)
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key, Range{})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
