package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cipherlog/internal/blob"
	"github.com/and161185/cipherlog/internal/model"
)

// ErrNotFound is returned when no bundle exists at the requested marker.
var ErrNotFound = errors.New("bundle: not found")

// Store keeps encoded bundles in a blob store under blob.BundleKey.
type Store struct {
	blobs blob.Store
}

// NewStore wraps blobs.
func NewStore(blobs blob.Store) *Store {
	return &Store{blobs: blobs}
}

// Save encodes and uploads b. It returns the encoded size.
func (s *Store) Save(ctx context.Context, b model.Bundle) (int, error) {
	data := Encode(b)
	if err := s.blobs.Put(ctx, blob.BundleKey(b.DatabaseID, b.SeqNo), bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, fmt.Errorf("upload bundle: %w", err)
	}
	return len(data), nil
}

// Load fetches the bundle of databaseID authoritative through seqNo.
func (s *Store) Load(ctx context.Context, databaseID uuid.UUID, seqNo int64) (model.Bundle, error) {
	data, err := blob.ReadAll(ctx, s.blobs, blob.BundleKey(databaseID, seqNo))
	if errors.Is(err, blob.ErrNotFound) {
		return model.Bundle{}, ErrNotFound
	}
	if err != nil {
		return model.Bundle{}, fmt.Errorf("download bundle: %w", err)
	}
	b, err := Decode(data)
	if err != nil {
		return model.Bundle{}, err
	}
	if b.DatabaseID != databaseID || b.SeqNo != seqNo {
		return model.Bundle{}, fmt.Errorf("%w: header %s/%d at %s/%d", ErrCorrupt, b.DatabaseID, b.SeqNo, databaseID, seqNo)
	}
	return b, nil
}

// Delete removes a superseded bundle.
func (s *Store) Delete(ctx context.Context, databaseID uuid.UUID, seqNo int64) error {
	return s.blobs.Delete(ctx, blob.BundleKey(databaseID, seqNo))
}
