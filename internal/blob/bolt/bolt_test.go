package bolt

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/cipherlog/internal/blob"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func read(t *testing.T, s *Store, key string, rng blob.Range) []byte {
	t.Helper()
	rc, err := s.Get(context.Background(), key, rng)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestStore_PutGetRange(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	data := []byte("0123456789")
	require.NoError(t, s.Put(ctx, "k", bytes.NewReader(data), int64(len(data))))

	require.Equal(t, data, read(t, s, "k", blob.Range{}))
	require.Equal(t, []byte("345"), read(t, s, "k", blob.Range{Offset: 3, Length: 3}))
	require.Equal(t, []byte("789"), read(t, s, "k", blob.Range{Offset: 7}))
	require.Equal(t, []byte("89"), read(t, s, "k", blob.Range{Offset: 8, Length: 50}))
	require.Empty(t, read(t, s, "k", blob.Range{Offset: 100}))
}

func TestStore_ExistsDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("v")), 1))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k", blob.Range{})
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestStore_ShortPut(t *testing.T) {
	s := openStore(t)
	err := s.Put(context.Background(), "k", bytes.NewReader([]byte("ab")), 5)
	require.Error(t, err)
}

func TestReadAll(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "x", bytes.NewReader([]byte("hello")), 5))
	b, err := blob.ReadAll(ctx, s, "x")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)
}
