package bundle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cipherlog/internal/blob/bolt"
	"github.com/and161185/cipherlog/internal/model"
)

func TestStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	blobs, err := bolt.Open(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	defer blobs.Close()
	s := NewStore(blobs)

	db := uuid.Must(uuid.NewV4())
	in := model.Bundle{DatabaseID: db, SeqNo: 9, Items: []model.ItemState{
		{ItemID: "a", Version: 3, Record: model.EncryptedBlob("r")},
	}}
	n, err := s.Save(ctx, in)
	require.NoError(t, err)
	require.Positive(t, n)

	out, err := s.Load(ctx, db, 9)
	require.NoError(t, err)
	require.Equal(t, in.Items[0].Record, out.Items[0].Record)

	_, err = s.Load(ctx, db, 8)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, db, 9))
	_, err = s.Load(ctx, db, 9)
	require.ErrorIs(t, err, ErrNotFound)
}
