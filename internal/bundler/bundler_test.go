package bundler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cipherlog/internal/blob"
	"github.com/and161185/cipherlog/internal/blob/bolt"
	"github.com/and161185/cipherlog/internal/bundle"
	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/itemstate"
	"github.com/and161185/cipherlog/internal/limiter"
	"github.com/and161185/cipherlog/internal/memcache"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/repository/memory"
	"github.com/and161185/cipherlog/internal/sequencer"
	"github.com/and161185/cipherlog/internal/writer"
)

type env struct {
	store   *memory.Store
	blobs   blob.Store
	bundles *bundle.Store
	cache   *memcache.Cache
	w       *writer.Writer
	db      uuid.UUID
	user    uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	blobs, err := bolt.Open(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	store := memory.New()
	user := &model.User{ID: uuid.Must(uuid.NewV4()), Username: "owner"}
	require.NoError(t, store.Create(ctx, user))
	db := &model.Database{ID: uuid.Must(uuid.NewV4()), OwnerID: user.ID, NameHash: "n", Version: 1}
	require.NoError(t, store.CreateDatabase(ctx, db))

	e := &env{store: store, blobs: blobs, bundles: bundle.NewStore(blobs), db: db.ID, user: user.ID}
	e.restart(t)
	return e
}

// restart drops all in-memory state and warms a fresh cache from storage.
func (e *env) restart(t *testing.T) {
	t.Helper()
	e.cache = memcache.New(e.store, e.bundles, nil)
	require.NoError(t, e.cache.Warm(context.Background()))
	e.w = writer.New(writer.Deps{
		Sequencer: sequencer.New(e.store),
		Log:       e.store,
		Cache:     e.cache,
		Limiter:   limiter.NewOps(1000, 1000),
	})
}

func (e *env) state(t *testing.T) itemstate.Items {
	t.Helper()
	frame, err := e.cache.Read(context.Background(), e.db, 0)
	require.NoError(t, err)
	return itemstate.Materialize(0, nil, frame.Operations)
}

func (e *env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := e.w.Insert(ctx, e.db, e.user, fmt.Sprintf("item-%02d", i), model.EncryptedBlob(fmt.Sprintf("rec-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := e.w.Update(ctx, e.db, e.user, fmt.Sprintf("item-%02d", i), model.EncryptedBlob("updated"), 0)
		require.NoError(t, err)
	}
	for i := 20; i < 25; i++ {
		_, err := e.w.Delete(ctx, e.db, e.user, fmt.Sprintf("item-%02d", i), 0)
		require.NoError(t, err)
	}
}

func records(items itemstate.Items) map[string]string {
	out := make(map[string]string, len(items))
	for id, it := range items {
		out[id] = string(it.Record)
	}
	return out
}

func TestBundle_RoundTripThroughColdRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t)
	before := e.state(t)
	require.Len(t, before, 25)

	b := New(e.store, e.cache, e.bundles, 1, nil)
	seq, err := b.Bundle(ctx, e.db)
	require.NoError(t, err)
	require.Equal(t, int64(45), seq)

	// Log rows are gone, the marker moved, the cache tail is empty.
	rows, err := e.store.ListOps(ctx, e.db, 0, 100)
	require.NoError(t, err)
	require.Empty(t, rows)
	head, err := e.store.GetHead(ctx, e.db)
	require.NoError(t, err)
	require.Equal(t, int64(45), head.BundleSeqNo)
	require.Zero(t, e.cache.Size(e.db))

	e.restart(t)
	after := e.state(t)
	require.Equal(t, records(before), records(after))

	// New writes apply on top of the bundle.
	_, err = e.w.Insert(ctx, e.db, e.user, "item-00", model.EncryptedBlob("dup"))
	require.ErrorIs(t, err, errs.ErrItemAlreadyExists)
	_, err = e.w.Insert(ctx, e.db, e.user, "item-20", model.EncryptedBlob("back"))
	require.NoError(t, err)
	_, err = e.w.Update(ctx, e.db, e.user, "item-29", model.EncryptedBlob("late"), 0)
	require.NoError(t, err)

	final := records(e.state(t))
	require.Equal(t, "back", final["item-20"])
	require.Equal(t, "late", final["item-29"])
	require.Len(t, final, 26)

	// A second bundle builds on the first and replaces it.
	b = New(e.store, e.cache, e.bundles, 1, nil)
	seq2, err := b.Bundle(ctx, e.db)
	require.NoError(t, err)
	require.Equal(t, int64(47), seq2)
	ok, err := e.blobs.Exists(ctx, blob.BundleKey(e.db, seq))
	require.NoError(t, err)
	require.False(t, ok)

	e.restart(t)
	require.Equal(t, final, records(e.state(t)))
}

type failingDeletes struct {
	*memory.Store
}

func (failingDeletes) DeleteOps(context.Context, uuid.UUID, []int64) error {
	return errors.New("throttled")
}

func TestBundle_PruneFailureLeavesRedundantRows(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t)
	before := records(e.state(t))

	b := New(failingDeletes{e.store}, e.cache, e.bundles, 1, nil)
	seq, err := b.Bundle(ctx, e.db)
	require.NoError(t, err)

	rows, err := e.store.ListOps(ctx, e.db, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, int(seq))

	e.restart(t)
	require.Equal(t, before, records(e.state(t)))

	// The next successful bundle sweeps the leftovers.
	_, err = e.w.Insert(ctx, e.db, e.user, "new", model.EncryptedBlob("n"))
	require.NoError(t, err)
	_, err = New(e.store, e.cache, e.bundles, 1, nil).Bundle(ctx, e.db)
	require.NoError(t, err)
	rows, err = e.store.ListOps(ctx, e.db, 0, 100)
	require.NoError(t, err)
	require.Empty(t, rows)
}

type failingPuts struct{ blob.Store }

func (failingPuts) Put(context.Context, string, io.Reader, int64) error {
	return errors.New("bucket unavailable")
}

func TestBundle_UploadFailureKeepsLog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t)

	b := New(e.store, e.cache, bundle.NewStore(failingPuts{e.blobs}), 1, nil)
	_, err := b.Bundle(ctx, e.db)
	require.Error(t, err)

	head, err := e.store.GetHead(ctx, e.db)
	require.NoError(t, err)
	require.Zero(t, head.BundleSeqNo)
	rows, err := e.store.ListOps(ctx, e.db, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 45)
}

func TestMaybeBundle_Threshold(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	size := e.cache.Size(e.db)

	b := New(e.store, e.cache, e.bundles, size+1, nil)
	b.MaybeBundle(e.db, size)
	b.Close()
	marker, err := e.cache.BundleSeqNo(context.Background(), e.db)
	require.NoError(t, err)
	require.Zero(t, marker)

	b = New(e.store, e.cache, e.bundles, size, nil)
	for i := 0; i < 5; i++ {
		b.MaybeBundle(e.db, size)
	}
	b.Close()
	marker, err = e.cache.BundleSeqNo(context.Background(), e.db)
	require.NoError(t, err)
	require.Equal(t, int64(45), marker)

	// Work offered after Close is dropped.
	b.MaybeBundle(e.db, size)
}

func TestBundle_EmptyTailIsNoop(t *testing.T) {
	e := newEnv(t)
	seq, err := New(e.store, e.cache, e.bundles, 1, nil).Bundle(context.Background(), e.db)
	require.NoError(t, err)
	require.Zero(t, seq)
}
