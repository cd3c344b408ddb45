package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cipherlog/internal/blob/bolt"
	"github.com/and161185/cipherlog/internal/bundle"
	"github.com/and161185/cipherlog/internal/limiter"
	"github.com/and161185/cipherlog/internal/memcache"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/realtime"
	"github.com/and161185/cipherlog/internal/repository/memory"
	"github.com/and161185/cipherlog/internal/sequencer"
	"github.com/and161185/cipherlog/internal/writer"
)

// stack wires the real services over the in-memory store and a bbolt blob store.
type stack struct {
	store *memory.Store
	blobs *bolt.Store
	cache *memcache.Cache
	hub   *realtime.Hub
	dbs   *DatabaseServiceImpl
	items *ItemServiceImpl
}

func newStack(t *testing.T, burst int) *stack {
	t.Helper()
	blobs, err := bolt.Open(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	store := memory.New()
	cache := memcache.New(store, bundle.NewStore(blobs), nil)
	require.NoError(t, cache.Warm(context.Background()))
	hub := realtime.NewHub(cache, nil)
	t.Cleanup(hub.CloseAll)

	w := writer.New(writer.Deps{
		Sequencer: sequencer.New(store),
		Log:       store,
		Cache:     cache,
		Limiter:   limiter.NewOps(burst, 1),
		Notifier:  hub,
	})
	dbs := NewDatabaseService(store, store, cache, nil)
	return &stack{
		store: store,
		blobs: blobs,
		cache: cache,
		hub:   hub,
		dbs:   dbs,
		items: NewItemService(dbs, w, cache, hub, blobs, nil),
	}
}

func (s *stack) user(t *testing.T, name string) uuid.UUID {
	t.Helper()
	u := &model.User{ID: uuid.Must(uuid.NewV4()), Username: name}
	require.NoError(t, s.store.Create(context.Background(), u))
	return u.ID
}

// open creates a database owned by owner and returns its id.
func (s *stack) open(t *testing.T, owner uuid.UUID, nameHash string) uuid.UUID {
	t.Helper()
	acc, err := s.dbs.OpenDatabase(context.Background(), owner, model.DatabaseRef{NameHash: nameHash}, true, []byte("key"))
	require.NoError(t, err)
	require.True(t, acc.IsOwner)
	return acc.Database.ID
}

func byID(id uuid.UUID) model.DatabaseRef { return model.DatabaseRef{DatabaseID: id} }

func ptr[T any](v T) *T { return &v }
