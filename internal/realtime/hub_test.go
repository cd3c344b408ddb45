package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cipherlog/internal/limiter"
	"github.com/and161185/cipherlog/internal/memcache"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/repository/memory"
	"github.com/and161185/cipherlog/internal/sequencer"
	"github.com/and161185/cipherlog/internal/writer"
)

type setup struct {
	hub  *Hub
	w    *writer.Writer
	db   uuid.UUID
	user uuid.UUID
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	user := &model.User{ID: uuid.Must(uuid.NewV4()), Username: "owner"}
	require.NoError(t, store.Create(ctx, user))
	db := &model.Database{ID: uuid.Must(uuid.NewV4()), OwnerID: user.ID, NameHash: "n", Version: 1}
	require.NoError(t, store.CreateDatabase(ctx, db))

	cache := memcache.New(store, nil, nil)
	cache.Ensure(db.Head())
	hub := NewHub(cache, nil)
	w := writer.New(writer.Deps{
		Sequencer: sequencer.New(store),
		Log:       store,
		Cache:     cache,
		Limiter:   limiter.NewOps(1000, 1000),
		Notifier:  hub,
	})
	return &setup{hub: hub, w: w, db: db.ID, user: user.ID}
}

// collector records frames sent to a connection.
type collector struct {
	mu     sync.Mutex
	frames []model.Frame
	got    chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 1024)} }

func (c *collector) send(f model.Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) seqs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int64
	for _, f := range c.frames {
		for _, op := range f.Operations {
			out = append(out, op.SeqNo)
		}
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestConn_InitialFrameAlwaysSent(t *testing.T) {
	s := newSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := s.hub.Subscribe(s.db, 0)
	require.Equal(t, Subscribed, conn.State())
	col := newCollector()
	errc := make(chan error, 1)
	go func() { errc <- conn.Run(ctx, col.send) }()

	<-col.got
	require.Equal(t, 1, col.count())
	require.Empty(t, col.frames[0].Operations)
	require.Equal(t, s.db, col.frames[0].DatabaseID)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.Equal(t, Closed, conn.State())
	require.Zero(t, s.hub.Subscribers(s.db))
}

func TestConn_CatchUpFromCursor(t *testing.T) {
	s := newSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		_, err := s.w.Insert(ctx, s.db, s.user, fmt.Sprintf("i%d", i), model.EncryptedBlob("r"))
		require.NoError(t, err)
	}

	conn := s.hub.Subscribe(s.db, 1)
	col := newCollector()
	go func() { _ = conn.Run(ctx, col.send) }()
	<-col.got
	require.Equal(t, []int64{2, 3}, col.seqs())
	require.Eventually(t, func() bool { return conn.Cursor() == 3 }, time.Second, time.Millisecond)
}

func TestConn_OrderedUnderConcurrentWrites(t *testing.T) {
	s := newSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const subscribers, writers, perWriter = 3, 5, 8
	cols := make([]*collector, subscribers)
	for i := range cols {
		cols[i] = newCollector()
		conn := s.hub.Subscribe(s.db, 0)
		go func() { _ = conn.Run(ctx, cols[i].send) }()
		<-cols[i].got
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.w.Insert(ctx, s.db, s.user, fmt.Sprintf("w%d-%d", w, i), model.EncryptedBlob("r")); err != nil {
					t.Errorf("insert: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	total := writers * perWriter
	for _, col := range cols {
		require.Eventually(t, func() bool { return len(col.seqs()) == total }, 5*time.Second, 5*time.Millisecond)
		got := col.seqs()
		for i := 1; i < len(got); i++ {
			require.Equal(t, got[i-1]+1, got[i], "gap or reorder at %d", i)
		}
	}
}

func TestConn_SendErrorEndsRun(t *testing.T) {
	s := newSetup(t)
	conn := s.hub.Subscribe(s.db, 0)
	boom := errors.New("socket closed")
	err := conn.Run(context.Background(), func(model.Frame) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, s.hub.Subscribers(s.db))
}

func TestHub_CloseAll(t *testing.T) {
	s := newSetup(t)
	conn := s.hub.Subscribe(s.db, 0)
	col := newCollector()
	errc := make(chan error, 1)
	go func() { errc <- conn.Run(context.Background(), col.send) }()
	<-col.got

	s.hub.CloseAll()
	require.NoError(t, <-errc)
	conn.Close()
	require.Equal(t, Closed, conn.State())
}

type bundledReader struct{}

func (bundledReader) Read(_ context.Context, id uuid.UUID, since int64) (model.Frame, error) {
	if since < 10 {
		return model.Frame{DatabaseID: id, BundleSeqNo: 10, Operations: []model.Operation{{SeqNo: 4}}}, nil
	}
	return model.Frame{DatabaseID: id, BundleSeqNo: 10}, nil
}

func TestConn_CursorJumpsToBundleMarker(t *testing.T) {
	hub := NewHub(bundledReader{}, nil)
	conn := hub.Subscribe(uuid.Must(uuid.NewV4()), 0)
	ctx, cancel := context.WithCancel(context.Background())
	col := newCollector()
	go func() { _ = conn.Run(ctx, col.send) }()
	<-col.got
	require.Eventually(t, func() bool { return conn.Cursor() == 10 }, time.Second, time.Millisecond)
	cancel()
}

func TestConn_RecheckFailureEndsRun(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()
	conn := s.hub.Subscribe(s.db, 0)

	var (
		mu      sync.Mutex
		allowed = true
	)
	denied := errors.New("access withdrawn")
	conn.Recheck(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !allowed {
			return denied
		}
		return nil
	})

	col := newCollector()
	errc := make(chan error, 1)
	go func() { errc <- conn.Run(ctx, col.send) }()
	<-col.got

	_, err := s.w.Insert(ctx, s.db, s.user, "visible", model.EncryptedBlob("r"))
	require.NoError(t, err)
	<-col.got
	require.Equal(t, []int64{1}, col.seqs())

	mu.Lock()
	allowed = false
	mu.Unlock()
	_, err = s.w.Insert(ctx, s.db, s.user, "hidden", model.EncryptedBlob("r"))
	require.NoError(t, err)

	require.ErrorIs(t, <-errc, denied)
	require.Equal(t, []int64{1}, col.seqs())
	require.Zero(t, s.hub.Subscribers(s.db))
}
