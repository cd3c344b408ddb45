// Package memcache mirrors the unbundled tail of every database log in memory
// and serves reads from it.
//
// Operations enter the cache provisionally while their durable append is in
// flight and become visible to readers only once committed. Readers never see
// past the first provisional operation, so a reader's cursor can never skip a
// sequence number that commits later.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/itemstate"
	"github.com/and161185/cipherlog/internal/metrics"
	"github.com/and161185/cipherlog/internal/model"
)

// PageSize is the page length used when scanning durable storage.
const PageSize = 1000

// warmConcurrency bounds parallel log scans during Warm.
const warmConcurrency = 8

// maxMarkerRetries bounds how often a read restarts because the bundler
// advanced the marker underneath it.
const maxMarkerRetries = 5

// Source is the durable log the cache loads from.
type Source interface {
	GetHead(ctx context.Context, databaseID uuid.UUID) (model.Head, error)
	ListOps(ctx context.Context, databaseID uuid.UUID, afterSeq int64, limit int) ([]model.Operation, error)
	ListHeads(ctx context.Context, afterID uuid.UUID, limit int) ([]model.Head, error)
}

// Snapshots loads bundles for reads that start before the bundle marker.
type Snapshots interface {
	Load(ctx context.Context, databaseID uuid.UUID, seqNo int64) (model.Bundle, error)
}

type cached struct {
	op          model.Operation
	provisional bool
}

type entry struct {
	mu    sync.RWMutex
	head  model.Head
	ops   []cached         // ascending by SeqNo, all above head.BundleSeqNo
	size  int64            // committed ciphertext bytes in ops
	index map[string]int64 // item id -> version; nil until loaded
}

// Cache is the in-process log mirror. Each database has its own lock, so
// writers of one database never block readers of another.
type Cache struct {
	src    Source
	snaps  Snapshots
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	loads singleflight.Group
	ready atomic.Bool
}

// New constructs an empty cache. Call Warm before serving traffic.
func New(src Source, snaps Snapshots, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{src: src, snaps: snaps, logger: logger, entries: make(map[uuid.UUID]*entry)}
}

// Ready reports whether Warm has completed.
func (c *Cache) Ready() bool { return c.ready.Load() }

// Warm loads every database head and its unbundled operations.
func (c *Cache) Warm(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)

	var (
		after uuid.UUID
		dbs   int
	)
	for {
		heads, err := c.src.ListHeads(ctx, after, PageSize)
		if err != nil {
			_ = g.Wait()
			return fmt.Errorf("list heads: %w", err)
		}
		for _, h := range heads {
			g.Go(func() error {
				e, err := c.load(gctx, h)
				if err != nil {
					return fmt.Errorf("load %s: %w", h.DatabaseID, err)
				}
				c.insert(h.DatabaseID, e)
				return nil
			})
		}
		dbs += len(heads)
		if len(heads) < PageSize {
			break
		}
		after = heads[len(heads)-1].DatabaseID
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.ready.Store(true)
	c.logger.Info("cache warm", zap.Int("databases", dbs))
	return nil
}

// load reads the unbundled tail of one database.
func (c *Cache) load(ctx context.Context, head model.Head) (*entry, error) {
	e := &entry{head: head}
	after := head.BundleSeqNo
	for {
		page, err := c.src.ListOps(ctx, head.DatabaseID, after, PageSize)
		if err != nil {
			return nil, err
		}
		for _, op := range page {
			e.ops = append(e.ops, cached{op: op})
			e.size += op.Size()
		}
		if len(page) < PageSize {
			break
		}
		after = page[len(page)-1].SeqNo
	}
	if n := len(e.ops); n > 0 && e.ops[n-1].op.SeqNo > e.head.LastSeqNo {
		e.head.LastSeqNo = e.ops[n-1].op.SeqNo
	}
	return e, nil
}

// insert publishes e unless another goroutine got there first.
func (c *Cache) insert(id uuid.UUID, e *entry) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[id]; ok {
		return cur
	}
	c.entries[id] = e
	metrics.CachedOperations.Add(float64(len(e.ops)))
	return e
}

// entry returns the cached entry of id, loading it on a miss.
func (c *Cache) entry(ctx context.Context, id uuid.UUID) (*entry, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}
	v, err, _ := c.loads.Do(id.String(), func() (any, error) {
		head, err := c.src.GetHead(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrDatabaseNotFound
		}
		if err != nil {
			return nil, errs.Infra(err)
		}
		e, err := c.load(ctx, head)
		if err != nil {
			return nil, errs.Infra(err)
		}
		return c.insert(id, e), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// Ensure registers a freshly created database without touching storage.
func (c *Cache) Ensure(head model.Head) {
	c.insert(head.DatabaseID, &entry{head: head, index: map[string]int64{}})
}

// Forget drops a database; the next access reloads it from storage.
func (c *Cache) Forget(id uuid.UUID) {
	c.mu.Lock()
	e, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()
	if ok {
		e.mu.RLock()
		metrics.CachedOperations.Sub(float64(len(e.ops)))
		e.mu.RUnlock()
	}
}

// Head returns the cached head of a database.
func (c *Cache) Head(ctx context.Context, id uuid.UUID) (model.Head, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return model.Head{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.head, nil
}

// BundleSeqNo returns the bundle marker of a database.
func (c *Cache) BundleSeqNo(ctx context.Context, id uuid.UUID) (int64, error) {
	h, err := c.Head(ctx, id)
	return h.BundleSeqNo, err
}

// committedAfter returns committed operations above since, stopping at the
// first provisional one. Callers hold e.mu.
func (e *entry) committedAfter(since int64) []model.Operation {
	i := sort.Search(len(e.ops), func(i int) bool { return e.ops[i].op.SeqNo > since })
	var out []model.Operation
	for ; i < len(e.ops); i++ {
		if e.ops[i].provisional {
			break
		}
		out = append(out, e.ops[i].op)
	}
	return out
}

// Get returns the committed operations of id with SeqNo > since. It does not
// reach back into bundles; see Read.
func (c *Cache) Get(ctx context.Context, id uuid.UUID, since int64) ([]model.Operation, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.committedAfter(since), nil
}

// Tail returns the bundle marker and every committed operation above it.
func (c *Cache) Tail(ctx context.Context, id uuid.UUID) (int64, []model.Operation, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.head.BundleSeqNo, e.committedAfter(e.head.BundleSeqNo), nil
}

// Read builds a frame carrying everything a reader at cursor since is missing.
// When since predates the bundle marker the bundle is replayed as Insert
// operations ahead of the tail, and the frame's BundleSeqNo tells the reader
// to rebuild from scratch.
func (c *Cache) Read(ctx context.Context, id uuid.UUID, since int64) (model.Frame, error) {
	for range maxMarkerRetries {
		e, err := c.entry(ctx, id)
		if err != nil {
			return model.Frame{}, err
		}
		e.mu.RLock()
		marker := e.head.BundleSeqNo
		if since >= marker {
			ops := e.committedAfter(since)
			e.mu.RUnlock()
			return model.Frame{DatabaseID: id, Operations: ops, BundleSeqNo: marker}, nil
		}
		e.mu.RUnlock()

		b, loadErr := c.snaps.Load(ctx, id, marker)

		e.mu.RLock()
		moved := e.head.BundleSeqNo != marker
		var tail []model.Operation
		if !moved {
			tail = e.committedAfter(marker)
		}
		e.mu.RUnlock()
		if moved {
			continue
		}
		if loadErr != nil {
			return model.Frame{}, errs.Infra(loadErr)
		}
		ops := append(itemstate.AsOperations(b), tail...)
		return model.Frame{DatabaseID: id, Operations: ops, BundleSeqNo: marker}, nil
	}
	return model.Frame{}, errs.Infra(fmt.Errorf("bundle marker of %s kept moving", id))
}

// LoadIndex builds the item version index of a database from its bundle and
// tail. It is a no-op when the index is already loaded.
func (c *Cache) LoadIndex(ctx context.Context, id uuid.UUID) error {
	for range maxMarkerRetries {
		e, err := c.entry(ctx, id)
		if err != nil {
			return err
		}
		e.mu.RLock()
		loaded := e.index != nil
		marker := e.head.BundleSeqNo
		e.mu.RUnlock()
		if loaded {
			return nil
		}

		var (
			base    model.Bundle
			loadErr error
		)
		if marker > 0 {
			base, loadErr = c.snaps.Load(ctx, id, marker)
		}

		e.mu.Lock()
		switch {
		case e.index != nil:
			e.mu.Unlock()
			return nil
		case e.head.BundleSeqNo != marker:
			e.mu.Unlock()
			continue
		case loadErr != nil:
			e.mu.Unlock()
			return errs.Infra(loadErr)
		}
		idx := make(map[string]int64, len(base.Items))
		for _, it := range base.Items {
			idx[it.ItemID] = it.Version
		}
		for _, co := range e.ops {
			if co.provisional {
				break
			}
			itemstate.ApplyVersion(idx, co.op)
		}
		e.index = idx
		e.mu.Unlock()
		return nil
	}
	return errs.Infra(fmt.Errorf("bundle marker of %s kept moving", id))
}

// ItemVersions reports the current version of each requested item. Items that
// do not exist are absent from the result.
func (c *Cache) ItemVersions(ctx context.Context, id uuid.UUID, itemIDs []string) (map[string]int64, error) {
	if err := c.LoadIndex(ctx, id); err != nil {
		return nil, err
	}
	e, err := c.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.index == nil {
		// Forgotten and reloaded between the two calls.
		return nil, errs.Infra(fmt.Errorf("index of %s evicted", id))
	}
	out := make(map[string]int64, len(itemIDs))
	for _, item := range itemIDs {
		if v, ok := e.index[item]; ok {
			out[item] = v
		}
	}
	return out, nil
}

// Stage adds provisional operations. They must belong to one database and
// sort above everything already cached for it.
func (c *Cache) Stage(ctx context.Context, ops []model.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	id := ops[0].DatabaseID
	e, err := c.entry(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last := e.head.BundleSeqNo
	if n := len(e.ops); n > 0 {
		last = e.ops[n-1].op.SeqNo
	}
	for _, op := range ops {
		if op.DatabaseID != id {
			return fmt.Errorf("memcache: stage spans databases %s and %s", id, op.DatabaseID)
		}
		if op.SeqNo <= last {
			return fmt.Errorf("memcache: stage seq %d not above %d", op.SeqNo, last)
		}
		last = op.SeqNo
	}
	for _, op := range ops {
		e.ops = append(e.ops, cached{op: op, provisional: true})
	}
	if last > e.head.LastSeqNo {
		e.head.LastSeqNo = last
	}
	return nil
}

// Commit exposes the staged operations in [first, last] to readers and
// returns the database's unbundled size afterwards.
func (c *Cache) Commit(id uuid.UUID, first, last int64) int64 {
	e := c.lookup(id)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range e.ops {
		co := &e.ops[i]
		if !co.provisional || co.op.SeqNo < first || co.op.SeqNo > last {
			continue
		}
		co.provisional = false
		e.size += co.op.Size()
		if e.index != nil {
			itemstate.ApplyVersion(e.index, co.op)
		}
		n++
	}
	metrics.CachedOperations.Add(float64(n))
	return e.size
}

// Discard removes staged operations in [first, last] whose append failed.
func (c *Cache) Discard(id uuid.UUID, first, last int64) {
	e := c.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.ops[:0]
	for _, co := range e.ops {
		if co.provisional && co.op.SeqNo >= first && co.op.SeqNo <= last {
			continue
		}
		kept = append(kept, co)
	}
	clear(e.ops[len(kept):])
	e.ops = kept
}

// SetBundleSeqNo advances the marker and drops the operations it covers.
// Older markers are ignored.
func (c *Cache) SetBundleSeqNo(id uuid.UUID, seqNo int64) {
	e := c.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if seqNo <= e.head.BundleSeqNo {
		return
	}
	e.head.BundleSeqNo = seqNo
	i := sort.Search(len(e.ops), func(i int) bool { return e.ops[i].op.SeqNo > seqNo })
	for _, co := range e.ops[:i] {
		e.size -= co.op.Size()
	}
	metrics.CachedOperations.Sub(float64(i))
	e.ops = append([]cached(nil), e.ops[i:]...)
}

// Size returns the committed unbundled ciphertext size of a database.
func (c *Cache) Size(id uuid.UUID) int64 {
	e := c.lookup(id)
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

func (c *Cache) lookup(id uuid.UUID) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id]
}
