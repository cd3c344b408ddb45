// Package bundler compacts database logs into bundles.
//
// A bundle is written in three steps: the snapshot is uploaded, the durable
// bundle marker is advanced, and only then are the covered log rows deleted.
// A crash between any two steps leaves either an unused blob or log rows at or
// below the marker, both of which readers ignore.
package bundler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/cipherlog/internal/bundle"
	"github.com/and161185/cipherlog/internal/itemstate"
	"github.com/and161185/cipherlog/internal/memcache"
	"github.com/and161185/cipherlog/internal/metrics"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/repository"
)

// DefaultThreshold is the unbundled ciphertext size that triggers a bundle.
const DefaultThreshold = 50 * 1024

const defaultTimeout = 2 * time.Minute

// Log is the part of the durable log the bundler needs.
type Log interface {
	ListOps(ctx context.Context, databaseID uuid.UUID, afterSeq int64, limit int) ([]model.Operation, error)
	DeleteOps(ctx context.Context, databaseID uuid.UUID, seqNos []int64) error
	SetBundleSeqNo(ctx context.Context, databaseID uuid.UUID, seqNo int64) error
}

// Bundler runs at most one bundle per database at a time.
type Bundler struct {
	log       Log
	cache     *memcache.Cache
	store     *bundle.Store
	threshold int64
	timeout   time.Duration
	logger    *zap.Logger

	group singleflight.Group

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Bundler. A non-positive threshold selects DefaultThreshold.
func New(log Log, cache *memcache.Cache, store *bundle.Store, threshold int64, logger *zap.Logger) *Bundler {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bundler{log: log, cache: cache, store: store, threshold: threshold, timeout: defaultTimeout, logger: logger}
}

// MaybeBundle starts a background bundle of databaseID when size has reached
// the threshold. It never blocks the caller.
func (b *Bundler) MaybeBundle(databaseID uuid.UUID, size int64) {
	if size < b.threshold {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if _, err := b.Bundle(ctx, databaseID); err != nil {
			b.logger.Error("bundle failed", zap.String("database_id", databaseID.String()), zap.Error(err))
		}
	}()
}

// Close stops accepting background work and waits for running bundles.
func (b *Bundler) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

// Bundle snapshots the committed state of databaseID and returns the new
// marker. Concurrent calls for the same database share one run.
func (b *Bundler) Bundle(ctx context.Context, databaseID uuid.UUID) (int64, error) {
	v, err, _ := b.group.Do(databaseID.String(), func() (any, error) {
		return b.bundle(ctx, databaseID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *Bundler) bundle(ctx context.Context, databaseID uuid.UUID) (int64, error) {
	marker, tail, err := b.cache.Tail(ctx, databaseID)
	if err != nil {
		return 0, err
	}
	if len(tail) == 0 {
		return marker, nil
	}

	var base []model.ItemState
	if marker > 0 {
		prev, err := b.store.Load(ctx, databaseID, marker)
		if err != nil {
			metrics.BundlesFailed.Inc()
			return 0, fmt.Errorf("load bundle %d: %w", marker, err)
		}
		base = prev.Items
	}
	items := itemstate.Materialize(marker, base, tail)
	seq := tail[len(tail)-1].SeqNo

	size, err := b.store.Save(ctx, model.Bundle{DatabaseID: databaseID, SeqNo: seq, Items: items.Sorted()})
	if err != nil {
		metrics.BundlesFailed.Inc()
		return 0, err
	}
	if err := b.log.SetBundleSeqNo(ctx, databaseID, seq); err != nil {
		metrics.BundlesFailed.Inc()
		if derr := b.store.Delete(ctx, databaseID, seq); derr != nil {
			b.logger.Warn("orphan bundle left behind", zap.String("database_id", databaseID.String()), zap.Int64("seq_no", seq), zap.Error(derr))
		}
		return 0, fmt.Errorf("advance marker: %w", err)
	}
	b.cache.SetBundleSeqNo(databaseID, seq)
	metrics.BundlesCreated.Inc()
	metrics.BundleBytes.Observe(float64(size))
	b.logger.Info("bundled",
		zap.String("database_id", databaseID.String()),
		zap.Int64("seq_no", seq),
		zap.Int("items", len(items)),
		zap.Int("bytes", size))

	// From here on failures only leave redundant data behind.
	if err := b.prune(ctx, databaseID, seq); err != nil {
		b.logger.Warn("prune log", zap.String("database_id", databaseID.String()), zap.Int64("seq_no", seq), zap.Error(err))
	}
	if marker > 0 {
		if err := b.store.Delete(ctx, databaseID, marker); err != nil {
			b.logger.Warn("delete superseded bundle", zap.String("database_id", databaseID.String()), zap.Int64("seq_no", marker), zap.Error(err))
		}
	}
	return seq, nil
}

// prune deletes every durable row at or below seq, including rows an earlier
// interrupted prune left behind.
func (b *Bundler) prune(ctx context.Context, databaseID uuid.UUID, seq int64) error {
	var after int64
	for {
		page, err := b.log.ListOps(ctx, databaseID, after, memcache.PageSize)
		if err != nil {
			return err
		}
		var covered []int64
		for _, op := range page {
			if op.SeqNo <= seq {
				covered = append(covered, op.SeqNo)
			}
		}
		for start := 0; start < len(covered); start += repository.MaxBatch {
			chunk := covered[start:min(start+repository.MaxBatch, len(covered))]
			if err := b.log.DeleteOps(ctx, databaseID, chunk); err != nil {
				return err
			}
		}
		if len(page) < memcache.PageSize || page[len(page)-1].SeqNo >= seq {
			return nil
		}
		after = page[len(page)-1].SeqNo
	}
}
