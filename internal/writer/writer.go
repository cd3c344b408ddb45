// Package writer appends validated mutations to database logs.
//
// Preconditions are checked twice: once against the item versions observed
// when the call arrives, and again under the database write lock right before
// sequence numbers are reserved. A call whose observed versions moved in
// between lost a race and fails with a conflict; it never reaches the log.
package writer

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/limiter"
	"github.com/and161185/cipherlog/internal/memcache"
	"github.com/and161185/cipherlog/internal/metrics"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/sequencer"
)

// Limits applied to every call.
const (
	MaxOperations   = 10
	MaxItemIDLength = 100
	MaxRecordSize   = 400 * 1024
	MaxPayloadSize  = 16 * 1024 * 1024
)

// Appender durably stores operations, all or nothing.
type Appender interface {
	AppendOps(ctx context.Context, ops []model.Operation) error
}

// Notifier is told after operations of a database become visible.
type Notifier interface {
	Notify(databaseID uuid.UUID)
}

// Compactor is offered every database whose unbundled size grew.
type Compactor interface {
	MaybeBundle(databaseID uuid.UUID, size int64)
}

// Deps wires a Writer. Notifier and Compactor are optional.
type Deps struct {
	Sequencer *sequencer.Sequencer
	Log       Appender
	Cache     *memcache.Cache
	Limiter   *limiter.Ops
	Notifier  Notifier
	Compactor Compactor
	Logger    *zap.Logger
}

// Writer is the single entry point for log mutations.
type Writer struct {
	seq       *sequencer.Sequencer
	log       Appender
	cache     *memcache.Cache
	lim       *limiter.Ops
	notifier  Notifier
	compactor Compactor
	logger    *zap.Logger
	now       func() time.Time

	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// New constructs a Writer.
func New(d Deps) *Writer {
	w := &Writer{
		seq:       d.Sequencer,
		log:       d.Log,
		cache:     d.Cache,
		lim:       d.Limiter,
		notifier:  d.Notifier,
		compactor: d.Compactor,
		logger:    d.Logger,
		now:       time.Now,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// Insert creates itemID; it fails with ItemAlreadyExists if the item exists.
func (w *Writer) Insert(ctx context.Context, databaseID, userID uuid.UUID, itemID string, record model.EncryptedBlob) (model.Operation, error) {
	return w.one(ctx, databaseID, userID, model.Mutation{Command: model.CmdInsert, ItemID: itemID, Record: record})
}

// Update replaces the record of itemID. expectedVersion 0 means the version
// observed when the call arrives.
func (w *Writer) Update(ctx context.Context, databaseID, userID uuid.UUID, itemID string, record model.EncryptedBlob, expectedVersion int64) (model.Operation, error) {
	return w.one(ctx, databaseID, userID, model.Mutation{Command: model.CmdUpdate, ItemID: itemID, Record: record, ExpectedVersion: expectedVersion})
}

// Delete removes itemID.
func (w *Writer) Delete(ctx context.Context, databaseID, userID uuid.UUID, itemID string, expectedVersion int64) (model.Operation, error) {
	return w.one(ctx, databaseID, userID, model.Mutation{Command: model.CmdDelete, ItemID: itemID, ExpectedVersion: expectedVersion})
}

// UploadFile attaches file to an existing item, replacing any earlier file.
func (w *Writer) UploadFile(ctx context.Context, databaseID, userID uuid.UUID, itemID string, file model.FileMeta, expectedVersion int64) (model.Operation, error) {
	return w.one(ctx, databaseID, userID, model.Mutation{Command: model.CmdUploadFile, ItemID: itemID, File: &file, ExpectedVersion: expectedVersion})
}

// BatchInsert inserts every item or none.
func (w *Writer) BatchInsert(ctx context.Context, databaseID, userID uuid.UUID, items []model.Mutation) ([]model.Operation, error) {
	return w.Submit(ctx, databaseID, userID, withCommand(items, model.CmdInsert))
}

// BatchUpdate updates every item or none.
func (w *Writer) BatchUpdate(ctx context.Context, databaseID, userID uuid.UUID, items []model.Mutation) ([]model.Operation, error) {
	return w.Submit(ctx, databaseID, userID, withCommand(items, model.CmdUpdate))
}

// BatchDelete deletes every item or none.
func (w *Writer) BatchDelete(ctx context.Context, databaseID, userID uuid.UUID, items []model.Mutation) ([]model.Operation, error) {
	return w.Submit(ctx, databaseID, userID, withCommand(items, model.CmdDelete))
}

// PutTransaction applies a mix of Insert, Update and Delete all or nothing.
func (w *Writer) PutTransaction(ctx context.Context, databaseID, userID uuid.UUID, muts []model.Mutation) ([]model.Operation, error) {
	for _, m := range muts {
		if m.Command == model.CmdUploadFile {
			return nil, errs.ErrCommandNotRecognized
		}
	}
	return w.Submit(ctx, databaseID, userID, muts)
}

func withCommand(items []model.Mutation, cmd model.Command) []model.Mutation {
	out := make([]model.Mutation, len(items))
	for i, m := range items {
		m.Command = cmd
		out[i] = m
	}
	return out
}

func (w *Writer) one(ctx context.Context, databaseID, userID uuid.UUID, m model.Mutation) (model.Operation, error) {
	ops, err := w.Submit(ctx, databaseID, userID, []model.Mutation{m})
	if err != nil {
		return model.Operation{}, err
	}
	return ops[0], nil
}

// Submit validates muts, takes one rate limit token for userID and appends
// the mutations to the log of databaseID as one contiguous sequence range.
// Callers must have checked that userID may write to the database.
func (w *Writer) Submit(ctx context.Context, databaseID, userID uuid.UUID, muts []model.Mutation) (ops []model.Operation, err error) {
	defer func() {
		if err != nil {
			metrics.WriteErrors.WithLabelValues(errs.As(err).Name).Inc()
		}
	}()

	if err = Validate(muts); err != nil {
		return nil, err
	}
	if w.lim != nil && !w.lim.Allow(userID) {
		metrics.RateLimited.Inc()
		return nil, errs.ErrTooManyRequests
	}

	ids := make([]string, len(muts))
	for i, m := range muts {
		ids[i] = m.ItemID
	}
	observed, err := w.cache.ItemVersions(ctx, databaseID, ids)
	if err != nil {
		return nil, err
	}
	expected := make([]int64, len(muts))
	for i, m := range muts {
		v, exists := observed[m.ItemID]
		switch {
		case m.Command == model.CmdInsert:
			if exists {
				return nil, errs.ErrItemAlreadyExists
			}
		case !exists:
			return nil, errs.ErrItemDoesNotExist
		case m.ExpectedVersion > 0 && m.ExpectedVersion != v:
			return nil, conflict(m.Command)
		default:
			expected[i] = v
		}
	}

	ops, size, err := w.appendLocked(ctx, databaseID, userID, muts, ids, expected)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		metrics.OperationsAppended.WithLabelValues(string(op.Command)).Inc()
	}
	if w.notifier != nil {
		w.notifier.Notify(databaseID)
	}
	if w.compactor != nil {
		w.compactor.MaybeBundle(databaseID, size)
	}
	return ops, nil
}

// appendLocked re-checks preconditions and appends under the write lock of
// the database. It returns the committed operations and the unbundled size.
func (w *Writer) appendLocked(ctx context.Context, databaseID, userID uuid.UUID, muts []model.Mutation, ids []string, expected []int64) ([]model.Operation, int64, error) {
	mu := w.lock(databaseID)
	mu.Lock()
	defer mu.Unlock()
	start := time.Now()
	defer func() { metrics.AppendDuration.Observe(time.Since(start).Seconds()) }()

	current, err := w.cache.ItemVersions(ctx, databaseID, ids)
	if err != nil {
		return nil, 0, err
	}
	for i, m := range muts {
		v, exists := current[m.ItemID]
		if m.Command == model.CmdInsert {
			if exists {
				return nil, 0, errs.ErrItemAlreadyExists
			}
			continue
		}
		if !exists || v != expected[i] {
			return nil, 0, conflict(m.Command)
		}
	}

	head, err := w.cache.Head(ctx, databaseID)
	if err != nil {
		return nil, 0, err
	}
	first, err := w.seq.Allocate(ctx, head, len(muts))
	if err != nil {
		if errors.Is(err, errs.ErrOwnerVersionMismatch) {
			w.cache.Forget(databaseID)
		}
		return nil, 0, err
	}
	last := first + int64(len(muts)) - 1

	// Past the sequencer the write completes even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	now := w.now().UTC()
	ops := make([]model.Operation, len(muts))
	for i, m := range muts {
		ops[i] = model.Operation{
			DatabaseID: databaseID,
			SeqNo:      first + int64(i),
			ItemID:     m.ItemID,
			Command:    m.Command,
			Record:     m.Record,
			File:       m.File,
			CreatedBy:  userID,
			CreatedAt:  now,
		}
		if m.Command == model.CmdDelete || m.Command == model.CmdUploadFile {
			ops[i].Record = nil
		}
	}

	if err := w.cache.Stage(ctx, ops); err != nil {
		return nil, 0, errs.Infra(err)
	}
	if err := w.log.AppendOps(ctx, ops); err != nil {
		w.cache.Discard(databaseID, first, last)
		w.logger.Error("append failed",
			zap.String("database_id", databaseID.String()),
			zap.Int64("first_seq_no", first),
			zap.Int64("last_seq_no", last),
			zap.Error(err))
		return nil, 0, errs.Infra(err)
	}
	size := w.cache.Commit(databaseID, first, last)
	w.logger.Debug("appended",
		zap.String("database_id", databaseID.String()),
		zap.Int64("first_seq_no", first),
		zap.Int("count", len(ops)))
	return ops, size, nil
}

func (w *Writer) lock(databaseID uuid.UUID) *sync.Mutex {
	v, _ := w.locks.LoadOrStore(databaseID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func conflict(cmd model.Command) error {
	if cmd == model.CmdUploadFile {
		return errs.ErrFileUploadConflict
	}
	return errs.ErrItemUpdateConflict
}

// Validate checks muts without touching storage.
func Validate(muts []model.Mutation) error {
	switch {
	case len(muts) == 0:
		return errs.ErrOperationsMissing
	case len(muts) > MaxOperations:
		return errs.ErrOperationsExceedLimit
	}
	seen := make(map[string]struct{}, len(muts))
	var payload int64
	for _, m := range muts {
		if !m.Command.Valid() {
			return errs.ErrCommandNotRecognized
		}
		if m.ItemID == "" {
			return errs.ErrItemIDMissing
		}
		if utf8.RuneCountInString(m.ItemID) > MaxItemIDLength {
			return errs.ErrItemIDTooLong
		}
		if _, dup := seen[m.ItemID]; dup {
			return errs.ErrOperationsConflict
		}
		seen[m.ItemID] = struct{}{}

		switch m.Command {
		case model.CmdInsert, model.CmdUpdate:
			if len(m.Record) == 0 {
				return errs.ErrItemMissing
			}
			if len(m.Record) > MaxRecordSize {
				return errs.ErrItemTooLarge
			}
			payload += int64(len(m.Record))
		case model.CmdUploadFile:
			switch {
			case m.File == nil:
				return errs.ErrFileMissing
			case m.File.FileID == uuid.Nil:
				return errs.ErrFileIDInvalid
			case len(m.File.FileName) == 0:
				return errs.ErrFileNameMissing
			case len(m.File.FileName) > MaxRecordSize:
				return errs.ErrItemTooLarge
			}
			payload += int64(len(m.File.FileName))
		}
	}
	if payload > MaxPayloadSize {
		return errs.ErrPayloadTooLarge
	}
	return nil
}
