package service

import (
	"context"
	"errors"
	"io"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cipherlog/internal/blob"
	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/itemstate"
	"github.com/and161185/cipherlog/internal/memcache"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/realtime"
	"github.com/and161185/cipherlog/internal/writer"
)

// ItemService binds resolved database access to item reads and writes.
type ItemService interface {
	InsertItem(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, itemID string, record model.EncryptedBlob) (model.Operation, error)
	UpdateItem(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, itemID string, record model.EncryptedBlob, expectedVersion int64) (model.Operation, error)
	DeleteItem(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, itemID string, expectedVersion int64) (model.Operation, error)
	BatchInsert(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, items []model.Mutation) ([]model.Operation, error)
	BatchUpdate(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, items []model.Mutation) ([]model.Operation, error)
	BatchDelete(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, items []model.Mutation) ([]model.Operation, error)
	// PutTransaction applies up to ten mixed mutations all or nothing.
	PutTransaction(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, muts []model.Mutation) ([]model.Operation, error)
	// UploadFile stores an encrypted file and attaches it to an item.
	UploadFile(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, req UploadRequest) (model.Operation, error)
	// GetFile opens an uploaded file, optionally a byte range of it.
	GetFile(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, fileID uuid.UUID, rng blob.Range) (io.ReadCloser, error)
	// GetChanges returns everything after since, replaying the bundle when since predates it.
	GetChanges(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, since int64) (model.Frame, error)
	// Subscribe pushes frames through send until ctx ends or send fails.
	Subscribe(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, since int64, send func(model.Frame) error) error
}

// UploadRequest carries one encrypted file.
type UploadRequest struct {
	ItemID          string
	FileName        model.EncryptedBlob
	Size            int64
	Body            io.Reader
	ExpectedVersion int64
}

type ItemServiceImpl struct {
	dbs    DatabaseService
	writer *writer.Writer
	cache  *memcache.Cache
	hub    *realtime.Hub
	blobs  blob.Store
	logger *zap.Logger
}

// NewItemService constructs ItemService.
func NewItemService(dbs DatabaseService, w *writer.Writer, cache *memcache.Cache, hub *realtime.Hub, blobs blob.Store, logger *zap.Logger) *ItemServiceImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemServiceImpl{dbs: dbs, writer: w, cache: cache, hub: hub, blobs: blobs, logger: logger}
}

// writable resolves ref and rejects read-only access before the writer runs.
func (s *ItemServiceImpl) writable(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef) (uuid.UUID, error) {
	acc, err := s.dbs.Resolve(ctx, userID, ref)
	if err != nil {
		return uuid.Nil, err
	}
	if acc.ReadOnly {
		return uuid.Nil, errs.ErrDatabaseIsReadOnly
	}
	return acc.Database.ID, nil
}

func (s *ItemServiceImpl) InsertItem(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, itemID string, record model.EncryptedBlob) (model.Operation, error) {
	dbID, err := s.writable(ctx, userID, ref)
	if err != nil {
		return model.Operation{}, err
	}
	return s.writer.Insert(ctx, dbID, userID, itemID, record)
}

func (s *ItemServiceImpl) UpdateItem(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, itemID string, record model.EncryptedBlob, expectedVersion int64) (model.Operation, error) {
	dbID, err := s.writable(ctx, userID, ref)
	if err != nil {
		return model.Operation{}, err
	}
	return s.writer.Update(ctx, dbID, userID, itemID, record, expectedVersion)
}

func (s *ItemServiceImpl) DeleteItem(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, itemID string, expectedVersion int64) (model.Operation, error) {
	dbID, err := s.writable(ctx, userID, ref)
	if err != nil {
		return model.Operation{}, err
	}
	return s.writer.Delete(ctx, dbID, userID, itemID, expectedVersion)
}

func (s *ItemServiceImpl) BatchInsert(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, items []model.Mutation) ([]model.Operation, error) {
	dbID, err := s.writable(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	return s.writer.BatchInsert(ctx, dbID, userID, items)
}

func (s *ItemServiceImpl) BatchUpdate(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, items []model.Mutation) ([]model.Operation, error) {
	dbID, err := s.writable(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	return s.writer.BatchUpdate(ctx, dbID, userID, items)
}

func (s *ItemServiceImpl) BatchDelete(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, items []model.Mutation) ([]model.Operation, error) {
	dbID, err := s.writable(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	return s.writer.BatchDelete(ctx, dbID, userID, items)
}

func (s *ItemServiceImpl) PutTransaction(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, muts []model.Mutation) ([]model.Operation, error) {
	dbID, err := s.writable(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	return s.writer.PutTransaction(ctx, dbID, userID, muts)
}

// UploadFile writes the blob first and then the UploadFile operation. A blob
// whose operation lost is removed again, and so is the blob the new file
// replaced.
func (s *ItemServiceImpl) UploadFile(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, req UploadRequest) (model.Operation, error) {
	switch {
	case req.Body == nil || req.Size <= 0:
		return model.Operation{}, errs.ErrFileMissing
	case len(req.FileName) == 0:
		return model.Operation{}, errs.ErrFileNameMissing
	case req.Size > writer.MaxPayloadSize:
		return model.Operation{}, errs.ErrPayloadTooLarge
	}
	dbID, err := s.writable(ctx, userID, ref)
	if err != nil {
		return model.Operation{}, err
	}
	fileID, err := uuid.NewV4()
	if err != nil {
		return model.Operation{}, errs.Infra(err)
	}
	meta := model.FileMeta{FileID: fileID, FileName: req.FileName, FileSize: req.Size, UploadedBy: userID}
	if err := writer.Validate([]model.Mutation{{Command: model.CmdUploadFile, ItemID: req.ItemID, File: &meta}}); err != nil {
		return model.Operation{}, err
	}
	// reject a missing item before paying for the upload
	vs, err := s.cache.ItemVersions(ctx, dbID, []string{req.ItemID})
	if err != nil {
		return model.Operation{}, err
	}
	if _, ok := vs[req.ItemID]; !ok {
		return model.Operation{}, errs.ErrItemDoesNotExist
	}

	key := blob.FileKey(dbID, fileID)
	if err := s.blobs.Put(ctx, key, io.LimitReader(req.Body, req.Size), req.Size); err != nil {
		return model.Operation{}, errs.Infra(err)
	}

	op, err := s.writer.UploadFile(ctx, dbID, userID, req.ItemID, meta, req.ExpectedVersion)
	if err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.logger.Warn("orphan file left behind", zap.String("key", key), zap.Error(derr))
		}
		return model.Operation{}, err
	}
	s.dropReplacedFile(ctx, dbID, op)
	return op, nil
}

// itemsBefore materializes the items of a database as of just before seq. It
// reports false once the bundle has absorbed seq and the prior state is gone.
func (s *ItemServiceImpl) itemsBefore(ctx context.Context, dbID uuid.UUID, seq int64) (itemstate.Items, bool, error) {
	f, err := s.cache.Read(ctx, dbID, 0)
	if err != nil {
		return nil, false, err
	}
	if f.BundleSeqNo >= seq {
		return nil, false, nil
	}
	items := make(itemstate.Items)
	for _, op := range f.Operations {
		if op.SeqNo >= seq {
			break
		}
		itemstate.Apply(items, op)
	}
	return items, true, nil
}

// dropReplacedFile deletes the blob that op's file superseded on its item.
// Failures only leave an unreachable blob behind, so they are logged.
func (s *ItemServiceImpl) dropReplacedFile(ctx context.Context, dbID uuid.UUID, op model.Operation) {
	ctx = context.WithoutCancel(ctx)
	items, ok, err := s.itemsBefore(ctx, dbID, op.SeqNo)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn("replaced file lookup failed", zap.String("item", op.ItemID), zap.Error(err))
		}
		return
	}
	prev, exists := items[op.ItemID]
	if !exists || prev.File == nil || prev.File.FileID == op.File.FileID {
		return
	}
	key := blob.FileKey(dbID, prev.File.FileID)
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("replaced file left behind", zap.String("key", key), zap.Error(err))
	}
}

// GetFile serves only files attached to a live item; replaced and deleted
// attachments read as missing.
func (s *ItemServiceImpl) GetFile(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, fileID uuid.UUID, rng blob.Range) (io.ReadCloser, error) {
	if fileID == uuid.Nil {
		return nil, errs.ErrFileIDInvalid
	}
	if rng.Offset < 0 || rng.Length < 0 {
		return nil, errs.ErrRangeInvalid
	}
	acc, err := s.dbs.Resolve(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	f, err := s.cache.Read(ctx, acc.Database.ID, 0)
	if err != nil {
		return nil, err
	}
	attached := false
	for _, it := range itemstate.Materialize(0, nil, f.Operations) {
		if it.File != nil && it.File.FileID == fileID {
			attached = true
			break
		}
	}
	if !attached {
		return nil, errs.ErrFileNotFound
	}
	rc, err := s.blobs.Get(ctx, blob.FileKey(acc.Database.ID, fileID), rng)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, errs.ErrFileNotFound
		}
		return nil, errs.Infra(err)
	}
	return rc, nil
}

func (s *ItemServiceImpl) GetChanges(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, since int64) (model.Frame, error) {
	if since < 0 {
		return model.Frame{}, errs.ErrSinceInvalid
	}
	acc, err := s.dbs.Resolve(ctx, userID, ref)
	if err != nil {
		return model.Frame{}, err
	}
	frame, err := s.cache.Read(ctx, acc.Database.ID, since)
	if err != nil {
		return model.Frame{}, errs.Infra(err)
	}
	return frame, nil
}

func (s *ItemServiceImpl) Subscribe(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, since int64, send func(model.Frame) error) error {
	if since < 0 {
		return errs.ErrSinceInvalid
	}
	acc, err := s.dbs.Resolve(ctx, userID, ref)
	if err != nil {
		return err
	}
	conn := s.hub.Subscribe(acc.Database.ID, since)
	// revoked grants and replaced share tokens end the stream
	conn.Recheck(func(ctx context.Context) error {
		_, err := s.dbs.Resolve(ctx, userID, ref)
		return err
	})
	err = conn.Run(ctx, send)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
