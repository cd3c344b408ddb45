package repository

import (
	"context"

	"github.com/and161185/cipherlog/internal/model"
	"github.com/gofrs/uuid/v5"
)

// MaxBatch is the largest number of rows a single durable batch may carry.
const MaxBatch = 25

// LogRepository is the durable operation log plus the per-database head
// (sequence counter and bundle marker).
type LogRepository interface {
	// AllocateSeq atomically adds count to the head's counter if the head's
	// version still matches and returns the new last sequence number.
	// Returns errs.ErrVersionConflict on version mismatch, errs.ErrNotFound if
	// the database does not exist.
	AllocateSeq(ctx context.Context, head model.Head, count int64) (int64, error)

	// AppendOps writes ops all-or-nothing. A row that already exists fails the
	// whole append with errs.ErrAlreadyExists.
	AppendOps(ctx context.Context, ops []model.Operation) error

	// ListOps returns up to limit operations with seq_no > afterSeq in order.
	ListOps(ctx context.Context, databaseID uuid.UUID, afterSeq int64, limit int) ([]model.Operation, error)

	// DeleteOps removes the given rows (at most MaxBatch per call).
	DeleteOps(ctx context.Context, databaseID uuid.UUID, seqNos []int64) error

	// SetBundleSeqNo advances the bundle marker; it never moves backwards.
	SetBundleSeqNo(ctx context.Context, databaseID uuid.UUID, seqNo int64) error

	// GetHead loads a single database head.
	GetHead(ctx context.Context, databaseID uuid.UUID) (model.Head, error)

	// ListHeads pages through all database heads ordered by id.
	ListHeads(ctx context.Context, afterID uuid.UUID, limit int) ([]model.Head, error)
}
