package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// LogRepo implements LogRepository using PostgreSQL.
type LogRepo struct{ db *DB }

// NewLogRepo constructs a log repository.
func NewLogRepo(db *DB) *LogRepo { return &LogRepo{db: db} }

var _ repository.LogRepository = (*LogRepo)(nil)

// AllocateSeq increments the database counter conditionally on the head version.
func (r *LogRepo) AllocateSeq(ctx context.Context, head model.Head, count int64) (int64, error) {
	const upd = `
UPDATE databases SET last_seq_no = last_seq_no + $3
WHERE id=$1 AND version=$2
RETURNING last_seq_no`
	var last int64
	err := r.db.Pool.QueryRow(ctx, upd, head.DatabaseID, head.Version, count).Scan(&last)
	if err == nil {
		return last, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// Nothing updated: either the database is gone or its version moved.
	var ver int64
	err = r.db.Pool.QueryRow(ctx, `SELECT version FROM databases WHERE id=$1`, head.DatabaseID).Scan(&ver)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, errs.ErrNotFound
	case err != nil:
		return 0, err
	default:
		return 0, errs.ErrVersionConflict
	}
}

const opColumns = `database_id, seq_no, item_id, command, record, file_id, file_name, file_size, file_uploaded_by, created_by, created_at`

// AppendOps inserts ops in multi-row statements of at most MaxBatch rows, all in one transaction.
func (r *LogRepo) AppendOps(ctx context.Context, ops []model.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		for start := 0; start < len(ops); start += repository.MaxBatch {
			chunk := ops[start:min(start+repository.MaxBatch, len(ops))]
			q, args := insertOpsSQL(chunk)
			if _, err := tx.Exec(ctx, q, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func insertOpsSQL(ops []model.Operation) (string, []any) {
	const cols = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO operations (` + opColumns + `) VALUES `)
	args := make([]any, 0, len(ops)*cols)
	for i, op := range ops {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteString(")")

		var (
			fileID     uuid.NullUUID
			fileName   []byte
			fileSize   *int64
			uploadedBy uuid.NullUUID
		)
		if op.File != nil {
			fileID = uuid.NullUUID{UUID: op.File.FileID, Valid: true}
			fileName = op.File.FileName
			size := op.File.FileSize
			fileSize = &size
			uploadedBy = uuid.NullUUID{UUID: op.File.UploadedBy, Valid: true}
		}
		createdAt := op.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		args = append(args, op.DatabaseID, op.SeqNo, op.ItemID, string(op.Command), []byte(op.Record),
			fileID, fileName, fileSize, uploadedBy, op.CreatedBy, createdAt)
	}
	return sb.String(), args
}

// ListOps returns operations after afterSeq in sequence order.
func (r *LogRepo) ListOps(ctx context.Context, databaseID uuid.UUID, afterSeq int64, limit int) ([]model.Operation, error) {
	q := `SELECT ` + opColumns + `
FROM operations
WHERE database_id=$1 AND seq_no>$2
ORDER BY seq_no ASC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, databaseID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Operation
	for rows.Next() {
		var (
			op         model.Operation
			cmd        string
			record     []byte
			fileID     uuid.NullUUID
			fileName   []byte
			fileSize   *int64
			uploadedBy uuid.NullUUID
		)
		if err = rows.Scan(&op.DatabaseID, &op.SeqNo, &op.ItemID, &cmd, &record,
			&fileID, &fileName, &fileSize, &uploadedBy, &op.CreatedBy, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.Command = model.Command(cmd)
		if record != nil {
			op.Record = model.EncryptedBlob(record)
		}
		if fileID.Valid {
			op.File = &model.FileMeta{FileID: fileID.UUID, FileName: fileName, UploadedBy: uploadedBy.UUID}
			if fileSize != nil {
				op.File.FileSize = *fileSize
			}
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// DeleteOps removes at most MaxBatch rows of one database.
func (r *LogRepo) DeleteOps(ctx context.Context, databaseID uuid.UUID, seqNos []int64) error {
	if len(seqNos) == 0 {
		return nil
	}
	if len(seqNos) > repository.MaxBatch {
		return fmt.Errorf("delete batch too large (%d > %d)", len(seqNos), repository.MaxBatch)
	}
	const q = `DELETE FROM operations WHERE database_id=$1 AND seq_no = ANY($2)`
	_, err := r.db.Pool.Exec(ctx, q, databaseID, seqNos)
	return err
}

// SetBundleSeqNo moves the bundle marker forward; older markers are ignored.
func (r *LogRepo) SetBundleSeqNo(ctx context.Context, databaseID uuid.UUID, seqNo int64) error {
	const q = `UPDATE databases SET bundle_seq_no=$2 WHERE id=$1 AND bundle_seq_no < $2`
	_, err := r.db.Pool.Exec(ctx, q, databaseID, seqNo)
	return err
}

// GetHead loads the head of one database.
func (r *LogRepo) GetHead(ctx context.Context, databaseID uuid.UUID) (model.Head, error) {
	const q = `SELECT id, version, last_seq_no, bundle_seq_no FROM databases WHERE id=$1`
	var h model.Head
	err := r.db.Pool.QueryRow(ctx, q, databaseID).Scan(&h.DatabaseID, &h.Version, &h.LastSeqNo, &h.BundleSeqNo)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Head{}, errs.ErrNotFound
	}
	return h, err
}

// ListHeads pages through all heads ordered by id.
func (r *LogRepo) ListHeads(ctx context.Context, afterID uuid.UUID, limit int) ([]model.Head, error) {
	const q = `
SELECT id, version, last_seq_no, bundle_seq_no
FROM databases
WHERE id > $1
ORDER BY id ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Head
	for rows.Next() {
		var h model.Head
		if err = rows.Scan(&h.DatabaseID, &h.Version, &h.LastSeqNo, &h.BundleSeqNo); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
