// Package convert maps domain models to wire messages and back.
package convert

import (
	"fmt"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/cipherlog/internal/errs"
	model "github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/rpc"
)

// --- helpers ---

func blob(b []byte) model.EncryptedBlob {
	if len(b) == 0 {
		return nil
	}
	return model.EncryptedBlob(b)
}

func idString(id u.UUID) string {
	if id == u.Nil {
		return ""
	}
	return id.String()
}

// --- Database references (client -> server) ---

// FromRPCRef converts a wire reference. A malformed id is a validation error.
func FromRPCRef(in rpc.DatabaseRef) (model.DatabaseRef, error) {
	ref := model.DatabaseRef{NameHash: in.DatabaseNameHash, ShareToken: in.ShareToken}
	if in.DatabaseID != "" {
		id, err := u.FromString(in.DatabaseID)
		if err != nil {
			return model.DatabaseRef{}, errs.ErrDatabaseIDInvalid
		}
		ref.DatabaseID = id
	}
	return ref, nil
}

// ToRPCRef is the client-side inverse of FromRPCRef.
func ToRPCRef(in model.DatabaseRef) rpc.DatabaseRef {
	return rpc.DatabaseRef{DatabaseNameHash: in.NameHash, DatabaseID: idString(in.DatabaseID), ShareToken: in.ShareToken}
}

// --- Mutations (client -> server) ---

// FromRPCMutation converts one wire mutation. An unknown command is left for
// validation to reject.
func FromRPCMutation(in rpc.Mutation) model.Mutation {
	return model.Mutation{
		Command:         model.Command(in.Command),
		ItemID:          in.ItemID,
		Record:          blob(in.Record),
		ExpectedVersion: in.ExpectedVersion,
	}
}

// FromRPCMutations converts a batch.
func FromRPCMutations(in []rpc.Mutation) []model.Mutation {
	out := make([]model.Mutation, 0, len(in))
	for _, m := range in {
		out = append(out, FromRPCMutation(m))
	}
	return out
}

// --- Operations (server -> client) ---

// ToRPCOperation converts a sequenced operation.
func ToRPCOperation(op model.Operation) rpc.Operation {
	out := rpc.Operation{
		SeqNo:     op.SeqNo,
		ItemID:    op.ItemID,
		Command:   string(op.Command),
		Record:    op.Record,
		CreatedBy: idString(op.CreatedBy),
		CreatedAt: op.CreatedAt,
	}
	if op.File != nil {
		out.File = &rpc.File{
			FileID:     op.File.FileID.String(),
			FileName:   op.File.FileName,
			FileSize:   op.File.FileSize,
			UploadedBy: idString(op.File.UploadedBy),
		}
	}
	return out
}

// ToRPCOperations converts a slice of operations.
func ToRPCOperations(ops []model.Operation) []rpc.Operation {
	out := make([]rpc.Operation, 0, len(ops))
	for _, op := range ops {
		out = append(out, ToRPCOperation(op))
	}
	return out
}

// FromRPCOperation parses a received operation.
func FromRPCOperation(in rpc.Operation) (model.Operation, error) {
	op := model.Operation{
		SeqNo:     in.SeqNo,
		ItemID:    in.ItemID,
		Command:   model.Command(in.Command),
		Record:    blob(in.Record),
		CreatedAt: in.CreatedAt,
	}
	if in.CreatedBy != "" {
		id, err := u.FromString(in.CreatedBy)
		if err != nil {
			return model.Operation{}, fmt.Errorf("created_by: %w", err)
		}
		op.CreatedBy = id
	}
	if in.File != nil {
		fid, err := u.FromString(in.File.FileID)
		if err != nil {
			return model.Operation{}, fmt.Errorf("file_id: %w", err)
		}
		op.File = &model.FileMeta{FileID: fid, FileName: in.File.FileName, FileSize: in.File.FileSize}
		if in.File.UploadedBy != "" {
			if op.File.UploadedBy, err = u.FromString(in.File.UploadedBy); err != nil {
				return model.Operation{}, fmt.Errorf("uploaded_by: %w", err)
			}
		}
	}
	return op, nil
}

// ToRPCFrame converts a push or catch-up frame.
func ToRPCFrame(f model.Frame) *rpc.Frame {
	return &rpc.Frame{
		DatabaseID:  idString(f.DatabaseID),
		Operations:  ToRPCOperations(f.Operations),
		BundleSeqNo: f.BundleSeqNo,
	}
}

// FromRPCFrame parses a received frame.
func FromRPCFrame(in *rpc.Frame) (model.Frame, error) {
	f := model.Frame{BundleSeqNo: in.BundleSeqNo}
	if in.DatabaseID != "" {
		id, err := u.FromString(in.DatabaseID)
		if err != nil {
			return model.Frame{}, fmt.Errorf("database_id: %w", err)
		}
		f.DatabaseID = id
	}
	for i, op := range in.Operations {
		m, err := FromRPCOperation(op)
		if err != nil {
			return model.Frame{}, fmt.Errorf("operation[%d]: %w", i, err)
		}
		f.Operations = append(f.Operations, m)
	}
	return f, nil
}

// --- Databases (server -> client) ---

// ToRPCOpenDatabase converts resolved access.
func ToRPCOpenDatabase(acc model.Access) *rpc.OpenDatabaseResponse {
	return &rpc.OpenDatabaseResponse{
		DatabaseID:       acc.Database.ID.String(),
		IsOwner:          acc.IsOwner,
		ReadOnly:         acc.ReadOnly,
		ResharingAllowed: acc.ResharingAllowed,
		EncryptionKey:    acc.EncryptionKey,
		LastSeqNo:        acc.Database.LastSeqNo,
		BundleSeqNo:      acc.Database.BundleSeqNo,
	}
}

// ToRPCDatabases converts a database list page.
func ToRPCDatabases(in []model.DatabaseSummary) []rpc.Database {
	out := make([]rpc.Database, 0, len(in))
	for _, d := range in {
		out = append(out, rpc.Database{
			DatabaseID:       d.DatabaseID.String(),
			DatabaseNameHash: d.NameHash,
			OwnerUsername:    d.OwnerUsername,
			IsOwner:          d.IsOwner,
			ReadOnly:         d.ReadOnly,
			ResharingAllowed: d.ResharingAllowed,
			EncryptionKey:    d.EncryptionKey,
		})
	}
	return out
}

// ToRPCDatabaseUsers converts a database user page.
func ToRPCDatabaseUsers(in []model.DatabaseUser) []rpc.DatabaseUser {
	out := make([]rpc.DatabaseUser, 0, len(in))
	for _, du := range in {
		out = append(out, rpc.DatabaseUser{
			UserID:           du.UserID.String(),
			Username:         du.Username,
			IsOwner:          du.IsOwner,
			ReadOnly:         du.ReadOnly,
			ResharingAllowed: du.ResharingAllowed,
			Verified:         du.Verified,
		})
	}
	return out
}
