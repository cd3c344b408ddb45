// Package itemstate derives item existence and content by replaying operations.
// It is the single place that knows how commands change an item.
package itemstate

import (
	"sort"

	"github.com/and161185/cipherlog/internal/model"
)

// Items is the materialized item set keyed by item id.
type Items map[string]model.ItemState

// Apply folds one operation into items. Operations at or below the item's
// current version are ignored, so replaying a prefix twice is harmless.
func Apply(items Items, op model.Operation) {
	cur, exists := items[op.ItemID]
	if exists && op.SeqNo <= cur.Version {
		return
	}
	switch op.Command {
	case model.CmdInsert:
		items[op.ItemID] = model.ItemState{
			ItemID:    op.ItemID,
			Version:   op.SeqNo,
			Record:    op.Record,
			File:      op.File,
			CreatedBy: op.CreatedBy,
			UpdatedBy: op.CreatedBy,
		}
	case model.CmdUpdate:
		if !exists {
			return
		}
		cur.Version = op.SeqNo
		cur.Record = op.Record
		cur.UpdatedBy = op.CreatedBy
		items[op.ItemID] = cur
	case model.CmdUploadFile:
		if !exists {
			return
		}
		cur.Version = op.SeqNo
		cur.File = op.File
		cur.UpdatedBy = op.CreatedBy
		items[op.ItemID] = cur
	case model.CmdDelete:
		delete(items, op.ItemID)
	}
}

// Materialize replays ops on top of a snapshot taken at baseSeq.
// Operations with SeqNo <= baseSeq are already reflected in base and skipped.
func Materialize(baseSeq int64, base []model.ItemState, ops []model.Operation) Items {
	items := make(Items, len(base))
	for _, it := range base {
		items[it.ItemID] = it
	}
	for _, op := range ops {
		if op.SeqNo <= baseSeq {
			continue
		}
		Apply(items, op)
	}
	return items
}

// Sorted returns the items ordered by version, then id.
func (items Items) Sorted() []model.ItemState {
	out := make([]model.ItemState, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

// Versions strips records, keeping only what existence checks need.
func (items Items) Versions() map[string]int64 {
	out := make(map[string]int64, len(items))
	for id, it := range items {
		out[id] = it.Version
	}
	return out
}

// ApplyVersion folds op into a version index the same way Apply folds it into items.
func ApplyVersion(index map[string]int64, op model.Operation) {
	cur, exists := index[op.ItemID]
	if exists && op.SeqNo <= cur {
		return
	}
	switch op.Command {
	case model.CmdInsert:
		index[op.ItemID] = op.SeqNo
	case model.CmdUpdate, model.CmdUploadFile:
		if exists {
			index[op.ItemID] = op.SeqNo
		}
	case model.CmdDelete:
		delete(index, op.ItemID)
	}
}

// AsOperations renders a bundle as Insert operations ordered by item version,
// so a reader can treat "bundle + tail" as one strictly increasing stream.
func AsOperations(b model.Bundle) []model.Operation {
	items := make(Items, len(b.Items))
	for _, it := range b.Items {
		items[it.ItemID] = it
	}
	sorted := items.Sorted()
	ops := make([]model.Operation, 0, len(sorted))
	for _, it := range sorted {
		ops = append(ops, model.Operation{
			DatabaseID: b.DatabaseID,
			SeqNo:      it.Version,
			ItemID:     it.ItemID,
			Command:    model.CmdInsert,
			Record:     it.Record,
			File:       it.File,
			CreatedBy:  it.CreatedBy,
		})
	}
	return ops
}
