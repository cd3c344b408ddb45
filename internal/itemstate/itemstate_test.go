package itemstate

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cipherlog/internal/model"
)

func op(seq int64, cmd model.Command, id string, rec string) model.Operation {
	o := model.Operation{SeqNo: seq, Command: cmd, ItemID: id}
	if rec != "" {
		o.Record = model.EncryptedBlob(rec)
	}
	return o
}

func TestMaterialize_InsertUpdateDelete(t *testing.T) {
	ops := []model.Operation{
		op(1, model.CmdInsert, "a", "a1"),
		op(2, model.CmdInsert, "b", "b1"),
		op(3, model.CmdUpdate, "a", "a2"),
		op(5, model.CmdDelete, "b", ""),
		op(6, model.CmdInsert, "c", "c1"),
	}
	items := Materialize(0, nil, ops)
	require.Len(t, items, 2)
	require.Equal(t, int64(3), items["a"].Version)
	require.Equal(t, model.EncryptedBlob("a2"), items["a"].Record)
	require.Equal(t, int64(6), items["c"].Version)
	_, ok := items["b"]
	require.False(t, ok)
}

func TestMaterialize_ReplayIsIdempotent(t *testing.T) {
	ops := []model.Operation{
		op(1, model.CmdInsert, "a", "a1"),
		op(2, model.CmdUpdate, "a", "a2"),
	}
	once := Materialize(0, nil, ops)
	twice := Materialize(0, nil, append(append([]model.Operation{}, ops...), ops...))
	require.Equal(t, once, twice)
}

func TestMaterialize_SkipsOpsCoveredByBase(t *testing.T) {
	base := []model.ItemState{{ItemID: "a", Version: 4, Record: model.EncryptedBlob("a4")}}
	ops := []model.Operation{
		op(3, model.CmdDelete, "a", ""), // already folded into the snapshot
		op(5, model.CmdUpdate, "a", "a5"),
	}
	items := Materialize(4, base, ops)
	require.Equal(t, model.EncryptedBlob("a5"), items["a"].Record)
}

func TestApply_UploadFileKeepsRecord(t *testing.T) {
	uploader := uuid.Must(uuid.NewV4())
	items := Items{}
	Apply(items, op(1, model.CmdInsert, "a", "rec"))
	Apply(items, model.Operation{
		SeqNo: 2, Command: model.CmdUploadFile, ItemID: "a", CreatedBy: uploader,
		File: &model.FileMeta{FileID: uuid.Must(uuid.NewV4()), FileSize: 10, UploadedBy: uploader},
	})
	require.Equal(t, model.EncryptedBlob("rec"), items["a"].Record)
	require.NotNil(t, items["a"].File)
	require.Equal(t, uploader, items["a"].UpdatedBy)
}

func TestApply_UpdateOfMissingItemIgnored(t *testing.T) {
	items := Items{}
	Apply(items, op(1, model.CmdUpdate, "ghost", "x"))
	require.Empty(t, items)
}

func TestApplyVersion_MatchesApply(t *testing.T) {
	ops := []model.Operation{
		op(1, model.CmdInsert, "a", "1"),
		op(2, model.CmdInsert, "b", "1"),
		op(3, model.CmdUploadFile, "b", ""),
		op(4, model.CmdDelete, "a", ""),
		op(7, model.CmdUpdate, "b", "2"),
	}
	index := map[string]int64{}
	for _, o := range ops {
		ApplyVersion(index, o)
	}
	require.Equal(t, Materialize(0, nil, ops).Versions(), index)
}

func TestAsOperations_RoundTrip(t *testing.T) {
	db := uuid.Must(uuid.NewV4())
	live := Materialize(0, nil, []model.Operation{
		op(1, model.CmdInsert, "z", "z1"),
		op(2, model.CmdInsert, "y", "y1"),
		op(3, model.CmdUpdate, "z", "z2"),
	})
	b := model.Bundle{DatabaseID: db, SeqNo: 3, Items: live.Sorted()}
	ops := AsOperations(b)
	require.Len(t, ops, 2)
	require.Less(t, ops[0].SeqNo, ops[1].SeqNo)
	require.Equal(t, live, Materialize(0, nil, ops))
}
