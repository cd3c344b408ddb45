package bundle

import (
	"bytes"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cipherlog/internal/model"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	owner := uuid.Must(uuid.NewV4())
	in := model.Bundle{
		DatabaseID: uuid.Must(uuid.NewV4()),
		SeqNo:      42,
		Items: []model.ItemState{
			{ItemID: "a", Version: 3, Record: model.EncryptedBlob("ciphertext-a"), CreatedBy: owner, UpdatedBy: owner},
			{
				ItemID: "b", Version: 41, Record: model.EncryptedBlob(bytes.Repeat([]byte{7}, 4096)),
				CreatedBy: owner, UpdatedBy: owner,
				File: &model.FileMeta{
					FileID: uuid.Must(uuid.NewV4()), FileName: model.EncryptedBlob("enc-name"),
					FileSize: 1 << 20, UploadedBy: owner,
				},
			},
		},
	}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEncode_Compresses(t *testing.T) {
	in := model.Bundle{DatabaseID: uuid.Must(uuid.NewV4()), SeqNo: 1}
	for i := 0; i < 100; i++ {
		in.Items = append(in.Items, model.ItemState{
			ItemID: string(rune('a'+i%26)) + "-item", Version: int64(i + 1),
			Record: model.EncryptedBlob(bytes.Repeat([]byte("x"), 500)),
		})
	}
	require.Less(t, len(Encode(in)), 100*500/4)
}

func TestEncodeDecode_EmptyBundle(t *testing.T) {
	in := model.Bundle{DatabaseID: uuid.Must(uuid.NewV4()), SeqNo: 9}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Equal(t, in.DatabaseID, out.DatabaseID)
	require.Equal(t, int64(9), out.SeqNo)
	require.Empty(t, out.Items)
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte("definitely not zstd"))
	require.ErrorIs(t, err, ErrCorrupt)

	// valid zstd, broken wire message
	_, err = Decode(encoder.EncodeAll([]byte{0x0a, 0xff}, nil))
	require.ErrorIs(t, err, ErrCorrupt)
}
