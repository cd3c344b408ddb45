// Package bundle serializes database snapshots for blob storage.
//
// A bundle is a protobuf-wire message compressed with zstd:
//
//	Bundle   { 1: database_id bytes, 2: seq_no varint, 3: repeated Item }
//	Item     { 1: item_id string, 2: version varint, 3: record bytes,
//	           4: FileMeta, 5: created_by bytes, 6: updated_by bytes }
//	FileMeta { 1: file_id bytes, 2: file_name bytes, 3: file_size varint,
//	           4: uploaded_by bytes }
//
// Unknown fields are skipped on decode.
package bundle

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/cipherlog/internal/model"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<30))
)

// ErrCorrupt is returned when a bundle cannot be decoded.
var ErrCorrupt = errors.New("bundle: corrupt")

// Encode serializes and compresses b.
func Encode(b model.Bundle) []byte {
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.BytesType)
	raw = protowire.AppendBytes(raw, b.DatabaseID.Bytes())
	raw = protowire.AppendTag(raw, 2, protowire.VarintType)
	raw = protowire.AppendVarint(raw, uint64(b.SeqNo))
	for _, it := range b.Items {
		raw = protowire.AppendTag(raw, 3, protowire.BytesType)
		raw = protowire.AppendBytes(raw, appendItem(nil, it))
	}
	return encoder.EncodeAll(raw, nil)
}

// Decode decompresses and parses a bundle produced by Encode.
func Decode(data []byte) (model.Bundle, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return model.Bundle{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var b model.Bundle
	err = walk(raw, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			id, err := uuid.FromBytes(v)
			if err != nil {
				return err
			}
			b.DatabaseID = id
		case num == 2 && typ == protowire.VarintType:
			b.SeqNo = int64(u)
		case num == 3 && typ == protowire.BytesType:
			it, err := parseItem(v)
			if err != nil {
				return err
			}
			b.Items = append(b.Items, it)
		}
		return nil
	})
	if err != nil {
		return model.Bundle{}, err
	}
	return b, nil
}

func appendItem(raw []byte, it model.ItemState) []byte {
	raw = protowire.AppendTag(raw, 1, protowire.BytesType)
	raw = protowire.AppendString(raw, it.ItemID)
	raw = protowire.AppendTag(raw, 2, protowire.VarintType)
	raw = protowire.AppendVarint(raw, uint64(it.Version))
	if it.Record != nil {
		raw = protowire.AppendTag(raw, 3, protowire.BytesType)
		raw = protowire.AppendBytes(raw, it.Record)
	}
	if it.File != nil {
		var fm []byte
		fm = protowire.AppendTag(fm, 1, protowire.BytesType)
		fm = protowire.AppendBytes(fm, it.File.FileID.Bytes())
		fm = protowire.AppendTag(fm, 2, protowire.BytesType)
		fm = protowire.AppendBytes(fm, it.File.FileName)
		fm = protowire.AppendTag(fm, 3, protowire.VarintType)
		fm = protowire.AppendVarint(fm, uint64(it.File.FileSize))
		fm = protowire.AppendTag(fm, 4, protowire.BytesType)
		fm = protowire.AppendBytes(fm, it.File.UploadedBy.Bytes())
		raw = protowire.AppendTag(raw, 4, protowire.BytesType)
		raw = protowire.AppendBytes(raw, fm)
	}
	raw = protowire.AppendTag(raw, 5, protowire.BytesType)
	raw = protowire.AppendBytes(raw, it.CreatedBy.Bytes())
	raw = protowire.AppendTag(raw, 6, protowire.BytesType)
	raw = protowire.AppendBytes(raw, it.UpdatedBy.Bytes())
	return raw
}

func parseItem(raw []byte) (model.ItemState, error) {
	var it model.ItemState
	err := walk(raw, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			it.ItemID = string(v)
		case num == 2 && typ == protowire.VarintType:
			it.Version = int64(u)
		case num == 3 && typ == protowire.BytesType:
			it.Record = append(model.EncryptedBlob{}, v...)
		case num == 4 && typ == protowire.BytesType:
			it.File, err = parseFile(v)
		case num == 5 && typ == protowire.BytesType:
			it.CreatedBy, err = uuid.FromBytes(v)
		case num == 6 && typ == protowire.BytesType:
			it.UpdatedBy, err = uuid.FromBytes(v)
		}
		return err
	})
	if err == nil && it.ItemID == "" {
		err = fmt.Errorf("%w: item without id", ErrCorrupt)
	}
	return it, err
}

func parseFile(raw []byte) (*model.FileMeta, error) {
	fm := &model.FileMeta{}
	err := walk(raw, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			fm.FileID, err = uuid.FromBytes(v)
		case num == 2 && typ == protowire.BytesType:
			fm.FileName = append(model.EncryptedBlob{}, v...)
		case num == 3 && typ == protowire.VarintType:
			fm.FileSize = int64(u)
		case num == 4 && typ == protowire.BytesType:
			fm.UploadedBy, err = uuid.FromBytes(v)
		}
		return err
	})
	return fm, err
}

// walk calls fn for each top-level field of a wire message. For bytes fields v
// is set, for varint fields u is set. Other wire types are skipped.
func walk(raw []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		raw = raw[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(m))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			raw = raw[m:]
		case protowire.VarintType:
			u, m := protowire.ConsumeVarint(raw)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(m))
			}
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
			raw = raw[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, raw)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(m))
			}
			raw = raw[m:]
		}
	}
	return nil
}
