package seg

import (
	"context"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

const (
	fieldInfosFormatName = "SegFieldInfos"
	fieldInfosVersion    = 1

	flagStorePayloads byte = 1 << 0
)

// FieldInfosFormat writes the .fnm file.
type FieldInfosFormat struct{}

// Write implements codec.FieldInfosFormat.
func (FieldInfosFormat) Write(ctx context.Context, state *codec.SegmentWriteState, infos *model.FieldInfos) error {
	out, err := state.CreateOutput(ctx, model.ExtFieldInfos)
	if err != nil {
		return err
	}
	store.WriteHeader(out, state.Header(fieldInfosFormatName, fieldInfosVersion))

	all := infos.All()
	out.WriteUvarint(uint64(len(all)))
	for _, fi := range all {
		out.WriteString(fi.Name)
		out.WriteUvarint(uint64(fi.Number))
		_ = out.WriteByte(byte(fi.IndexOptions))
		_ = out.WriteByte(byte(fi.DocValues))
		var flags byte
		if fi.StorePayloads {
			flags |= flagStorePayloads
		}
		_ = out.WriteByte(flags)

		attrs, err := msgpack.Marshal(fi.Attributes)
		if err != nil {
			_ = out.Abort()
			return err
		}
		out.WriteLenBytes(attrs)
	}

	if err := store.WriteFooter(out); err != nil {
		_ = out.Abort()
		return err
	}
	return out.Close()
}

// Read implements codec.FieldInfosFormat.
func (FieldInfosFormat) Read(ctx context.Context, dir *store.Directory, info *model.SegmentInfo) (*model.FieldInfos, error) {
	in, err := dir.OpenInput(ctx, model.SegmentFileName(info.Name, "", model.ExtFieldInfos))
	if err != nil {
		return nil, err
	}
	defer in.Close()

	if _, err := store.CheckHeader(in, fieldInfosFormatName, fieldInfosVersion, fieldInfosVersion, info.ID[:], ""); err != nil {
		return nil, err
	}

	n := in.ReadInt(in.ContentLen())
	infos := make([]*model.FieldInfo, 0, n)
	for range n {
		fi := &model.FieldInfo{Name: in.ReadString()}
		fi.Number = in.ReadInt(math.MaxInt32)
		opts, _ := in.ReadByte()
		dv, _ := in.ReadByte()
		flags, _ := in.ReadByte()
		attrs := in.ReadLenBytes()
		if err := in.Err(); err != nil {
			return nil, err
		}
		if opts > byte(model.IndexDocsFreqsPositionsOffsets) || dv > byte(model.DocValuesSorted) {
			return nil, store.Corruptf(in.Name(), "field %q: illegal options %d/%d", fi.Name, opts, dv)
		}
		fi.IndexOptions = model.IndexOptions(opts)
		fi.DocValues = model.DocValuesType(dv)
		fi.StorePayloads = flags&flagStorePayloads != 0
		if err := msgpack.Unmarshal(attrs, &fi.Attributes); err != nil {
			return nil, &store.CorruptionError{Resource: in.Name(), Reason: "decode field attributes", Err: err}
		}
		infos = append(infos, fi)
	}

	fis, err := model.NewFieldInfos(infos)
	if err != nil {
		return nil, &store.CorruptionError{Resource: in.Name(), Reason: "invalid field infos", Err: err}
	}
	return fis, nil
}
