package seg

import (
	"context"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

const (
	segmentInfoFormatName = "SegSegmentInfo"
	segmentInfoVersion    = 1
)

// SegmentInfoFormat writes the .si file.
type SegmentInfoFormat struct{}

// Write implements codec.SegmentInfoFormat. The .si file lists itself.
func (SegmentInfoFormat) Write(ctx context.Context, dir *store.Directory, info *model.SegmentInfo) error {
	name := model.SegmentFileName(info.Name, "", model.ExtSegmentInfo)
	info.AddFile(name)

	out, err := dir.CreateOutput(ctx, name)
	if err != nil {
		return err
	}
	store.WriteHeader(out, store.Header{Format: segmentInfoFormatName, Version: segmentInfoVersion, ID: info.ID})

	out.WriteString(info.Version)
	out.WriteUvarint(uint64(info.MaxDoc))
	out.WriteString(info.Codec)

	for _, m := range []map[string]string{info.Diagnostics, info.Attributes} {
		raw, err := msgpack.Marshal(m)
		if err != nil {
			_ = out.Abort()
			return err
		}
		out.WriteLenBytes(raw)
	}

	files := info.Files()
	out.WriteUvarint(uint64(len(files)))
	for _, f := range files {
		out.WriteString(f)
	}

	if err := store.WriteFooter(out); err != nil {
		_ = out.Abort()
		return err
	}
	return out.Close()
}

// Read implements codec.SegmentInfoFormat.
func (SegmentInfoFormat) Read(ctx context.Context, dir *store.Directory, name string, id [store.IDLength]byte) (*model.SegmentInfo, error) {
	in, err := dir.OpenInput(ctx, model.SegmentFileName(name, "", model.ExtSegmentInfo))
	if err != nil {
		return nil, err
	}
	defer in.Close()

	if _, err := store.CheckHeader(in, segmentInfoFormatName, segmentInfoVersion, segmentInfoVersion, id[:], ""); err != nil {
		return nil, err
	}

	info := &model.SegmentInfo{Name: name, ID: id}
	info.Version = in.ReadString()
	info.MaxDoc = in.ReadInt(math.MaxInt32)
	info.Codec = in.ReadString()
	diag := in.ReadLenBytes()
	attrs := in.ReadLenBytes()
	n := in.ReadInt(in.ContentLen())
	files := make([]string, 0, n)
	for range n {
		files = append(files, in.ReadString())
	}
	if err := in.Err(); err != nil {
		return nil, err
	}

	if err := msgpack.Unmarshal(diag, &info.Diagnostics); err != nil {
		return nil, &store.CorruptionError{Resource: in.Name(), Reason: "decode diagnostics", Err: err}
	}
	if err := msgpack.Unmarshal(attrs, &info.Attributes); err != nil {
		return nil, &store.CorruptionError{Resource: in.Name(), Reason: "decode attributes", Err: err}
	}
	for _, f := range files {
		if model.ParseSegmentName(f) != name {
			return nil, store.Corruptf(in.Name(), "file %q does not belong to segment %s", f, name)
		}
	}
	info.SetFiles(files)
	return info, nil
}
