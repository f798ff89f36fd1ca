package seg

import (
	"context"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

const (
	liveDocsFormatName = "SegLiveDocs"
	liveDocsVersion    = 1
)

// LiveDocsFormat writes one _N_G.liv file per deletion generation holding a
// roaring bitmap of live documents.
type LiveDocsFormat struct{}

// Write implements codec.LiveDocsFormat.
func (LiveDocsFormat) Write(ctx context.Context, dir *store.Directory, info *model.SegmentCommitInfo, live *roaring.Bitmap, gen int64) (string, error) {
	name := model.GenerationFileName(info.Info.Name, model.ExtLiveDocs, gen)
	raw, err := live.ToBytes()
	if err != nil {
		return "", err
	}

	out, err := dir.CreateOutput(ctx, name)
	if err != nil {
		return "", err
	}
	store.WriteHeader(out, store.Header{
		Format:  liveDocsFormatName,
		Version: liveDocsVersion,
		ID:      info.Info.ID,
		Suffix:  strconv.FormatInt(gen, 36),
	})
	out.WriteUvarint(uint64(info.Info.MaxDoc))
	out.WriteUvarint(live.GetCardinality())
	out.WriteLenBytes(raw)

	if err := store.WriteFooter(out); err != nil {
		_ = out.Abort()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return name, nil
}

// Read implements codec.LiveDocsFormat and validates the live count against
// the commit's deletion count.
func (LiveDocsFormat) Read(ctx context.Context, dir *store.Directory, info *model.SegmentCommitInfo) (*roaring.Bitmap, error) {
	name := info.LiveDocsFile()
	in, err := dir.OpenInput(ctx, name)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	if _, err := store.CheckHeader(in, liveDocsFormatName, liveDocsVersion, liveDocsVersion,
		info.Info.ID[:], strconv.FormatInt(info.DelGen, 36)); err != nil {
		return nil, err
	}

	maxDoc := in.ReadInt(in.ContentLen() * 8)
	liveCount := in.ReadUvarint()
	raw := in.ReadLenBytes()
	if err := in.Err(); err != nil {
		return nil, err
	}
	if maxDoc != info.Info.MaxDoc {
		return nil, store.Corruptf(name, "maxDoc %d, segment has %d", maxDoc, info.Info.MaxDoc)
	}

	live := roaring.New()
	if err := live.UnmarshalBinary(raw); err != nil {
		return nil, &store.CorruptionError{Resource: name, Reason: "decode live docs", Err: err}
	}
	if live.GetCardinality() != liveCount {
		return nil, store.Corruptf(name, "live count %d, header says %d", live.GetCardinality(), liveCount)
	}
	if int(liveCount) != info.NumDocs() {
		return nil, store.Corruptf(name, "live count %d, commit expects %d", liveCount, info.NumDocs())
	}
	if !live.IsEmpty() && int(live.Maximum()) >= maxDoc {
		return nil, store.Corruptf(name, "live doc %d out of range", live.Maximum())
	}
	return live, nil
}
