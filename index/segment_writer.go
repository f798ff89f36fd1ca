package index

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/internal/resource"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

// segmentSource supplies the content of a new segment in ordinal order.
type segmentSource interface {
	numDocs() int
	storedFields(doc int, fn func(name string, v model.Value) error) error
	// terms calls fn for every term of the field in ascending byte order.
	terms(fi *model.FieldInfo, fn func(term []byte, postings []codec.Posting) error) error
	numericValues(fi *model.FieldInfo) ([]int64, *roaring.Bitmap, error)
	bytesValues(fi *model.FieldInfo) ([][]byte, *roaring.Bitmap, error)
}

// segmentBuild describes one segment to write.
type segmentBuild struct {
	dir        *store.Directory
	codec      *codec.Codec
	info       *model.SegmentInfo
	fieldInfos *model.FieldInfos
	throttle   *resource.Controller
	// check is polled between documents and fields; a non-nil result stops the build.
	check func() error
}

// Version is the library version recorded in new segments.
const Version = "0.1.0"

const checkInterval = 1024

func newSegmentInfo(name string, maxDoc int, cd *codec.Codec, source string) *model.SegmentInfo {
	return &model.SegmentInfo{
		Name:    name,
		ID:      newCommitID(),
		MaxDoc:  maxDoc,
		Codec:   cd.Name,
		Version: Version,
		Diagnostics: map[string]string{
			model.DiagSource:    source,
			model.DiagTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
			model.DiagOS:        runtime.GOOS,
			model.DiagGoVersion: runtime.Version(),
		},
	}
}

// writeSegment writes every file of the segment, .si last. On failure the
// files recorded in b.info may be partially written and must be deleted.
func writeSegment(ctx context.Context, b *segmentBuild, src segmentSource) error {
	check := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.check != nil {
			return b.check()
		}
		return nil
	}

	state := &codec.SegmentWriteState{
		Dir:        b.dir,
		Info:       b.info,
		FieldInfos: b.fieldInfos,
		Throttle:   b.throttle,
	}

	if err := writeStoredFields(ctx, state, b.codec, src, check); err != nil {
		return fmt.Errorf("stored fields: %w", err)
	}
	if b.fieldInfos.HasPostings() {
		if err := writePostings(ctx, state, b.codec, src, check); err != nil {
			return fmt.Errorf("postings: %w", err)
		}
	}
	if b.fieldInfos.HasDocValues() {
		if err := writeDocValues(ctx, state, b.codec, src, check); err != nil {
			return fmt.Errorf("doc values: %w", err)
		}
	}
	if err := b.codec.FieldInfos.Write(ctx, state, b.fieldInfos); err != nil {
		return fmt.Errorf("field infos: %w", err)
	}
	if err := check(); err != nil {
		return err
	}
	if err := b.codec.SegmentInfo.Write(ctx, b.dir, b.info); err != nil {
		return fmt.Errorf("segment info: %w", err)
	}
	return nil
}

func writeStoredFields(ctx context.Context, state *codec.SegmentWriteState, cd *codec.Codec, src segmentSource, check func() error) error {
	w, err := cd.StoredFields.FieldsWriter(ctx, state)
	if err != nil {
		return err
	}
	defer w.Close()

	write := func(name string, v model.Value) error {
		fi, ok := state.FieldInfos.ByName(name)
		if !ok {
			return fmt.Errorf("unknown field %q", name)
		}
		return w.WriteField(fi, v)
	}
	n := src.numDocs()
	for doc := range n {
		if doc%checkInterval == 0 {
			if err := check(); err != nil {
				return err
			}
		}
		if err := w.StartDocument(); err != nil {
			return err
		}
		if err := src.storedFields(doc, write); err != nil {
			return err
		}
		if err := w.FinishDocument(); err != nil {
			return err
		}
	}
	return w.Finish(ctx, n)
}

func writePostings(ctx context.Context, state *codec.SegmentWriteState, cd *codec.Codec, src segmentSource, check func() error) error {
	fc, err := cd.Postings.FieldsConsumer(ctx, state)
	if err != nil {
		return err
	}
	defer fc.Close()

	for _, fi := range state.FieldInfos.All() {
		if !fi.IndexOptions.IsIndexed() {
			continue
		}
		if err := check(); err != nil {
			return err
		}
		tc, err := fc.StartField(fi)
		if err != nil {
			return err
		}
		if err := src.terms(fi, tc.AddTerm); err != nil {
			return err
		}
		if err := tc.Finish(); err != nil {
			return err
		}
	}
	return fc.Finish(ctx)
}

func writeDocValues(ctx context.Context, state *codec.SegmentWriteState, cd *codec.Codec, src segmentSource, check func() error) error {
	c, err := cd.DocValues.DocValuesConsumer(ctx, state)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, fi := range state.FieldInfos.All() {
		if err := check(); err != nil {
			return err
		}
		switch fi.DocValues {
		case model.DocValuesNumeric:
			values, docs, err := src.numericValues(fi)
			if err != nil {
				return err
			}
			err = c.AddNumericField(fi, values, docs)
			if err != nil {
				return err
			}
		case model.DocValuesBinary, model.DocValuesSorted:
			values, docs, err := src.bytesValues(fi)
			if err != nil {
				return err
			}
			if fi.DocValues == model.DocValuesBinary {
				err = c.AddBinaryField(fi, values, docs)
			} else {
				err = c.AddSortedField(fi, values, docs)
			}
			if err != nil {
				return err
			}
		}
	}
	return c.Finish(ctx)
}
