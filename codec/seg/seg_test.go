package seg

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/internal/cache"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

type testDoc struct {
	title string
	body  []string
	num   int64
	tag   string
}

func testFieldInfos(t *testing.T) *model.FieldInfos {
	t.Helper()
	b := model.NewFieldInfosBuilder()
	_, err := b.Add("title", model.IndexDocs, model.DocValuesNone, false)
	require.NoError(t, err)
	_, err = b.Add("body", model.IndexDocsFreqsPositionsOffsets, model.DocValuesNone, true)
	require.NoError(t, err)
	_, err = b.Add("num", model.IndexNone, model.DocValuesNumeric, false)
	require.NoError(t, err)
	_, err = b.Add("tag", model.IndexNone, model.DocValuesSorted, false)
	require.NoError(t, err)
	_, err = b.Add("blob", model.IndexNone, model.DocValuesBinary, false)
	require.NoError(t, err)
	return b.Finish()
}

func newInfo(name string, maxDoc int, codecName string) *model.SegmentInfo {
	return &model.SegmentInfo{
		Name:        name,
		ID:          uuid.New(),
		MaxDoc:      maxDoc,
		Codec:       codecName,
		Version:     "test",
		Diagnostics: map[string]string{model.DiagSource: model.SourceFlush},
	}
}

// writeSegment writes docs with every format of c and returns the read state.
func writeSegment(t *testing.T, dir *store.Directory, c *codec.Codec, docs []testDoc) *codec.SegmentReadState {
	t.Helper()
	ctx := context.Background()
	fis := testFieldInfos(t)
	info := newInfo("_0", len(docs), c.Name)
	state := &codec.SegmentWriteState{Dir: dir, Info: info, FieldInfos: fis}

	sw, err := c.StoredFields.FieldsWriter(ctx, state)
	require.NoError(t, err)
	title, _ := fis.ByName("title")
	num, _ := fis.ByName("num")
	for _, d := range docs {
		require.NoError(t, sw.StartDocument())
		require.NoError(t, sw.WriteField(title, model.StringValue(d.title)))
		require.NoError(t, sw.WriteField(num, model.Int64Value(d.num)))
		require.NoError(t, sw.FinishDocument())
	}
	require.NoError(t, sw.Finish(ctx, len(docs)))
	require.NoError(t, sw.Close())

	fc, err := c.Postings.FieldsConsumer(ctx, state)
	require.NoError(t, err)
	tc, err := fc.StartField(title)
	require.NoError(t, err)
	for _, term := range sortedTitles(docs) {
		var postings []codec.Posting
		for i, d := range docs {
			if d.title == term {
				postings = append(postings, codec.Posting{Doc: i, Freq: 1})
			}
		}
		require.NoError(t, tc.AddTerm([]byte(term), postings))
	}
	require.NoError(t, tc.Finish())

	body, _ := fis.ByName("body")
	tc, err = fc.StartField(body)
	require.NoError(t, err)
	for _, term := range []string{"fox", "quick"} {
		var postings []codec.Posting
		for i, d := range docs {
			var p codec.Posting
			p.Doc = i
			off := 0
			for pos, w := range d.body {
				if w == term {
					p.Positions = append(p.Positions, codec.Position{Pos: pos, StartOffset: off, EndOffset: off + len(w), Payload: []byte{byte(pos)}})
				}
				off += len(w) + 1
			}
			if p.Freq = len(p.Positions); p.Freq > 0 {
				postings = append(postings, p)
			}
		}
		if len(postings) > 0 {
			require.NoError(t, tc.AddTerm([]byte(term), postings))
		}
	}
	require.NoError(t, tc.Finish())
	require.NoError(t, fc.Finish(ctx))
	require.NoError(t, fc.Close())

	dvc, err := c.DocValues.DocValuesConsumer(ctx, state)
	require.NoError(t, err)
	nums := make([]int64, len(docs))
	tags := make([][]byte, len(docs))
	blobs := make([][]byte, len(docs))
	all, tagged := roaring.New(), roaring.New()
	for i, d := range docs {
		nums[i] = d.num
		blobs[i] = []byte(d.title)
		all.Add(uint32(i))
		if d.tag != "" {
			tags[i] = []byte(d.tag)
			tagged.Add(uint32(i))
		}
	}
	numFI, _ := fis.ByName("num")
	tagFI, _ := fis.ByName("tag")
	blobFI, _ := fis.ByName("blob")
	require.NoError(t, dvc.AddNumericField(numFI, nums, all))
	require.NoError(t, dvc.AddSortedField(tagFI, tags, tagged))
	require.NoError(t, dvc.AddBinaryField(blobFI, blobs, all))
	require.NoError(t, dvc.Finish(ctx))
	require.NoError(t, dvc.Close())

	require.NoError(t, c.FieldInfos.Write(ctx, state, fis))
	require.NoError(t, c.SegmentInfo.Write(ctx, dir, info))

	readInfo, err := c.SegmentInfo.Read(ctx, dir, info.Name, info.ID)
	require.NoError(t, err)
	readFIS, err := c.FieldInfos.Read(ctx, dir, readInfo)
	require.NoError(t, err)
	return &codec.SegmentReadState{Dir: dir, Info: readInfo, FieldInfos: readFIS}
}

func sortedTitles(docs []testDoc) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range docs {
		if !seen[d.title] {
			seen[d.title] = true
			out = append(out, d.title)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

var sampleDocs = []testDoc{
	{title: "alpha", body: []string{"the", "quick", "fox"}, num: 1, tag: "x"},
	{title: "beta", body: []string{"lazy", "dog"}, num: -7},
	{title: "gamma", body: []string{"quick", "quick", "fox"}, num: 1 << 40, tag: "a"},
}

func TestCodecs_RoundTrip(t *testing.T) {
	for _, c := range []*codec.Codec{NewSeg09(), NewSeg10(), NewSeg11()} {
		t.Run(c.Name, func(t *testing.T) {
			ctx := context.Background()
			dir := store.NewDirectory(blobstore.NewMemoryStore())
			state := writeSegment(t, dir, c, sampleDocs)

			assert.Equal(t, c.Name, state.Info.Codec)
			assert.Equal(t, 3, state.Info.MaxDoc)
			assert.Equal(t, model.SourceFlush, state.Info.Diagnostics[model.DiagSource])
			assert.Contains(t, state.Info.Files(), "_0.si")
			assert.Contains(t, state.Info.Files(), "_0.fdt")
			_, hasBloom := indexOf(state.Info.Files(), "_0.blm")
			assert.Equal(t, c.Name == Seg11, hasBloom)

			sr, err := c.StoredFields.FieldsReader(ctx, state)
			require.NoError(t, err)
			defer sr.Close()
			for i, d := range sampleDocs {
				var got []model.StoredField
				require.NoError(t, sr.VisitDocument(i, func(fi *model.FieldInfo, v model.Value) error {
					got = append(got, model.StoredField{Name: fi.Name, Value: v})
					return nil
				}))
				require.Len(t, got, 2)
				assert.Equal(t, model.StringValue(d.title), got[0].Value)
				assert.True(t, model.Int64Value(d.num).Equal(got[1].Value))
			}
			assert.Error(t, sr.VisitDocument(3, func(*model.FieldInfo, model.Value) error { return nil }))

			fp, err := c.Postings.FieldsProducer(ctx, state)
			require.NoError(t, err)
			defer fp.Close()
			assert.Equal(t, []string{"body", "title"}, fp.Fields())

			terms, ok := fp.Terms("body")
			require.True(t, ok)
			te := terms.Iterator()
			require.True(t, te.SeekExact([]byte("quick")))
			assert.Equal(t, 2, te.DocFreq())
			assert.Equal(t, int64(3), te.TotalTermFreq())
			pe, err := te.Postings()
			require.NoError(t, err)

			doc, err := pe.NextDoc()
			require.NoError(t, err)
			assert.Equal(t, 0, doc)
			assert.Equal(t, 1, pe.Freq())
			p, err := pe.NextPosition()
			require.NoError(t, err)
			assert.Equal(t, codec.Position{Pos: 1, StartOffset: 4, EndOffset: 9, Payload: []byte{1}}, p)

			doc, err = pe.NextDoc() // skips nothing left in doc 0
			require.NoError(t, err)
			assert.Equal(t, 2, doc)
			assert.Equal(t, 2, pe.Freq())
			doc, err = pe.NextDoc() // unread positions are skipped
			require.NoError(t, err)
			assert.Equal(t, NoMoreDocs, doc)

			assert.False(t, te.SeekExact([]byte("zebra")))

			titles, ok := fp.Terms("title")
			require.True(t, ok)
			var seen []string
			it := titles.Iterator()
			for it.Next() {
				seen = append(seen, string(it.Term()))
			}
			assert.Equal(t, []string{"alpha", "beta", "gamma"}, seen)

			dv, err := c.DocValues.DocValuesProducer(ctx, state)
			require.NoError(t, err)
			defer dv.Close()
			nv, ok := dv.Numeric("num")
			require.True(t, ok)
			v, ok := nv.Get(2)
			assert.True(t, ok)
			assert.Equal(t, int64(1<<40), v)

			sv, ok := dv.Sorted("tag")
			require.True(t, ok)
			assert.Equal(t, 2, sv.ValueCount())
			ord, ok := sv.Ord(0)
			assert.True(t, ok)
			assert.Equal(t, 1, ord)
			assert.Equal(t, []byte("a"), sv.LookupOrd(0))
			_, ok = sv.Get(1)
			assert.False(t, ok)

			bv, ok := dv.Binary("blob")
			require.True(t, ok)
			b, ok := bv.Get(1)
			assert.True(t, ok)
			assert.Equal(t, []byte("beta"), b)
		})
	}
}

func TestLiveDocs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := store.NewDirectory(blobstore.NewMemoryStore())
	sci := model.NewSegmentCommitInfo(newInfo("_3", 5, Seg11))

	live := roaring.New()
	live.AddRange(0, 5)
	live.Remove(1)
	live.Remove(1) // idempotent

	gen := sci.AdvanceDelGen(5 - int(live.GetCardinality()))
	name, err := LiveDocsFormat{}.Write(ctx, dir, sci, live, gen)
	require.NoError(t, err)
	assert.Equal(t, "_3_1.liv", name)
	assert.Equal(t, name, sci.LiveDocsFile())

	got, err := LiveDocsFormat{}.Read(ctx, dir, sci)
	require.NoError(t, err)
	assert.True(t, got.Equals(live))

	// A stale delete count is detected.
	stale := sci.Clone()
	stale.DelCount = 0
	_, err = LiveDocsFormat{}.Read(ctx, dir, stale)
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestCorruptSegmentFileDetected(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()
	dir := store.NewDirectory(mem)
	state := writeSegment(t, dir, NewSeg11(), sampleDocs)

	for _, ext := range []string{model.ExtStoredData, model.ExtDocs, model.ExtTermDict, model.ExtDocValuesData} {
		t.Run(ext, func(t *testing.T) {
			name := model.SegmentFileName("_0", "", ext)
			orig := readBlob(t, mem, name)
			defer putBlob(t, mem, name, orig)

			corrupt := append([]byte(nil), orig...)
			corrupt[len(corrupt)-store.FooterLength-1] ^= 0xff
			putBlob(t, mem, name, corrupt)

			var err error
			switch ext {
			case model.ExtStoredData:
				_, err = NewSeg11().StoredFields.FieldsReader(ctx, state)
			case model.ExtDocValuesData:
				_, err = NewSeg11().DocValues.DocValuesProducer(ctx, state)
			default:
				_, err = NewSeg11().Postings.FieldsProducer(ctx, state)
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, store.ErrCorrupt), "got %v", err)
		})
	}
}

func TestSegmentInfo_WrongIDRejected(t *testing.T) {
	ctx := context.Background()
	dir := store.NewDirectory(blobstore.NewMemoryStore())
	info := newInfo("_1", 0, Seg10)
	require.NoError(t, SegmentInfoFormat{}.Write(ctx, dir, info))

	_, err := SegmentInfoFormat{}.Read(ctx, dir, "_1", uuid.New())
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestPostings_RejectsUnsortedInput(t *testing.T) {
	ctx := context.Background()
	dir := store.NewDirectory(blobstore.NewMemoryStore())
	fis := testFieldInfos(t)
	state := &codec.SegmentWriteState{Dir: dir, Info: newInfo("_0", 4, Seg09), FieldInfos: fis}

	fc, err := NewSeg09().Postings.FieldsConsumer(ctx, state)
	require.NoError(t, err)
	defer fc.Close()

	title, _ := fis.ByName("title")
	tc, err := fc.StartField(title)
	require.NoError(t, err)
	require.NoError(t, tc.AddTerm([]byte("b"), []codec.Posting{{Doc: 0, Freq: 1}}))
	assert.Error(t, tc.AddTerm([]byte("a"), []codec.Posting{{Doc: 1, Freq: 1}}))
	assert.Error(t, tc.AddTerm([]byte("c"), []codec.Posting{{Doc: 2}, {Doc: 1}}))
	assert.Error(t, tc.AddTerm([]byte("d"), []codec.Posting{{Doc: 4}}))
}

func TestStoredFields_BlockCacheShared(t *testing.T) {
	ctx := context.Background()
	dir := store.NewDirectory(blobstore.NewMemoryStore())
	docs := make([]testDoc, 500)
	for i := range docs {
		docs[i] = testDoc{title: fmt.Sprintf("doc-%04d", i), num: int64(i)}
	}
	state := writeSegment(t, dir, NewSeg11(), docs)
	bc := cache.New(1<<20, nil)
	state.Cache = bc

	sr, err := NewSeg11().StoredFields.FieldsReader(ctx, state)
	require.NoError(t, err)

	for _, doc := range []int{0, 1, 130, 499, 0} {
		var title string
		require.NoError(t, sr.VisitDocument(doc, func(fi *model.FieldInfo, v model.Value) error {
			title = v.Str
			return codec.ErrStopVisit
		}))
		assert.Equal(t, docs[doc].title, title)
	}
	assert.Positive(t, bc.Stats().Hits)
	require.NoError(t, sr.Close())
	assert.Zero(t, bc.Stats().Bytes)
}

func TestStoredFields_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	codecs := []*codec.Codec{NewSeg09(), NewSeg10(), NewSeg11()}
	properties.Property("stored values survive every codec", prop.ForAll(
		func(strs []string, ints []int64, which int) bool {
			c := codecs[which]
			ctx := context.Background()
			dir := store.NewDirectory(blobstore.NewMemoryStore())
			fis := testFieldInfos(t)
			info := newInfo("_0", len(strs), c.Name)
			state := &codec.SegmentWriteState{Dir: dir, Info: info, FieldInfos: fis}
			title, _ := fis.ByName("title")
			num, _ := fis.ByName("num")

			w, err := c.StoredFields.FieldsWriter(ctx, state)
			if err != nil {
				return false
			}
			for i, s := range strs {
				_ = w.StartDocument()
				_ = w.WriteField(title, model.StringValue(s))
				_ = w.WriteField(num, model.Int64Value(ints[i%len(ints)]))
				_ = w.FinishDocument()
			}
			if err := w.Finish(ctx, len(strs)); err != nil {
				return false
			}

			r, err := c.StoredFields.FieldsReader(ctx, &codec.SegmentReadState{Dir: dir, Info: info, FieldInfos: fis})
			if err != nil {
				return false
			}
			defer r.Close()
			for i, s := range strs {
				var got []model.Value
				if err := r.VisitDocument(i, func(_ *model.FieldInfo, v model.Value) error {
					got = append(got, v)
					return nil
				}); err != nil {
					return false
				}
				if len(got) != 2 || got[0].Str != s || got[1].Int != ints[i%len(ints)] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOfN(3, gen.Int64()),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

func indexOf(list []string, s string) (int, bool) {
	for i, v := range list {
		if v == s {
			return i, true
		}
	}
	return -1, false
}

func readBlob(t *testing.T, s blobstore.BlobStore, name string) []byte {
	t.Helper()
	ctx := context.Background()
	b, err := s.Open(ctx, name)
	require.NoError(t, err)
	defer b.Close()
	data, err := blobstore.ReadAll(ctx, b)
	require.NoError(t, err)
	return append([]byte(nil), data...)
}

func putBlob(t *testing.T, s blobstore.BlobStore, name string, data []byte) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), name, data))
}
