package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/internal/cache"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

const noMoreDocs = codec.NoMoreDocs

// segmentCore holds the open format readers of one segment. Readers and
// merges share cores through reference counting.
type segmentCore struct {
	refs atomic.Int32

	info       *model.SegmentInfo
	codec      *codec.Codec
	fieldInfos *model.FieldInfos
	stored     codec.StoredFieldsReader
	fields     codec.FieldsProducer    // nil without indexed fields
	docValues  codec.DocValuesProducer // nil without doc values
}

func openCore(ctx context.Context, dir *store.Directory, reg *codec.Registry, info *model.SegmentInfo, bc cache.BlockCache) (*segmentCore, error) {
	cd, err := reg.ForName(info.Codec)
	if err != nil {
		return nil, err
	}
	fis, err := cd.FieldInfos.Read(ctx, dir, info)
	if err != nil {
		return nil, err
	}

	c := &segmentCore{info: info, codec: cd, fieldInfos: fis}
	c.refs.Store(1)
	state := &codec.SegmentReadState{Dir: dir, Info: info, FieldInfos: fis, Cache: bc}

	if c.stored, err = cd.StoredFields.FieldsReader(ctx, state); err != nil {
		return nil, err
	}
	if fis.HasPostings() {
		if c.fields, err = cd.Postings.FieldsProducer(ctx, state); err != nil {
			_ = c.close()
			return nil, err
		}
	}
	if fis.HasDocValues() {
		if c.docValues, err = cd.DocValues.DocValuesProducer(ctx, state); err != nil {
			_ = c.close()
			return nil, err
		}
	}
	return c, nil
}

func (c *segmentCore) incRef() { c.refs.Add(1) }

func (c *segmentCore) decRef() error {
	if c.refs.Add(-1) == 0 {
		return c.close()
	}
	return nil
}

func (c *segmentCore) close() error {
	var result *multierror.Error
	if c.stored != nil {
		result = multierror.Append(result, c.stored.Close())
	}
	if c.fields != nil {
		result = multierror.Append(result, c.fields.Close())
	}
	if c.docValues != nil {
		result = multierror.Append(result, c.docValues.Close())
	}
	return result.ErrorOrNil()
}

func (c *segmentCore) terms(field string) (codec.Terms, bool) {
	if c.fields == nil {
		return nil, false
	}
	return c.fields.Terms(field)
}

func (c *segmentCore) postings(field string, term []byte) (codec.PostingsEnum, bool, error) {
	terms, ok := c.terms(field)
	if !ok {
		return nil, false, nil
	}
	te := terms.Iterator()
	if !te.SeekExact(term) {
		return nil, false, nil
	}
	pe, err := te.Postings()
	if err != nil {
		return nil, false, err
	}
	return pe, true, nil
}

func (c *segmentCore) checkIntegrity() error {
	var result *multierror.Error
	result = multierror.Append(result, c.stored.CheckIntegrity())
	if c.fields != nil {
		result = multierror.Append(result, c.fields.CheckIntegrity())
	}
	if c.docValues != nil {
		result = multierror.Append(result, c.docValues.CheckIntegrity())
	}
	return result.ErrorOrNil()
}

func (c *segmentCore) document(doc int) ([]model.StoredField, error) {
	if doc < 0 || doc >= c.info.MaxDoc {
		return nil, fmt.Errorf("segment %s: doc %d out of range [0, %d)", c.info.Name, doc, c.info.MaxDoc)
	}
	var out []model.StoredField
	err := c.stored.VisitDocument(doc, func(fi *model.FieldInfo, v model.Value) error {
		out = append(out, model.StoredField{Name: fi.Name, Value: v})
		return nil
	})
	return out, err
}

// SegmentReader is a point-in-time view of one segment.
type SegmentReader struct {
	info *model.SegmentCommitInfo
	core *segmentCore
	live *roaring.Bitmap // nil when nothing is deleted
}

func openSegmentReader(ctx context.Context, dir *store.Directory, reg *codec.Registry, sci *model.SegmentCommitInfo, bc cache.BlockCache) (*SegmentReader, error) {
	core, err := openCore(ctx, dir, reg, sci.Info, bc)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", sci.Info.Name, err)
	}
	r := &SegmentReader{info: sci, core: core}
	if sci.HasDeletions() {
		if r.live, err = core.codec.LiveDocs.Read(ctx, dir, sci); err != nil {
			_ = core.decRef()
			return nil, fmt.Errorf("open segment %s: %w", sci.Info.Name, err)
		}
	}
	return r, nil
}

// Name returns the segment name.
func (r *SegmentReader) Name() string { return r.info.Info.Name }

// Info returns the commit info the reader was opened on.
func (r *SegmentReader) Info() *model.SegmentCommitInfo { return r.info }

// FieldInfos returns the segment's fields.
func (r *SegmentReader) FieldInfos() *model.FieldInfos { return r.core.fieldInfos }

// MaxDoc returns the number of ordinals, deleted or not.
func (r *SegmentReader) MaxDoc() int { return r.info.Info.MaxDoc }

// NumDocs returns the number of live documents.
func (r *SegmentReader) NumDocs() int { return r.info.NumDocs() }

// IsLive reports whether doc is a live ordinal.
func (r *SegmentReader) IsLive(doc int) bool {
	if doc < 0 || doc >= r.MaxDoc() {
		return false
	}
	return r.live == nil || r.live.Contains(uint32(doc))
}

// LiveDocs yields live ordinals in ascending order.
func (r *SegmentReader) LiveDocs() iter.Seq[int] {
	return func(yield func(int) bool) {
		if r.live == nil {
			for doc := range r.MaxDoc() {
				if !yield(doc) {
					return
				}
			}
			return
		}
		it := r.live.Iterator()
		for it.HasNext() {
			if !yield(int(it.Next())) {
				return
			}
		}
	}
}

// Document returns the stored fields of doc.
func (r *SegmentReader) Document(doc int) ([]model.StoredField, error) {
	return r.core.document(doc)
}

// VisitDocument streams the stored fields of doc to visit.
func (r *SegmentReader) VisitDocument(doc int, visit codec.StoredFieldVisitor) error {
	if doc < 0 || doc >= r.MaxDoc() {
		return fmt.Errorf("segment %s: doc %d out of range", r.Name(), doc)
	}
	return r.core.stored.VisitDocument(doc, visit)
}

// Terms returns the term dictionary of field.
func (r *SegmentReader) Terms(field string) (codec.Terms, bool) {
	return r.core.terms(field)
}

// Postings returns the postings of term in field, including deleted
// documents. ok is false when the term does not occur.
func (r *SegmentReader) Postings(field string, term []byte) (pe codec.PostingsEnum, ok bool, err error) {
	return r.core.postings(field, term)
}

// NumericValue returns the numeric doc value of doc.
func (r *SegmentReader) NumericValue(field string, doc int) (int64, bool) {
	if r.core.docValues == nil {
		return 0, false
	}
	dv, ok := r.core.docValues.Numeric(field)
	if !ok {
		return 0, false
	}
	return dv.Get(doc)
}

// BinaryValue returns the binary doc value of doc.
func (r *SegmentReader) BinaryValue(field string, doc int) ([]byte, bool) {
	if r.core.docValues == nil {
		return nil, false
	}
	dv, ok := r.core.docValues.Binary(field)
	if !ok {
		return nil, false
	}
	return dv.Get(doc)
}

// SortedValue returns the sorted doc value of doc and its ordinal in the
// field's value dictionary.
func (r *SegmentReader) SortedValue(field string, doc int) (value []byte, ord int, ok bool) {
	if r.core.docValues == nil {
		return nil, -1, false
	}
	dv, ok := r.core.docValues.Sorted(field)
	if !ok {
		return nil, -1, false
	}
	ord, ok = dv.Ord(doc)
	if !ok {
		return nil, -1, false
	}
	return dv.LookupOrd(ord), ord, true
}

// SortedDocValues returns the sorted doc values of field.
func (r *SegmentReader) SortedDocValues(field string) (codec.SortedDocValues, bool) {
	if r.core.docValues == nil {
		return nil, false
	}
	return r.core.docValues.Sorted(field)
}

// CheckIntegrity re-verifies the checksums of the segment's files.
func (r *SegmentReader) CheckIntegrity() error { return r.core.checkIntegrity() }

// termDocs appends the live ordinals containing term, shifted by base.
func (r *SegmentReader) termDocs(t Term, base int, out []int) ([]int, error) {
	pe, ok, err := r.Postings(t.Field, []byte(t.Text))
	if err != nil || !ok {
		return out, err
	}
	for {
		doc, err := pe.NextDoc()
		if err != nil {
			return out, err
		}
		if doc == noMoreDocs {
			return out, nil
		}
		if r.IsLive(doc) {
			out = append(out, base+doc)
		}
	}
}

func (r *SegmentReader) close() error { return r.core.decRef() }

// DirectoryReader is a point-in-time view of one commit. It holds file
// references until closed, so the commit stays readable after the writer
// moves on.
type DirectoryReader struct {
	dir    *store.Directory
	commit *CommitPoint
	leaves []*SegmentReader
	starts []int
	maxDoc int
	cache  cache.BlockCache

	closeOnce sync.Once
	closed    atomic.Bool
}

// OpenReader opens the current commit of dir.
func OpenReader(ctx context.Context, dir *store.Directory, opts ...Option) (*DirectoryReader, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	reg, logger := cfg.registry(), cfg.logger()

	var lastErr error
	for range 3 {
		commit, err := readLatestCommit(ctx, dir, reg, logger)
		if err != nil {
			return nil, err
		}
		r, err := openDirectoryReader(ctx, dir, commit, &cfg)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return nil, err
		}
		// The writer retired the commit while it was being opened.
		lastErr = err
	}
	return nil, lastErr
}

// OpenReaderAt opens a specific commit, typically one returned by ListCommits.
func OpenReaderAt(ctx context.Context, dir *store.Directory, commit *CommitPoint, opts ...Option) (*DirectoryReader, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return openDirectoryReader(ctx, dir, commit, &cfg)
}

func openDirectoryReader(ctx context.Context, dir *store.Directory, commit *CommitPoint, cfg *Config) (*DirectoryReader, error) {
	dir.Refs().IncRef(commit.Files()...)

	r := &DirectoryReader{dir: dir, commit: commit}
	if cfg.BlockCacheBytes > 0 {
		r.cache = cache.New(cfg.BlockCacheBytes, nil)
	}
	for _, sci := range commit.Segments {
		sr, err := openSegmentReader(ctx, dir, cfg.registry(), sci, r.cache)
		if err != nil {
			_ = r.Close(ctx)
			return nil, err
		}
		r.starts = append(r.starts, r.maxDoc)
		r.leaves = append(r.leaves, sr)
		r.maxDoc += sr.MaxDoc()
	}
	cfg.logger().DebugContext(ctx, "opened reader", "generation", commit.Generation, "segments", len(r.leaves))
	return r, nil
}

// Commit returns the commit the reader sees.
func (r *DirectoryReader) Commit() *CommitPoint { return r.commit }

// Leaves returns the segment readers in index order.
func (r *DirectoryReader) Leaves() []*SegmentReader { return r.leaves }

// MaxDoc returns the number of global ordinals.
func (r *DirectoryReader) MaxDoc() int { return r.maxDoc }

// NumDocs returns the number of live documents.
func (r *DirectoryReader) NumDocs() int {
	n := 0
	for _, l := range r.leaves {
		n += l.NumDocs()
	}
	return n
}

func (r *DirectoryReader) leaf(doc int) (*SegmentReader, int, error) {
	if doc < 0 || doc >= r.maxDoc {
		return nil, 0, fmt.Errorf("index: doc %d out of range [0, %d)", doc, r.maxDoc)
	}
	i := sort.SearchInts(r.starts, doc+1) - 1
	return r.leaves[i], doc - r.starts[i], nil
}

// IsLive reports whether the global ordinal doc is live.
func (r *DirectoryReader) IsLive(doc int) bool {
	l, local, err := r.leaf(doc)
	return err == nil && l.IsLive(local)
}

// LiveDocs yields live global ordinals in ascending order.
func (r *DirectoryReader) LiveDocs() iter.Seq[int] {
	return func(yield func(int) bool) {
		for i, l := range r.leaves {
			for doc := range l.LiveDocs() {
				if !yield(r.starts[i] + doc) {
					return
				}
			}
		}
	}
}

// Document returns the stored fields of the global ordinal doc.
func (r *DirectoryReader) Document(doc int) ([]model.StoredField, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	l, local, err := r.leaf(doc)
	if err != nil {
		return nil, err
	}
	return l.Document(local)
}

// TermDocs returns the live global ordinals that contain t, ascending.
func (r *DirectoryReader) TermDocs(t Term) ([]int, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var (
		out []int
		err error
	)
	for i, l := range r.leaves {
		if out, err = l.termDocs(t, r.starts[i], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Matching returns the live global ordinals selected by c, ascending and
// without duplicates.
func (r *DirectoryReader) Matching(c Criterion) ([]int, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var out []int
	for i, l := range r.leaves {
		hits := roaring.New()
		if err := c.collect(l.core, func(doc int) {
			if l.IsLive(doc) {
				hits.Add(uint32(doc))
			}
		}); err != nil {
			return nil, err
		}
		it := hits.Iterator()
		for it.HasNext() {
			out = append(out, r.starts[i]+int(it.Next()))
		}
	}
	return out, nil
}

// DocFreq returns the number of live documents that contain t.
func (r *DirectoryReader) DocFreq(t Term) (int, error) {
	docs, err := r.TermDocs(t)
	return len(docs), err
}

// Close closes the segment readers and releases the commit's files.
func (r *DirectoryReader) Close(ctx context.Context) error {
	var result *multierror.Error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		for _, l := range r.leaves {
			result = multierror.Append(result, l.close())
		}
		if r.cache != nil {
			result = multierror.Append(result, r.cache.Close())
		}
		result = multierror.Append(result, r.dir.Refs().DecRef(ctx, r.commit.Files()...))
	})
	return result.ErrorOrNil()
}
