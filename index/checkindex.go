package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

// SegmentCheck is the result of checking one segment.
type SegmentCheck struct {
	Name    string
	Codec   string
	MaxDoc  int
	NumDocs int
	Files   int
	Fields  int
	Terms   int64
	// Postings counts (term, document) pairs.
	Postings     int64
	StoredFields int64
	DocValues    int
	Err          error
}

// CheckIndexStatus is the result of CheckIndex.
type CheckIndexStatus struct {
	Generation int64
	Segments   []SegmentCheck
	NumDocs    int
	MaxDoc     int
	Duration   time.Duration
	// Err is set when the commit itself could not be read.
	Err error
}

// Clean reports whether no problem was found.
func (s *CheckIndexStatus) Clean() bool {
	if s.Err != nil {
		return false
	}
	for _, seg := range s.Segments {
		if seg.Err != nil {
			return false
		}
	}
	return true
}

// Corrupt returns the segments that failed their check.
func (s *CheckIndexStatus) Corrupt() []SegmentCheck {
	var out []SegmentCheck
	for _, seg := range s.Segments {
		if seg.Err != nil {
			out = append(out, seg)
		}
	}
	return out
}

// CheckIndex verifies the current commit of dir: every file checksum, the
// stored fields of every document, every postings list, doc values and live
// docs. Problems are reported per segment in the status; the returned error
// is only set when the check could not run at all. CheckIndex never
// modifies the index.
func CheckIndex(ctx context.Context, dir *store.Directory, opts ...Option) (*CheckIndexStatus, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	start := time.Now()
	status := &CheckIndexStatus{}

	commit, err := readLatestCommit(ctx, dir, cfg.registry(), cfg.logger())
	if err != nil {
		if errors.Is(err, ErrNoCommit) {
			return nil, err
		}
		status.Err = err
		status.Duration = time.Since(start)
		return status, nil
	}
	status.Generation = commit.Generation

	for _, sci := range commit.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sc := checkSegment(ctx, dir, cfg.registry(), sci)
		if sc.Err != nil {
			cfg.logger().WarnContext(ctx, "segment check failed", "segment", sc.Name, "error", sc.Err)
		}
		status.NumDocs += sc.NumDocs
		status.MaxDoc += sc.MaxDoc
		status.Segments = append(status.Segments, sc)
	}
	status.Duration = time.Since(start)
	return status, nil
}

func checkSegment(ctx context.Context, dir *store.Directory, reg *codec.Registry, sci *model.SegmentCommitInfo) SegmentCheck {
	sc := SegmentCheck{
		Name:   sci.Info.Name,
		Codec:  sci.Info.Codec,
		MaxDoc: sci.Info.MaxDoc,
		Files:  len(sci.Files()),
	}

	// OpenInput verifies the whole-file checksum of every file.
	for _, f := range sci.Files() {
		in, err := dir.OpenInput(ctx, f)
		if err != nil {
			sc.Err = err
			return sc
		}
		_ = in.Close()
	}

	r, err := openSegmentReader(ctx, dir, reg, sci, nil)
	if err != nil {
		sc.Err = err
		return sc
	}
	defer r.close()

	sc.Fields = r.FieldInfos().Len()
	sc.Err = checkLiveDocs(r, sci, &sc)
	if sc.Err == nil {
		sc.Err = checkStoredFields(r, &sc)
	}
	if sc.Err == nil {
		sc.Err = checkPostings(r, &sc)
	}
	if sc.Err == nil {
		sc.Err = checkDocValues(r, &sc)
	}
	if sc.Err != nil {
		sc.Err = fmt.Errorf("segment %s: %w", sc.Name, sc.Err)
	}
	return sc
}

func checkLiveDocs(r *SegmentReader, sci *model.SegmentCommitInfo, sc *SegmentCheck) error {
	n := 0
	for range r.LiveDocs() {
		n++
	}
	if want := sci.NumDocs(); n != want {
		return store.Corruptf(sci.LiveDocsFile(), "%d live docs, commit says %d", n, want)
	}
	sc.NumDocs = n
	return nil
}

func checkStoredFields(r *SegmentReader, sc *SegmentCheck) error {
	for doc := range r.MaxDoc() {
		err := r.VisitDocument(doc, func(fi *model.FieldInfo, _ model.Value) error {
			sc.StoredFields++
			return nil
		})
		if err != nil {
			return fmt.Errorf("stored fields of doc %d: %w", doc, err)
		}
	}
	return nil
}

func checkPostings(r *SegmentReader, sc *SegmentCheck) error {
	for _, fi := range r.FieldInfos().All() {
		if !fi.IndexOptions.IsIndexed() {
			continue
		}
		terms, ok := r.Terms(fi.Name)
		if !ok {
			continue
		}
		var (
			prev   []byte
			seen   int
			sumDoc int64
		)
		te := terms.Iterator()
		for te.Next() {
			term := te.Term()
			if seen > 0 && bytes.Compare(prev, term) >= 0 {
				return fmt.Errorf("field %q: terms out of order at %q", fi.Name, term)
			}
			prev = append(prev[:0], term...)
			seen++

			n, err := checkTermPostings(r, fi, te)
			if err != nil {
				return fmt.Errorf("field %q term %q: %w", fi.Name, term, err)
			}
			if n != te.DocFreq() {
				return fmt.Errorf("field %q term %q: %d postings, doc freq %d", fi.Name, term, n, te.DocFreq())
			}
			sumDoc += int64(n)
			sc.Postings += int64(n)
		}
		if seen != terms.Size() {
			return fmt.Errorf("field %q: %d terms, dictionary says %d", fi.Name, seen, terms.Size())
		}
		if sumDoc != terms.SumDocFreq() {
			return fmt.Errorf("field %q: sum doc freq %d, dictionary says %d", fi.Name, sumDoc, terms.SumDocFreq())
		}
		sc.Terms += int64(seen)
	}
	return nil
}

func checkTermPostings(r *SegmentReader, fi *model.FieldInfo, te codec.TermsEnum) (int, error) {
	pe, err := te.Postings()
	if err != nil {
		return 0, err
	}
	n, last := 0, -1
	for {
		doc, err := pe.NextDoc()
		if err != nil {
			return n, err
		}
		if doc == noMoreDocs {
			return n, nil
		}
		if doc <= last || doc >= r.MaxDoc() {
			return n, fmt.Errorf("doc %d out of order or range (last %d, max %d)", doc, last, r.MaxDoc())
		}
		last = doc
		n++

		freq := pe.Freq()
		if freq < 1 {
			return n, fmt.Errorf("doc %d: freq %d", doc, freq)
		}
		if !fi.IndexOptions.HasPositions() {
			continue
		}
		lastPos := -1
		for range freq {
			p, err := pe.NextPosition()
			if err != nil {
				return n, err
			}
			if p.Pos < lastPos {
				return n, fmt.Errorf("doc %d: position %d after %d", doc, p.Pos, lastPos)
			}
			lastPos = p.Pos
		}
	}
}

func checkDocValues(r *SegmentReader, sc *SegmentCheck) error {
	dvp := r.core.docValues
	if dvp == nil {
		return nil
	}
	for _, fi := range r.FieldInfos().All() {
		var with *roaring.Bitmap
		switch fi.DocValues {
		case model.DocValuesNone:
			continue
		case model.DocValuesNumeric:
			dv, ok := dvp.Numeric(fi.Name)
			if !ok {
				return fmt.Errorf("field %q: missing numeric doc values", fi.Name)
			}
			with = dv.DocsWithField()
		case model.DocValuesBinary:
			dv, ok := dvp.Binary(fi.Name)
			if !ok {
				return fmt.Errorf("field %q: missing binary doc values", fi.Name)
			}
			with = dv.DocsWithField()
		case model.DocValuesSorted:
			dv, ok := dvp.Sorted(fi.Name)
			if !ok {
				return fmt.Errorf("field %q: missing sorted doc values", fi.Name)
			}
			with = dv.DocsWithField()
			for ord := 1; ord < dv.ValueCount(); ord++ {
				if bytes.Compare(dv.LookupOrd(ord-1), dv.LookupOrd(ord)) >= 0 {
					return fmt.Errorf("field %q: sorted values out of order at ord %d", fi.Name, ord)
				}
			}
			it := with.Iterator()
			for it.HasNext() {
				doc := int(it.Next())
				if ord, ok := dv.Ord(doc); !ok || ord < 0 || ord >= dv.ValueCount() {
					return fmt.Errorf("field %q: doc %d has bad ord %d", fi.Name, doc, ord)
				}
			}
		}
		if !with.IsEmpty() && int(with.Maximum()) >= r.MaxDoc() {
			return fmt.Errorf("field %q: doc %d out of range [0, %d)", fi.Name, with.Maximum(), r.MaxDoc())
		}
		sc.DocValues++
	}
	return nil
}
