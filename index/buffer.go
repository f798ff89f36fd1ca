package index

import (
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/document"
	"github.com/hupe1980/segidx/model"
)

// bufferedDoc is an analyzed document waiting for a flush.
type bufferedDoc struct {
	stored []model.StoredField
	// terms maps field -> term -> positions of the term in this document.
	terms map[string]map[string][]codec.Position
	dv    map[string]model.Value
	bytes int64
}

// hasTerm reports whether the document indexed term in field.
func (d *bufferedDoc) hasTerm(field, term string) bool {
	_, ok := d.terms[field][term]
	return ok
}

type fieldUse struct {
	name     string
	opts     model.IndexOptions
	dv       model.DocValuesType
	payloads bool
}

// analyze validates doc and inverts its indexed fields. It does not touch
// any field registry.
func analyze(doc *document.Document, analyzer document.Analyzer) (*bufferedDoc, []fieldUse, error) {
	if err := doc.Validate(); err != nil {
		return nil, nil, err
	}

	bd := &bufferedDoc{bytes: int64(doc.ApproxBytes())}
	uses := make(map[string]*fieldUse)
	var order []string
	use := func(f *document.Field) *fieldUse {
		u, ok := uses[f.Name]
		if !ok {
			u = &fieldUse{name: f.Name}
			uses[f.Name] = u
			order = append(order, f.Name)
		}
		return u
	}

	type cursor struct{ nextPos, offsetBase int }
	cursors := make(map[string]*cursor)

	for i := range doc.Fields {
		f := &doc.Fields[i]
		u := use(f)
		t := f.Type

		if t.Stored {
			bd.stored = append(bd.stored, model.StoredField{Name: f.Name, Value: f.Value})
		}

		if t.DocValues != model.DocValuesNone {
			if u.dv != model.DocValuesNone {
				return nil, nil, fmt.Errorf("field %q: doc values set twice in one document", f.Name)
			}
			u.dv = t.DocValues
			if bd.dv == nil {
				bd.dv = make(map[string]model.Value)
			}
			v := f.Value
			if t.DocValues != model.DocValuesNumeric {
				v = model.BytesValue(f.DocValueBytes())
			}
			bd.dv[f.Name] = v
		}

		if !t.IndexOptions.IsIndexed() {
			continue
		}
		if u.opts.IsIndexed() && u.opts != t.IndexOptions {
			return nil, nil, fmt.Errorf("field %q: conflicting index options %s and %s in one document", f.Name, u.opts, t.IndexOptions)
		}
		u.opts = t.IndexOptions
		u.payloads = u.payloads || f.HasPayloads()

		tokens := f.Tokens
		if tokens == nil {
			if t.Tokenized {
				tokens = analyzer.Analyze(f.Name, f.Value.Str)
			} else {
				tokens = document.KeywordAnalyzer{}.Analyze(f.Name, f.Value.Str)
			}
		}

		c, ok := cursors[f.Name]
		if !ok {
			c = &cursor{}
			cursors[f.Name] = c
		}
		if bd.terms == nil {
			bd.terms = make(map[string]map[string][]codec.Position)
		}
		byTerm := bd.terms[f.Name]
		if byTerm == nil {
			byTerm = make(map[string][]codec.Position)
			bd.terms[f.Name] = byTerm
		}

		lastPos, lastEnd := -1, 0
		for _, tok := range tokens {
			p := codec.Position{
				Pos:         c.nextPos + tok.Position,
				StartOffset: c.offsetBase + tok.StartOffset,
				EndOffset:   c.offsetBase + tok.EndOffset,
				Payload:     tok.Payload,
			}
			if tok.Position < 0 || tok.StartOffset < 0 || tok.EndOffset < tok.StartOffset {
				return nil, nil, fmt.Errorf("field %q: token %q has an invalid position or offsets", f.Name, tok.Term)
			}
			byTerm[tok.Term] = append(byTerm[tok.Term], p)
			lastPos = max(lastPos, p.Pos)
			lastEnd = max(lastEnd, p.EndOffset)
		}
		c.nextPos = lastPos + 1
		c.offsetBase = max(lastEnd, c.offsetBase+len(f.Value.Str)) + 1
	}

	out := make([]fieldUse, 0, len(order))
	for _, name := range order {
		out = append(out, *uses[name])
	}
	return bd, out, nil
}

// docBuffer holds the documents of the segment being built.
type docBuffer struct {
	fields *model.FieldInfosBuilder
	docs   []*bufferedDoc
	bytes  int64
}

func newDocBuffer() *docBuffer {
	return &docBuffer{fields: model.NewFieldInfosBuilder()}
}

func (b *docBuffer) len() int { return len(b.docs) }

func (b *docBuffer) add(d *bufferedDoc, uses []fieldUse) error {
	for _, u := range uses {
		if _, err := b.fields.Add(u.name, u.opts, u.dv, u.payloads); err != nil {
			return err
		}
	}
	b.docs = append(b.docs, d)
	b.bytes += d.bytes
	return nil
}

// remove drops every buffered document matching match and returns the count.
func (b *docBuffer) remove(match func(*bufferedDoc) bool) int {
	kept := b.docs[:0]
	removed := 0
	for _, d := range b.docs {
		if match(d) {
			removed++
			b.bytes -= d.bytes
			continue
		}
		kept = append(kept, d)
	}
	clear(b.docs[len(kept):])
	b.docs = kept
	return removed
}

// bufferSource adapts a docBuffer to segmentSource.
type bufferSource struct {
	docs   []*bufferedDoc
	fields *model.FieldInfos
}

func (s *bufferSource) numDocs() int { return len(s.docs) }

func (s *bufferSource) storedFields(doc int, fn func(string, model.Value) error) error {
	for _, sf := range s.docs[doc].stored {
		if err := fn(sf.Name, sf.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *bufferSource) terms(fi *model.FieldInfo, fn func([]byte, []codec.Posting) error) error {
	inverted := make(map[string][]codec.Posting)
	for doc, d := range s.docs {
		for term, positions := range d.terms[fi.Name] {
			inverted[term] = append(inverted[term], newPosting(fi, doc, positions))
		}
	}

	terms := make([]string, 0, len(inverted))
	for term := range inverted {
		terms = append(terms, term)
	}
	slices.Sort(terms)
	for _, term := range terms {
		if err := fn([]byte(term), inverted[term]); err != nil {
			return err
		}
	}
	return nil
}

// newPosting trims positions to what the field's index options record.
func newPosting(fi *model.FieldInfo, doc int, positions []codec.Position) codec.Posting {
	p := codec.Posting{Doc: doc, Freq: len(positions)}
	opts := fi.IndexOptions
	if !opts.HasFreqs() {
		p.Freq = 1
	}
	if !opts.HasPositions() {
		return p
	}
	p.Positions = make([]codec.Position, len(positions))
	for i, pos := range positions {
		out := codec.Position{Pos: pos.Pos}
		if opts.HasOffsets() {
			out.StartOffset, out.EndOffset = pos.StartOffset, pos.EndOffset
		}
		if fi.StorePayloads {
			out.Payload = pos.Payload
		}
		p.Positions[i] = out
	}
	slices.SortStableFunc(p.Positions, func(a, b codec.Position) int { return a.Pos - b.Pos })
	return p
}

func (s *bufferSource) numericValues(fi *model.FieldInfo) ([]int64, *roaring.Bitmap, error) {
	values := make([]int64, len(s.docs))
	docs := roaring.New()
	for doc, d := range s.docs {
		if v, ok := d.dv[fi.Name]; ok {
			values[doc] = v.Int
			docs.Add(uint32(doc))
		}
	}
	return values, docs, nil
}

func (s *bufferSource) bytesValues(fi *model.FieldInfo) ([][]byte, *roaring.Bitmap, error) {
	values := make([][]byte, len(s.docs))
	docs := roaring.New()
	for doc, d := range s.docs {
		if v, ok := d.dv[fi.Name]; ok {
			values[doc] = v.Bytes
			docs.Add(uint32(doc))
		}
	}
	return values, docs, nil
}
