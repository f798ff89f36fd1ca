package index

import (
	"bytes"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/model"
)

// mergeSource concatenates the live documents of several segments in input
// order. docMaps[i][old] is the new ordinal of input i's document old, or -1.
type mergeSource struct {
	cores   []*segmentCore
	docMaps [][]int
	fields  *model.FieldInfos
	total   int

	// origin[new] locates the source of every output document.
	originSeg []int32
	originDoc []int32
}

// buildDocMaps renumbers the documents live in lives densely.
func buildDocMaps(lives []*LiveDocs) ([][]int, int) {
	maps := make([][]int, len(lives))
	next := 0
	for i, live := range lives {
		dm := make([]int, live.MaxDoc())
		for doc := range dm {
			if live.IsLive(doc) {
				dm[doc] = next
				next++
			} else {
				dm[doc] = -1
			}
		}
		maps[i] = dm
	}
	return maps, next
}

func newMergeSource(cores []*segmentCore, docMaps [][]int, total int, fields *model.FieldInfos) *mergeSource {
	s := &mergeSource{
		cores:     cores,
		docMaps:   docMaps,
		fields:    fields,
		total:     total,
		originSeg: make([]int32, total),
		originDoc: make([]int32, total),
	}
	for i, dm := range docMaps {
		for old, nd := range dm {
			if nd >= 0 {
				s.originSeg[nd] = int32(i)
				s.originDoc[nd] = int32(old)
			}
		}
	}
	return s
}

// mergeFieldInfos unions the fields of all inputs.
func mergeFieldInfos(cores []*segmentCore) (*model.FieldInfos, error) {
	b := model.NewFieldInfosBuilder()
	for _, c := range cores {
		for _, fi := range c.fieldInfos.All() {
			if _, err := b.AddInfo(fi); err != nil {
				return nil, err
			}
		}
	}
	return b.Finish(), nil
}

func (s *mergeSource) numDocs() int { return s.total }

func (s *mergeSource) storedFields(doc int, fn func(string, model.Value) error) error {
	core := s.cores[s.originSeg[doc]]
	return core.stored.VisitDocument(int(s.originDoc[doc]), func(fi *model.FieldInfo, v model.Value) error {
		return fn(fi.Name, v)
	})
}

func (s *mergeSource) terms(fi *model.FieldInfo, fn func([]byte, []codec.Posting) error) error {
	type input struct {
		idx   int
		terms codec.Terms
		opts  model.IndexOptions
	}
	var inputs []input
	var all [][]byte
	for i, c := range s.cores {
		src, ok := c.fieldInfos.ByName(fi.Name)
		if !ok || !src.IndexOptions.IsIndexed() {
			continue
		}
		terms, ok := c.terms(fi.Name)
		if !ok {
			continue
		}
		inputs = append(inputs, input{idx: i, terms: terms, opts: src.IndexOptions})
		te := terms.Iterator()
		for te.Next() {
			all = append(all, bytes.Clone(te.Term()))
		}
	}
	slices.SortFunc(all, bytes.Compare)
	all = slices.CompactFunc(all, bytes.Equal)

	for _, term := range all {
		var postings []codec.Posting
		for _, in := range inputs {
			te := in.terms.Iterator()
			if !te.SeekExact(term) {
				continue
			}
			pe, err := te.Postings()
			if err != nil {
				return err
			}
			if postings, err = s.appendPostings(postings, fi, in.opts, pe, s.docMaps[in.idx]); err != nil {
				return err
			}
		}
		if len(postings) == 0 {
			continue
		}
		if err := fn(term, postings); err != nil {
			return err
		}
	}
	return nil
}

func (s *mergeSource) appendPostings(out []codec.Posting, fi *model.FieldInfo, srcOpts model.IndexOptions, pe codec.PostingsEnum, docMap []int) ([]codec.Posting, error) {
	for {
		doc, err := pe.NextDoc()
		if err != nil {
			return out, err
		}
		if doc == noMoreDocs {
			return out, nil
		}
		nd := docMap[doc]
		if nd < 0 {
			continue
		}
		p := codec.Posting{Doc: nd, Freq: pe.Freq()}
		if fi.IndexOptions.HasPositions() && srcOpts.HasPositions() {
			p.Positions = make([]codec.Position, p.Freq)
			for i := range p.Freq {
				pos, err := pe.NextPosition()
				if err != nil {
					return out, err
				}
				if !fi.StorePayloads {
					pos.Payload = nil
				} else {
					pos.Payload = bytes.Clone(pos.Payload)
				}
				p.Positions[i] = pos
			}
		}
		out = append(out, p)
	}
}

func (s *mergeSource) numericValues(fi *model.FieldInfo) ([]int64, *roaring.Bitmap, error) {
	values := make([]int64, s.total)
	docs := roaring.New()
	for i, c := range s.cores {
		if c.docValues == nil {
			continue
		}
		dv, ok := c.docValues.Numeric(fi.Name)
		if !ok {
			continue
		}
		it := dv.DocsWithField().Iterator()
		for it.HasNext() {
			old := int(it.Next())
			nd := s.docMaps[i][old]
			if nd < 0 {
				continue
			}
			v, _ := dv.Get(old)
			values[nd] = v
			docs.Add(uint32(nd))
		}
	}
	return values, docs, nil
}

func (s *mergeSource) bytesValues(fi *model.FieldInfo) ([][]byte, *roaring.Bitmap, error) {
	values := make([][]byte, s.total)
	docs := roaring.New()
	for i, c := range s.cores {
		if c.docValues == nil {
			continue
		}
		var (
			get  func(int) ([]byte, bool)
			with *roaring.Bitmap
		)
		if fi.DocValues == model.DocValuesSorted {
			dv, ok := c.docValues.Sorted(fi.Name)
			if !ok {
				continue
			}
			get, with = dv.Get, dv.DocsWithField()
		} else {
			dv, ok := c.docValues.Binary(fi.Name)
			if !ok {
				continue
			}
			get, with = dv.Get, dv.DocsWithField()
		}
		it := with.Iterator()
		for it.HasNext() {
			old := int(it.Next())
			nd := s.docMaps[i][old]
			if nd < 0 {
				continue
			}
			v, _ := get(old)
			values[nd] = bytes.Clone(v)
			docs.Add(uint32(nd))
		}
	}
	return values, docs, nil
}
