package seg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

const (
	docValuesFormatName = "SegDocValues"
	docValuesVersion    = 1
)

// DocValuesFormat writes per-field column data (.dvd) described by a metadata
// file (.dvm). Documents without a value are tracked in a roaring bitmap.
type DocValuesFormat struct{}

// DocValuesConsumer implements codec.DocValuesFormat.
func (DocValuesFormat) DocValuesConsumer(ctx context.Context, state *codec.SegmentWriteState) (codec.DocValuesConsumer, error) {
	meta, err := state.CreateOutput(ctx, model.ExtDocValuesMeta)
	if err != nil {
		return nil, err
	}
	data, err := state.CreateOutput(ctx, model.ExtDocValuesData)
	if err != nil {
		_ = meta.Abort()
		return nil, err
	}
	header := state.Header(docValuesFormatName, docValuesVersion)
	store.WriteHeader(meta, header)
	store.WriteHeader(data, header)
	return &docValuesConsumer{meta: meta, data: data, maxDoc: state.Info.MaxDoc}, nil
}

// DocValuesProducer implements codec.DocValuesFormat.
func (DocValuesFormat) DocValuesProducer(ctx context.Context, state *codec.SegmentReadState) (codec.DocValuesProducer, error) {
	meta, err := state.OpenInput(ctx, model.ExtDocValuesMeta)
	if err != nil {
		return nil, err
	}
	defer meta.Close()
	if _, err := store.CheckHeader(meta, docValuesFormatName, docValuesVersion, docValuesVersion, state.Info.ID[:], ""); err != nil {
		return nil, err
	}

	data, err := state.OpenInput(ctx, model.ExtDocValuesData)
	if err != nil {
		return nil, err
	}
	p := &docValuesProducer{
		data:    data,
		numeric: make(map[string]*numericValues),
		binary:  make(map[string]*binaryValues),
		sorted:  make(map[string]*sortedValues),
	}
	if _, err := store.CheckHeader(data, docValuesFormatName, docValuesVersion, docValuesVersion, state.Info.ID[:], ""); err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := p.load(meta, state); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

type docValuesConsumer struct {
	meta, data *store.IndexOutput
	maxDoc     int

	entries  []dvEntry
	finished bool
}

type dvEntry struct {
	number int
	typ    model.DocValuesType
	docs   []byte
	offset int64
	length int64
}

func (c *docValuesConsumer) begin(fi *model.FieldInfo, typ model.DocValuesType, n int, docs *roaring.Bitmap) (int64, []byte, error) {
	if fi.DocValues != typ {
		return 0, nil, fmt.Errorf("doc values: field %q has type %s, not %s", fi.Name, fi.DocValues, typ)
	}
	if n != c.maxDoc {
		return 0, nil, fmt.Errorf("doc values: field %q has %d values for %d docs", fi.Name, n, c.maxDoc)
	}
	if !docs.IsEmpty() && int(docs.Maximum()) >= c.maxDoc {
		return 0, nil, fmt.Errorf("doc values: field %q: doc %d out of range", fi.Name, docs.Maximum())
	}
	raw, err := docs.ToBytes()
	if err != nil {
		return 0, nil, err
	}
	return c.data.FilePointer(), raw, nil
}

func (c *docValuesConsumer) end(fi *model.FieldInfo, typ model.DocValuesType, start int64, docs []byte) error {
	c.entries = append(c.entries, dvEntry{
		number: fi.Number,
		typ:    typ,
		docs:   docs,
		offset: start,
		length: c.data.FilePointer() - start,
	})
	return c.data.Err()
}

func (c *docValuesConsumer) AddNumericField(fi *model.FieldInfo, values []int64, docs *roaring.Bitmap) error {
	start, raw, err := c.begin(fi, model.DocValuesNumeric, len(values), docs)
	if err != nil {
		return err
	}
	it := docs.Iterator()
	for it.HasNext() {
		c.data.WriteVarint(values[it.Next()])
	}
	return c.end(fi, model.DocValuesNumeric, start, raw)
}

func (c *docValuesConsumer) AddBinaryField(fi *model.FieldInfo, values [][]byte, docs *roaring.Bitmap) error {
	start, raw, err := c.begin(fi, model.DocValuesBinary, len(values), docs)
	if err != nil {
		return err
	}
	it := docs.Iterator()
	for it.HasNext() {
		c.data.WriteLenBytes(values[it.Next()])
	}
	return c.end(fi, model.DocValuesBinary, start, raw)
}

func (c *docValuesConsumer) AddSortedField(fi *model.FieldInfo, values [][]byte, docs *roaring.Bitmap) error {
	start, raw, err := c.begin(fi, model.DocValuesSorted, len(values), docs)
	if err != nil {
		return err
	}

	var dict [][]byte
	it := docs.Iterator()
	for it.HasNext() {
		dict = append(dict, values[it.Next()])
	}
	sort.Slice(dict, func(i, j int) bool { return bytes.Compare(dict[i], dict[j]) < 0 })
	uniq := dict[:0]
	for i, v := range dict {
		if i == 0 || !bytes.Equal(v, uniq[len(uniq)-1]) {
			uniq = append(uniq, v)
		}
	}

	c.data.WriteUvarint(uint64(len(uniq)))
	for _, v := range uniq {
		c.data.WriteLenBytes(v)
	}
	it = docs.Iterator()
	for it.HasNext() {
		v := values[it.Next()]
		ord := sort.Search(len(uniq), func(i int) bool { return bytes.Compare(uniq[i], v) >= 0 })
		c.data.WriteUvarint(uint64(ord))
	}
	return c.end(fi, model.DocValuesSorted, start, raw)
}

func (c *docValuesConsumer) Finish(_ context.Context) error {
	c.meta.WriteUvarint(uint64(len(c.entries)))
	for _, e := range c.entries {
		c.meta.WriteUvarint(uint64(e.number))
		_ = c.meta.WriteByte(byte(e.typ))
		c.meta.WriteLenBytes(e.docs)
		c.meta.WriteUvarint(uint64(e.offset))
		c.meta.WriteUvarint(uint64(e.length))
	}
	for _, out := range []*store.IndexOutput{c.meta, c.data} {
		if err := store.WriteFooter(out); err != nil {
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	c.finished = true
	return nil
}

func (c *docValuesConsumer) Close() error {
	if c.finished {
		return nil
	}
	return errors.Join(c.meta.Abort(), c.data.Abort())
}

type docValuesProducer struct {
	data    *store.IndexInput
	numeric map[string]*numericValues
	binary  map[string]*binaryValues
	sorted  map[string]*sortedValues
}

func (p *docValuesProducer) load(meta *store.IndexInput, state *codec.SegmentReadState) error {
	n := meta.ReadInt(state.FieldInfos.Len())
	for range n {
		num := meta.ReadInt(math.MaxInt32)
		typ, _ := meta.ReadByte()
		rawDocs := meta.ReadLenBytes()
		offset := meta.ReadInt(p.data.ContentLen())
		length := meta.ReadInt(p.data.ContentLen())
		if err := meta.Err(); err != nil {
			return err
		}

		fi, ok := state.FieldInfos.ByNumber(num)
		if !ok || fi.DocValues != model.DocValuesType(typ) {
			return store.Corruptf(meta.Name(), "doc values for unknown field %d or wrong type %d", num, typ)
		}
		docs := roaring.New()
		if err := docs.UnmarshalBinary(rawDocs); err != nil {
			return &store.CorruptionError{Resource: meta.Name(), Reason: "decode docs with field", Err: err}
		}
		if !docs.IsEmpty() && int(docs.Maximum()) >= state.Info.MaxDoc {
			return store.Corruptf(meta.Name(), "field %q: doc %d out of range", fi.Name, docs.Maximum())
		}

		if offset+length > p.data.ContentLen() {
			return store.Corruptf(p.data.Name(), "field %q: data [%d,%d) past end", fi.Name, offset, offset+length)
		}
		in := p.data.Slice(offset, length)

		var err error
		switch fi.DocValues {
		case model.DocValuesNumeric:
			err = p.loadNumeric(fi, in, docs)
		case model.DocValuesBinary:
			err = p.loadBinary(fi, in, docs)
		case model.DocValuesSorted:
			err = p.loadSorted(fi, in, docs)
		}
		if err != nil {
			return err
		}
	}
	return meta.Err()
}

func (p *docValuesProducer) loadNumeric(fi *model.FieldInfo, in *store.IndexInput, docs *roaring.Bitmap) error {
	nv := &numericValues{docs: docs, values: make(map[uint32]int64, docs.GetCardinality())}
	it := docs.Iterator()
	for it.HasNext() {
		nv.values[it.Next()] = in.ReadVarint()
	}
	if err := in.Err(); err != nil {
		return err
	}
	p.numeric[fi.Name] = nv
	return nil
}

func (p *docValuesProducer) loadBinary(fi *model.FieldInfo, in *store.IndexInput, docs *roaring.Bitmap) error {
	bv := &binaryValues{docs: docs, values: make(map[uint32][]byte, docs.GetCardinality())}
	it := docs.Iterator()
	for it.HasNext() {
		bv.values[it.Next()] = in.ReadLenBytes()
	}
	if err := in.Err(); err != nil {
		return err
	}
	p.binary[fi.Name] = bv
	return nil
}

func (p *docValuesProducer) loadSorted(fi *model.FieldInfo, in *store.IndexInput, docs *roaring.Bitmap) error {
	count := in.ReadInt(in.Len())
	sv := &sortedValues{docs: docs, dict: make([][]byte, count), ords: make(map[uint32]int, docs.GetCardinality())}
	for i := range count {
		sv.dict[i] = in.ReadLenBytes()
	}
	it := docs.Iterator()
	for it.HasNext() {
		sv.ords[it.Next()] = in.ReadInt(max(count-1, 0))
	}
	if err := in.Err(); err != nil {
		return err
	}
	p.sorted[fi.Name] = sv
	return nil
}

func (p *docValuesProducer) Numeric(field string) (codec.NumericDocValues, bool) {
	v, ok := p.numeric[field]
	return v, ok
}

func (p *docValuesProducer) Binary(field string) (codec.BinaryDocValues, bool) {
	v, ok := p.binary[field]
	return v, ok
}

func (p *docValuesProducer) Sorted(field string) (codec.SortedDocValues, bool) {
	v, ok := p.sorted[field]
	return v, ok
}

func (p *docValuesProducer) CheckIntegrity() error { return p.data.CheckIntegrity() }

func (p *docValuesProducer) Close() error { return p.data.Close() }

type numericValues struct {
	docs   *roaring.Bitmap
	values map[uint32]int64
}

func (v *numericValues) Get(doc int) (int64, bool) {
	x, ok := v.values[uint32(doc)]
	return x, ok
}

func (v *numericValues) DocsWithField() *roaring.Bitmap { return v.docs.Clone() }

type binaryValues struct {
	docs   *roaring.Bitmap
	values map[uint32][]byte
}

func (v *binaryValues) Get(doc int) ([]byte, bool) {
	x, ok := v.values[uint32(doc)]
	return x, ok
}

func (v *binaryValues) DocsWithField() *roaring.Bitmap { return v.docs.Clone() }

type sortedValues struct {
	docs *roaring.Bitmap
	dict [][]byte
	ords map[uint32]int
}

func (v *sortedValues) Ord(doc int) (int, bool) {
	o, ok := v.ords[uint32(doc)]
	return o, ok
}

func (v *sortedValues) LookupOrd(ord int) []byte {
	if ord < 0 || ord >= len(v.dict) {
		return nil
	}
	return v.dict[ord]
}

func (v *sortedValues) ValueCount() int { return len(v.dict) }

func (v *sortedValues) Get(doc int) ([]byte, bool) {
	o, ok := v.ords[uint32(doc)]
	if !ok {
		return nil, false
	}
	return v.dict[o], true
}

func (v *sortedValues) DocsWithField() *roaring.Bitmap { return v.docs.Clone() }
