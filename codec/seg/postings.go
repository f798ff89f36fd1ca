package seg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/willf/bloom"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

const (
	postingsFormatName = "SegPostings"

	// PostingsVersionPlain writes the term dictionary, docs and positions.
	PostingsVersionPlain = 1
	// PostingsVersionBloom adds a per-field term bloom filter (.blm).
	PostingsVersionBloom = 2

	bloomFalsePositiveRate = 0.01
)

// PostingsFormat writes delta-varint postings with an in-memory term dictionary.
type PostingsFormat struct {
	version int
}

// NewPostingsFormat returns the postings format writing the given version.
func NewPostingsFormat(version int) *PostingsFormat {
	return &PostingsFormat{version: version}
}

// FieldsConsumer implements codec.PostingsFormat.
func (f *PostingsFormat) FieldsConsumer(ctx context.Context, state *codec.SegmentWriteState) (codec.FieldsConsumer, error) {
	c := &fieldsConsumer{
		version: f.version,
		maxDoc:  state.Info.MaxDoc,
		lastNum: -1,
	}

	var err error
	if c.tim, err = state.CreateOutput(ctx, model.ExtTermDict); err != nil {
		return nil, err
	}
	c.outs = append(c.outs, c.tim)
	if c.doc, err = state.CreateOutput(ctx, model.ExtDocs); err != nil {
		c.abort()
		return nil, err
	}
	c.outs = append(c.outs, c.doc)
	if state.FieldInfos.HasPositions() {
		if c.pos, err = state.CreateOutput(ctx, model.ExtPositions); err != nil {
			c.abort()
			return nil, err
		}
		c.outs = append(c.outs, c.pos)
	}
	if f.version >= PostingsVersionBloom {
		if c.blm, err = state.CreateOutput(ctx, model.ExtBloom); err != nil {
			c.abort()
			return nil, err
		}
		c.outs = append(c.outs, c.blm)
	}

	header := state.Header(postingsFormatName, f.version)
	for _, out := range c.outs {
		store.WriteHeader(out, header)
	}
	return c, nil
}

// FieldsProducer implements codec.PostingsFormat.
func (f *PostingsFormat) FieldsProducer(ctx context.Context, state *codec.SegmentReadState) (codec.FieldsProducer, error) {
	p := &fieldsProducer{fields: make(map[string]*fieldTerms)}

	tim, err := state.OpenInput(ctx, model.ExtTermDict)
	if err != nil {
		return nil, err
	}
	defer tim.Close()

	version, err := store.CheckHeader(tim, postingsFormatName, PostingsVersionPlain, PostingsVersionBloom, state.Info.ID[:], "")
	if err != nil {
		return nil, err
	}

	fail := func(err error) (codec.FieldsProducer, error) {
		_ = p.Close()
		return nil, err
	}

	if p.doc, err = state.OpenInput(ctx, model.ExtDocs); err != nil {
		return fail(err)
	}
	if _, err := store.CheckHeader(p.doc, postingsFormatName, version, version, state.Info.ID[:], ""); err != nil {
		return fail(err)
	}
	if state.FieldInfos.HasPositions() {
		if p.pos, err = state.OpenInput(ctx, model.ExtPositions); err != nil {
			return fail(err)
		}
		if _, err := store.CheckHeader(p.pos, postingsFormatName, version, version, state.Info.ID[:], ""); err != nil {
			return fail(err)
		}
	}

	if err := p.readTermDict(tim, state); err != nil {
		return fail(err)
	}

	if version >= PostingsVersionBloom {
		if err := p.readBloom(ctx, state, version); err != nil {
			return fail(err)
		}
	}
	return p, nil
}

type fieldsConsumer struct {
	version int
	maxDoc  int

	tim, doc, pos, blm *store.IndexOutput
	outs               []*store.IndexOutput

	fields  []pendingField
	lastNum int
	open    *termsConsumer

	finished bool
}

type pendingField struct {
	number int
	dict   []byte
	bloom  *bloom.BloomFilter
}

func (c *fieldsConsumer) StartField(fi *model.FieldInfo) (codec.TermsConsumer, error) {
	if c.open != nil {
		return nil, errors.New("postings: previous field not finished")
	}
	if fi.Number <= c.lastNum {
		return nil, fmt.Errorf("postings: field %q out of order", fi.Name)
	}
	if !fi.IndexOptions.IsIndexed() {
		return nil, fmt.Errorf("postings: field %q is not indexed", fi.Name)
	}
	if fi.IndexOptions.HasPositions() && c.pos == nil {
		return nil, fmt.Errorf("postings: field %q has positions but segment has no positions file", fi.Name)
	}
	c.lastNum = fi.Number
	c.open = &termsConsumer{parent: c, fi: fi}
	return c.open, nil
}

func (c *fieldsConsumer) Finish(_ context.Context) error {
	if c.open != nil {
		return errors.New("postings: field not finished")
	}

	c.tim.WriteUvarint(uint64(len(c.fields)))
	for _, f := range c.fields {
		c.tim.WriteUvarint(uint64(f.number))
		c.tim.WriteLenBytes(f.dict)
	}

	if c.blm != nil {
		c.blm.WriteUvarint(uint64(len(c.fields)))
		for _, f := range c.fields {
			var buf bytes.Buffer
			if _, err := f.bloom.WriteTo(&buf); err != nil {
				return err
			}
			c.blm.WriteUvarint(uint64(f.number))
			c.blm.WriteLenBytes(buf.Bytes())
		}
	}

	for _, out := range c.outs {
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

func (c *fieldsConsumer) Close() error {
	if c.finished {
		return nil
	}
	return c.abort()
}

func (c *fieldsConsumer) abort() error {
	var errs []error
	for _, out := range c.outs {
		errs = append(errs, out.Abort())
	}
	return errors.Join(errs...)
}

type termsConsumer struct {
	parent *fieldsConsumer
	fi     *model.FieldInfo

	dict     []byte
	lastTerm []byte
	numTerms int
	terms    [][]byte

	sumDocFreq, sumTTF int64
	docsSeen           map[int]struct{}

	// File offsets of the previous term; the first term of a field is
	// written relative to zero.
	lastDocOff, lastPosOff int64
}

func (t *termsConsumer) AddTerm(term []byte, postings []codec.Posting) error {
	if t.numTerms > 0 && bytes.Compare(term, t.lastTerm) <= 0 {
		return fmt.Errorf("postings: field %q: term %q not after %q", t.fi.Name, term, t.lastTerm)
	}
	if len(postings) == 0 {
		return fmt.Errorf("postings: field %q: term %q has no postings", t.fi.Name, term)
	}

	opts := t.fi.IndexOptions
	doc, pos := t.parent.doc, t.parent.pos
	docStart := doc.FilePointer()
	var posStart int64
	if pos != nil {
		posStart = pos.FilePointer()
	}
	if t.docsSeen == nil {
		t.docsSeen = make(map[int]struct{})
	}

	var ttf int64
	prevDoc := -1
	for _, p := range postings {
		if p.Doc <= prevDoc || p.Doc >= t.parent.maxDoc {
			return fmt.Errorf("postings: field %q: term %q: doc %d out of order or range", t.fi.Name, term, p.Doc)
		}
		freq := p.Freq
		if !opts.HasFreqs() {
			freq = 1
		}
		if freq < 1 {
			return fmt.Errorf("postings: field %q: term %q: doc %d has freq %d", t.fi.Name, term, p.Doc, p.Freq)
		}
		if opts.HasPositions() && len(p.Positions) != freq {
			return fmt.Errorf("postings: field %q: term %q: doc %d has %d positions for freq %d",
				t.fi.Name, term, p.Doc, len(p.Positions), freq)
		}

		delta := uint64(p.Doc - prevDoc)
		if opts.HasFreqs() {
			if freq == 1 {
				doc.WriteUvarint(delta<<1 | 1)
			} else {
				doc.WriteUvarint(delta << 1)
				doc.WriteUvarint(uint64(freq))
			}
		} else {
			doc.WriteUvarint(delta)
		}

		if opts.HasPositions() {
			lastPos, lastStart := 0, 0
			for _, position := range p.Positions {
				if position.Pos < lastPos {
					return fmt.Errorf("postings: field %q: term %q: positions out of order", t.fi.Name, term)
				}
				pos.WriteUvarint(uint64(position.Pos - lastPos))
				lastPos = position.Pos
				if opts.HasOffsets() {
					if position.StartOffset < lastStart || position.EndOffset < position.StartOffset {
						return fmt.Errorf("postings: field %q: term %q: illegal offsets", t.fi.Name, term)
					}
					pos.WriteUvarint(uint64(position.StartOffset - lastStart))
					pos.WriteUvarint(uint64(position.EndOffset - position.StartOffset))
					lastStart = position.StartOffset
				}
				if t.fi.StorePayloads {
					pos.WriteLenBytes(position.Payload)
				}
			}
		}

		prevDoc = p.Doc
		ttf += int64(freq)
		t.docsSeen[p.Doc] = struct{}{}
	}

	prefix := sharedPrefix(t.lastTerm, term)
	t.dict = appendUvarint(t.dict, uint64(prefix))
	t.dict = appendLenBytes(t.dict, term[prefix:])
	t.dict = appendUvarint(t.dict, uint64(len(postings)))
	if opts.HasFreqs() {
		t.dict = appendUvarint(t.dict, uint64(ttf-int64(len(postings))))
	}
	t.dict = appendUvarint(t.dict, uint64(docStart-t.lastDocOff))
	t.lastDocOff = docStart
	if opts.HasPositions() {
		t.dict = appendUvarint(t.dict, uint64(posStart-t.lastPosOff))
		t.lastPosOff = posStart
	}

	t.lastTerm = append(t.lastTerm[:0], term...)
	t.numTerms++
	t.sumDocFreq += int64(len(postings))
	t.sumTTF += ttf
	if t.parent.blm != nil {
		t.terms = append(t.terms, append([]byte(nil), term...))
	}

	if err := doc.Err(); err != nil {
		return err
	}
	if pos != nil {
		return pos.Err()
	}
	return nil
}

func (t *termsConsumer) Finish() error {
	var head []byte
	head = appendUvarint(head, uint64(t.numTerms))
	head = appendUvarint(head, uint64(t.sumDocFreq))
	head = appendUvarint(head, uint64(t.sumTTF))
	head = appendUvarint(head, uint64(len(t.docsSeen)))

	pf := pendingField{number: t.fi.Number, dict: append(head, t.dict...)}
	if t.parent.blm != nil {
		pf.bloom = bloom.NewWithEstimates(uint(max(t.numTerms, 1)), bloomFalsePositiveRate)
		for _, term := range t.terms {
			pf.bloom.Add(term)
		}
	}
	t.parent.fields = append(t.parent.fields, pf)
	t.parent.open = nil
	return nil
}

type fieldsProducer struct {
	doc, pos *store.IndexInput
	fields   map[string]*fieldTerms
	names    []string
}

type fieldTerms struct {
	fi         *model.FieldInfo
	terms      [][]byte
	docFreq    []int
	ttf        []int64
	docOff     []int
	posOff     []int
	sumDocFreq int64
	docCount   int
	bloom      *bloom.BloomFilter
	producer   *fieldsProducer
}

func (p *fieldsProducer) readTermDict(tim *store.IndexInput, state *codec.SegmentReadState) error {
	maxDoc := state.Info.MaxDoc
	numFields := tim.ReadInt(state.FieldInfos.Len())
	for range numFields {
		num := tim.ReadInt(math.MaxInt32)
		dict := tim.ReadLenBytes()
		if err := tim.Err(); err != nil {
			return err
		}
		fi, ok := state.FieldInfos.ByNumber(num)
		if !ok || !fi.IndexOptions.IsIndexed() {
			return store.Corruptf(tim.Name(), "postings for unknown or unindexed field %d", num)
		}

		in := store.NewIndexInput(tim.Name(), dict)
		numTerms := in.ReadInt(len(dict))
		ft := &fieldTerms{
			fi:       fi,
			terms:    make([][]byte, numTerms),
			docFreq:  make([]int, numTerms),
			ttf:      make([]int64, numTerms),
			docOff:   make([]int, numTerms),
			producer: p,
		}
		ft.sumDocFreq = int64(in.ReadUvarint())
		in.ReadUvarint() // sum of total term freqs
		ft.docCount = in.ReadInt(maxDoc)
		if fi.IndexOptions.HasPositions() {
			ft.posOff = make([]int, numTerms)
		}

		var last []byte
		docOff, posOff := 0, 0
		for i := range numTerms {
			prefix := in.ReadInt(len(last))
			suffix := in.ReadLenBytes()
			term := make([]byte, prefix+len(suffix))
			copy(term, last[:prefix])
			copy(term[prefix:], suffix)
			ft.terms[i] = term
			last = term

			ft.docFreq[i] = in.ReadInt(maxDoc)
			ft.ttf[i] = int64(ft.docFreq[i])
			if fi.IndexOptions.HasFreqs() {
				ft.ttf[i] += int64(in.ReadUvarint())
			}
			docOff += in.ReadInt(p.doc.ContentLen())
			ft.docOff[i] = docOff
			if fi.IndexOptions.HasPositions() {
				posOff += in.ReadInt(p.pos.ContentLen())
				ft.posOff[i] = posOff
			}
		}
		if err := in.Err(); err != nil {
			return err
		}
		if docOff > p.doc.ContentLen() {
			return store.Corruptf(p.doc.Name(), "term offset %d past end", docOff)
		}
		p.fields[fi.Name] = ft
		p.names = append(p.names, fi.Name)
	}
	sort.Strings(p.names)
	return tim.Err()
}

func (p *fieldsProducer) readBloom(ctx context.Context, state *codec.SegmentReadState, version int) error {
	blm, err := state.OpenInput(ctx, model.ExtBloom)
	if err != nil {
		return err
	}
	defer blm.Close()
	if _, err := store.CheckHeader(blm, postingsFormatName, version, version, state.Info.ID[:], ""); err != nil {
		return err
	}

	n := blm.ReadInt(state.FieldInfos.Len())
	for range n {
		num := blm.ReadInt(math.MaxInt32)
		raw := blm.ReadLenBytes()
		if err := blm.Err(); err != nil {
			return err
		}
		fi, ok := state.FieldInfos.ByNumber(num)
		if !ok {
			return store.Corruptf(blm.Name(), "bloom filter for unknown field %d", num)
		}
		ft, ok := p.fields[fi.Name]
		if !ok {
			return store.Corruptf(blm.Name(), "bloom filter for field %q without terms", fi.Name)
		}
		bf := bloom.New(1, 1)
		if _, err := bf.ReadFrom(bytes.NewReader(raw)); err != nil {
			return &store.CorruptionError{Resource: blm.Name(), Reason: "decode bloom filter", Err: err}
		}
		ft.bloom = bf
	}
	return blm.Err()
}

func (p *fieldsProducer) Fields() []string {
	return append([]string(nil), p.names...)
}

func (p *fieldsProducer) Terms(field string) (codec.Terms, bool) {
	ft, ok := p.fields[field]
	if !ok {
		return nil, false
	}
	return ft, true
}

func (p *fieldsProducer) CheckIntegrity() error {
	if p.doc != nil {
		if err := p.doc.CheckIntegrity(); err != nil {
			return err
		}
	}
	if p.pos != nil {
		return p.pos.CheckIntegrity()
	}
	return nil
}

func (p *fieldsProducer) Close() error {
	var errs []error
	if p.doc != nil {
		errs = append(errs, p.doc.Close())
	}
	if p.pos != nil {
		errs = append(errs, p.pos.Close())
	}
	return errors.Join(errs...)
}

func (ft *fieldTerms) Size() int         { return len(ft.terms) }
func (ft *fieldTerms) SumDocFreq() int64 { return ft.sumDocFreq }

func (ft *fieldTerms) Iterator() codec.TermsEnum {
	return &termsEnum{ft: ft, ord: -1}
}

type termsEnum struct {
	ft  *fieldTerms
	ord int
}

func (e *termsEnum) Next() bool {
	if e.ord+1 >= len(e.ft.terms) {
		e.ord = len(e.ft.terms)
		return false
	}
	e.ord++
	return true
}

func (e *termsEnum) SeekExact(term []byte) bool {
	if e.ft.bloom != nil && !e.ft.bloom.Test(term) {
		e.ord = len(e.ft.terms)
		return false
	}
	i := sort.Search(len(e.ft.terms), func(i int) bool { return bytes.Compare(e.ft.terms[i], term) >= 0 })
	if i < len(e.ft.terms) && bytes.Equal(e.ft.terms[i], term) {
		e.ord = i
		return true
	}
	e.ord = len(e.ft.terms)
	return false
}

func (e *termsEnum) valid() bool { return e.ord >= 0 && e.ord < len(e.ft.terms) }

func (e *termsEnum) Term() []byte {
	if !e.valid() {
		return nil
	}
	return e.ft.terms[e.ord]
}

func (e *termsEnum) DocFreq() int {
	if !e.valid() {
		return 0
	}
	return e.ft.docFreq[e.ord]
}

func (e *termsEnum) TotalTermFreq() int64 {
	if !e.valid() {
		return 0
	}
	return e.ft.ttf[e.ord]
}

func (e *termsEnum) Postings() (codec.PostingsEnum, error) {
	if !e.valid() {
		return nil, errors.New("postings: enum is not positioned on a term")
	}
	p := e.ft.producer
	pe := &postingsEnum{
		opts:      e.ft.fi.IndexOptions,
		payloads:  e.ft.fi.StorePayloads,
		doc:       p.doc.Slice(0, p.doc.ContentLen()),
		remaining: e.ft.docFreq[e.ord],
		docID:     -1,
	}
	pe.doc.Seek(e.ft.docOff[e.ord])
	if pe.opts.HasPositions() {
		pe.pos = p.pos.Slice(0, p.pos.ContentLen())
		pe.pos.Seek(e.ft.posOff[e.ord])
	}
	return pe, nil
}

type postingsEnum struct {
	opts     model.IndexOptions
	payloads bool

	doc, pos  *store.IndexInput
	remaining int
	docID     int
	freq      int

	posLeft   int
	lastPos   int
	lastStart int
}

func (e *postingsEnum) DocID() int { return e.docID }
func (e *postingsEnum) Freq() int  { return e.freq }

func (e *postingsEnum) NextDoc() (int, error) {
	for e.posLeft > 0 {
		if _, err := e.NextPosition(); err != nil {
			return NoMoreDocs, err
		}
	}
	if e.remaining == 0 {
		e.docID = NoMoreDocs
		return e.docID, nil
	}
	e.remaining--

	code := e.doc.ReadUvarint()
	if e.opts.HasFreqs() {
		e.docID += int(code >> 1)
		if code&1 != 0 {
			e.freq = 1
		} else {
			e.freq = e.doc.ReadInt(math.MaxInt32)
		}
	} else {
		e.docID += int(code)
		e.freq = 1
	}
	if err := e.doc.Err(); err != nil {
		return NoMoreDocs, err
	}

	if e.opts.HasPositions() {
		e.posLeft = e.freq
		e.lastPos, e.lastStart = 0, 0
	}
	return e.docID, nil
}

func (e *postingsEnum) Advance(target int) (int, error) {
	for e.docID < target {
		if _, err := e.NextDoc(); err != nil {
			return NoMoreDocs, err
		}
	}
	return e.docID, nil
}

func (e *postingsEnum) NextPosition() (codec.Position, error) {
	if e.posLeft == 0 {
		return codec.Position{Pos: -1}, errors.New("postings: no more positions")
	}
	e.posLeft--

	var p codec.Position
	e.lastPos += int(e.pos.ReadUvarint())
	p.Pos = e.lastPos
	p.StartOffset, p.EndOffset = -1, -1
	if e.opts.HasOffsets() {
		e.lastStart += int(e.pos.ReadUvarint())
		p.StartOffset = e.lastStart
		p.EndOffset = e.lastStart + int(e.pos.ReadUvarint())
	}
	if e.payloads {
		if b := e.pos.ReadLenBytes(); len(b) > 0 {
			p.Payload = append([]byte(nil), b...)
		}
	}
	return p, e.pos.Err()
}

// NoMoreDocs mirrors codec.NoMoreDocs.
const NoMoreDocs = codec.NoMoreDocs

func sharedPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
