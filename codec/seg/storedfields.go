package seg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/internal/cache"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

const (
	storedFieldsVersion = 1

	// A block is flushed once it holds this many raw bytes or documents.
	storedBlockBytes = 16 << 10
	storedBlockDocs  = 128

	blockRaw        byte = 0
	blockCompressed byte = 1
)

// StoredFieldsFormat stores documents in compressed blocks (.fdt) with a block
// index (.fdx).
type StoredFieldsFormat struct {
	compression Compression
}

// NewStoredFieldsFormat returns a stored fields format using c.
func NewStoredFieldsFormat(c Compression) *StoredFieldsFormat {
	return &StoredFieldsFormat{compression: c}
}

func (f *StoredFieldsFormat) formatName() string {
	return "SegStoredFields" + capitalize(f.compression.String())
}

// FieldsWriter implements codec.StoredFieldsFormat.
func (f *StoredFieldsFormat) FieldsWriter(ctx context.Context, state *codec.SegmentWriteState) (codec.StoredFieldsWriter, error) {
	fdt, err := state.CreateOutput(ctx, model.ExtStoredData)
	if err != nil {
		return nil, err
	}
	fdx, err := state.CreateOutput(ctx, model.ExtStoredIndex)
	if err != nil {
		_ = fdt.Abort()
		return nil, err
	}

	header := state.Header(f.formatName(), storedFieldsVersion)
	store.WriteHeader(fdt, header)
	store.WriteHeader(fdx, header)

	return &storedFieldsWriter{
		compression: f.compression,
		fdt:         fdt,
		fdx:         fdx,
	}, nil
}

// FieldsReader implements codec.StoredFieldsFormat.
func (f *StoredFieldsFormat) FieldsReader(ctx context.Context, state *codec.SegmentReadState) (codec.StoredFieldsReader, error) {
	fdx, err := state.OpenInput(ctx, model.ExtStoredIndex)
	if err != nil {
		return nil, err
	}
	defer fdx.Close()

	if _, err := store.CheckHeader(fdx, f.formatName(), storedFieldsVersion, storedFieldsVersion, state.Info.ID[:], ""); err != nil {
		return nil, err
	}

	r := &storedFieldsReader{
		compression: f.compression,
		infos:       state.FieldInfos,
		cache:       state.Cache,
	}

	numBlocks := fdx.ReadInt(fdx.ContentLen())
	r.firstDocs = make([]int, numBlocks)
	r.offsets = make([]int, numBlocks)
	doc, off := 0, 0
	for i := range numBlocks {
		doc += fdx.ReadInt(math.MaxInt32)
		off += fdx.ReadInt(math.MaxInt32)
		r.firstDocs[i] = doc
		r.offsets[i] = off
	}
	r.numDocs = fdx.ReadInt(math.MaxInt32)
	if err := fdx.Err(); err != nil {
		return nil, err
	}
	if r.numDocs != state.Info.MaxDoc {
		return nil, store.Corruptf(fdx.Name(), "stored fields hold %d docs, segment has %d", r.numDocs, state.Info.MaxDoc)
	}

	fdt, err := state.OpenInput(ctx, model.ExtStoredData)
	if err != nil {
		return nil, err
	}
	if _, err := store.CheckHeader(fdt, f.formatName(), storedFieldsVersion, storedFieldsVersion, state.Info.ID[:], ""); err != nil {
		_ = fdt.Close()
		return nil, err
	}
	for _, o := range r.offsets {
		if o < fdt.Pos() || o >= fdt.ContentLen() {
			_ = fdt.Close()
			return nil, store.Corruptf(fdt.Name(), "block offset %d out of range", o)
		}
	}
	r.fdt = fdt
	return r, nil
}

type storedFieldsWriter struct {
	compression Compression
	fdt, fdx    *store.IndexOutput

	block     []byte
	blockDocs int
	docBuf    []byte
	docFields int
	inDoc     bool

	numDocs   int
	firstDocs []int
	offsets   []int64

	finished bool
}

func (w *storedFieldsWriter) StartDocument() error {
	if w.inDoc {
		return errors.New("stored fields: StartDocument called twice")
	}
	w.inDoc = true
	w.docBuf = w.docBuf[:0]
	w.docFields = 0
	return nil
}

func (w *storedFieldsWriter) WriteField(fi *model.FieldInfo, v model.Value) error {
	if !w.inDoc {
		return errors.New("stored fields: WriteField outside document")
	}
	w.docBuf = binary.AppendUvarint(w.docBuf, uint64(fi.Number)<<2|uint64(v.Kind))
	switch v.Kind {
	case model.KindString:
		w.docBuf = appendLenBytes(w.docBuf, []byte(v.Str))
	case model.KindBytes:
		w.docBuf = appendLenBytes(w.docBuf, v.Bytes)
	case model.KindInt64:
		w.docBuf = binary.AppendVarint(w.docBuf, v.Int)
	case model.KindFloat64:
		w.docBuf = binary.LittleEndian.AppendUint64(w.docBuf, math.Float64bits(v.Float))
	default:
		return fmt.Errorf("stored fields: unknown value kind %d", v.Kind)
	}
	w.docFields++
	return nil
}

func (w *storedFieldsWriter) FinishDocument() error {
	if !w.inDoc {
		return errors.New("stored fields: FinishDocument outside document")
	}
	w.inDoc = false
	w.block = binary.AppendUvarint(w.block, uint64(w.docFields))
	w.block = append(w.block, w.docBuf...)
	w.blockDocs++
	w.numDocs++
	if len(w.block) >= storedBlockBytes || w.blockDocs >= storedBlockDocs {
		return w.flushBlock()
	}
	return nil
}

func (w *storedFieldsWriter) flushBlock() error {
	if w.blockDocs == 0 {
		return nil
	}
	w.firstDocs = append(w.firstDocs, w.numDocs-w.blockDocs)
	w.offsets = append(w.offsets, w.fdt.FilePointer())

	packed, err := compressBlock(w.compression, w.block)
	if err != nil {
		return err
	}
	w.fdt.WriteUvarint(uint64(w.blockDocs))
	w.fdt.WriteUvarint(uint64(len(w.block)))
	if packed == nil {
		_ = w.fdt.WriteByte(blockRaw)
		w.fdt.WriteLenBytes(w.block)
	} else {
		_ = w.fdt.WriteByte(blockCompressed)
		w.fdt.WriteLenBytes(packed)
	}

	w.block = w.block[:0]
	w.blockDocs = 0
	return w.fdt.Err()
}

func (w *storedFieldsWriter) Finish(_ context.Context, numDocs int) error {
	if w.inDoc {
		return errors.New("stored fields: Finish inside document")
	}
	if numDocs != w.numDocs {
		return fmt.Errorf("stored fields: wrote %d docs, expected %d", w.numDocs, numDocs)
	}
	if err := w.flushBlock(); err != nil {
		return err
	}

	w.fdx.WriteUvarint(uint64(len(w.firstDocs)))
	prevDoc, prevOff := 0, int64(0)
	for i := range w.firstDocs {
		w.fdx.WriteUvarint(uint64(w.firstDocs[i] - prevDoc))
		w.fdx.WriteUvarint(uint64(w.offsets[i] - prevOff))
		prevDoc, prevOff = w.firstDocs[i], w.offsets[i]
	}
	w.fdx.WriteUvarint(uint64(w.numDocs))

	if err := store.WriteFooter(w.fdt); err != nil {
		return err
	}
	if err := store.WriteFooter(w.fdx); err != nil {
		return err
	}
	if err := w.fdt.Close(); err != nil {
		return err
	}
	if err := w.fdx.Close(); err != nil {
		return err
	}
	w.finished = true
	return nil
}

func (w *storedFieldsWriter) Close() error {
	if w.finished {
		return nil
	}
	return errors.Join(w.fdt.Abort(), w.fdx.Abort())
}

type storedFieldsReader struct {
	compression Compression
	infos       *model.FieldInfos
	cache       cache.BlockCache
	fdt         *store.IndexInput

	firstDocs []int
	offsets   []int
	numDocs   int
}

func (r *storedFieldsReader) VisitDocument(doc int, visit codec.StoredFieldVisitor) error {
	if doc < 0 || doc >= r.numDocs {
		return fmt.Errorf("stored fields: doc %d out of range [0,%d)", doc, r.numDocs)
	}
	b := sort.Search(len(r.firstDocs), func(i int) bool { return r.firstDocs[i] > doc }) - 1

	block, err := r.block(b)
	if err != nil {
		return err
	}
	in := store.NewIndexInput(r.fdt.Name(), block)

	for skip := doc - r.firstDocs[b]; skip > 0; skip-- {
		n := in.ReadInt(in.Len())
		for range n {
			if _, err := readStoredValue(in); err != nil {
				return err
			}
		}
	}

	n := in.ReadInt(in.Len())
	for range n {
		code := in.ReadUvarint()
		if err := in.Err(); err != nil {
			return err
		}
		fi, ok := r.infos.ByNumber(int(code >> 2))
		if !ok {
			return store.Corruptf(r.fdt.Name(), "unknown field number %d in doc %d", code>>2, doc)
		}
		v, err := decodeStoredValue(in, model.ValueKind(code&3))
		if err != nil {
			return err
		}
		if err := visit(fi, v); err != nil {
			if errors.Is(err, codec.ErrStopVisit) {
				return nil
			}
			return err
		}
	}
	return in.Err()
}

// block returns the raw bytes of block b, from the cache when possible.
func (r *storedFieldsReader) block(b int) ([]byte, error) {
	key := cache.Key{File: r.fdt.Name(), Block: b}
	if r.cache != nil {
		if data, ok := r.cache.Get(key); ok {
			return data, nil
		}
	}

	in := r.fdt.Slice(0, r.fdt.ContentLen())
	in.Seek(r.offsets[b])
	in.ReadUvarint() // doc count
	rawLen := in.ReadInt(storedBlockBytes * 64)
	mode, _ := in.ReadByte()
	payload := in.ReadLenBytes()
	if err := in.Err(); err != nil {
		return nil, err
	}

	var data []byte
	switch mode {
	case blockRaw:
		if len(payload) != rawLen {
			return nil, store.Corruptf(in.Name(), "raw block length %d, want %d", len(payload), rawLen)
		}
		data = payload
	case blockCompressed:
		var err error
		data, err = decompressBlock(r.compression, payload, rawLen)
		if err != nil {
			return nil, &store.CorruptionError{Resource: in.Name(), Reason: "decompress block", Err: err}
		}
	default:
		return nil, store.Corruptf(in.Name(), "unknown block mode %d", mode)
	}

	if r.cache != nil {
		r.cache.Put(key, data)
	}
	return data, nil
}

func (r *storedFieldsReader) CheckIntegrity() error {
	return r.fdt.CheckIntegrity()
}

func (r *storedFieldsReader) Close() error {
	if r.cache != nil {
		r.cache.DropFile(r.fdt.Name())
	}
	return r.fdt.Close()
}

func readStoredValue(in *store.IndexInput) (model.Value, error) {
	code := in.ReadUvarint()
	return decodeStoredValue(in, model.ValueKind(code&3))
}

func decodeStoredValue(in *store.IndexInput, kind model.ValueKind) (model.Value, error) {
	var v model.Value
	switch kind {
	case model.KindString:
		v = model.StringValue(string(in.ReadLenBytes()))
	case model.KindBytes:
		v = model.BytesValue(append([]byte(nil), in.ReadLenBytes()...))
	case model.KindInt64:
		v = model.Int64Value(in.ReadVarint())
	case model.KindFloat64:
		v = model.Float64Value(math.Float64frombits(in.ReadUint64()))
	}
	return v, in.Err()
}

func appendLenBytes(dst, p []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(p)))
	return append(dst, p...)
}

func appendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
