package codec

import (
	"context"
	"errors"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

// ErrStopVisit may be returned by a StoredFieldVisitor to end a visit early.
var ErrStopVisit = errors.New("stop visit")

// StoredFieldVisitor receives the stored values of one document in write order.
type StoredFieldVisitor func(fi *model.FieldInfo, v model.Value) error

// StoredFieldsFormat encodes stored field values.
type StoredFieldsFormat interface {
	FieldsWriter(ctx context.Context, state *SegmentWriteState) (StoredFieldsWriter, error)
	FieldsReader(ctx context.Context, state *SegmentReadState) (StoredFieldsReader, error)
}

// StoredFieldsWriter appends documents in ordinal order.
type StoredFieldsWriter interface {
	StartDocument() error
	WriteField(fi *model.FieldInfo, v model.Value) error
	FinishDocument() error
	// Finish verifies numDocs documents were written and seals the files.
	Finish(ctx context.Context, numDocs int) error
	// Close releases resources and discards output if Finish was not called.
	Close() error
}

// StoredFieldsReader gives random access to stored documents.
type StoredFieldsReader interface {
	VisitDocument(doc int, visit StoredFieldVisitor) error
	CheckIntegrity() error
	Close() error
}

// NoMoreDocs is returned by PostingsEnum once exhausted.
const NoMoreDocs = math.MaxInt32

// Position is one occurrence of a term in a document.
type Position struct {
	Pos         int
	StartOffset int
	EndOffset   int
	Payload     []byte
}

// Posting is one document entry of a term.
type Posting struct {
	Doc       int
	Freq      int
	Positions []Position
}

// PostingsFormat encodes the inverted index.
type PostingsFormat interface {
	FieldsConsumer(ctx context.Context, state *SegmentWriteState) (FieldsConsumer, error)
	FieldsProducer(ctx context.Context, state *SegmentReadState) (FieldsProducer, error)
}

// FieldsConsumer receives indexed fields in ascending field number order.
type FieldsConsumer interface {
	StartField(fi *model.FieldInfo) (TermsConsumer, error)
	Finish(ctx context.Context) error
	Close() error
}

// TermsConsumer receives the terms of one field in ascending byte order.
// Postings must be sorted by ascending document ordinal.
type TermsConsumer interface {
	AddTerm(term []byte, postings []Posting) error
	Finish() error
}

// FieldsProducer reads the inverted index of a segment.
type FieldsProducer interface {
	Fields() []string
	Terms(field string) (Terms, bool)
	CheckIntegrity() error
	Close() error
}

// Terms is the term dictionary of one field.
type Terms interface {
	Size() int
	SumDocFreq() int64
	Iterator() TermsEnum
}

// TermsEnum iterates terms in ascending byte order. Seeking restarts iteration.
type TermsEnum interface {
	Next() bool
	SeekExact(term []byte) bool
	Term() []byte
	DocFreq() int
	TotalTermFreq() int64
	Postings() (PostingsEnum, error)
}

// PostingsEnum iterates the postings of a term by ascending document ordinal.
type PostingsEnum interface {
	DocID() int
	NextDoc() (int, error)
	Advance(target int) (int, error)
	Freq() int
	// NextPosition returns the next position of the current document.
	NextPosition() (Position, error)
}

// DocValuesFormat encodes per-document values.
type DocValuesFormat interface {
	DocValuesConsumer(ctx context.Context, state *SegmentWriteState) (DocValuesConsumer, error)
	DocValuesProducer(ctx context.Context, state *SegmentReadState) (DocValuesProducer, error)
}

// DocValuesConsumer receives one field at a time. Value slices are indexed
// by document ordinal; docsWithField marks which entries are set.
type DocValuesConsumer interface {
	AddNumericField(fi *model.FieldInfo, values []int64, docsWithField *roaring.Bitmap) error
	AddBinaryField(fi *model.FieldInfo, values [][]byte, docsWithField *roaring.Bitmap) error
	AddSortedField(fi *model.FieldInfo, values [][]byte, docsWithField *roaring.Bitmap) error
	Finish(ctx context.Context) error
	Close() error
}

// DocValuesProducer gives random access to per-document values.
type DocValuesProducer interface {
	Numeric(field string) (NumericDocValues, bool)
	Binary(field string) (BinaryDocValues, bool)
	Sorted(field string) (SortedDocValues, bool)
	CheckIntegrity() error
	Close() error
}

// NumericDocValues returns an int64 per document.
type NumericDocValues interface {
	Get(doc int) (int64, bool)
	DocsWithField() *roaring.Bitmap
}

// BinaryDocValues returns a byte slice per document.
type BinaryDocValues interface {
	Get(doc int) ([]byte, bool)
	DocsWithField() *roaring.Bitmap
}

// SortedDocValues dictionary-encodes byte values; ords follow byte order.
type SortedDocValues interface {
	Ord(doc int) (int, bool)
	LookupOrd(ord int) []byte
	ValueCount() int
	Get(doc int) ([]byte, bool)
	DocsWithField() *roaring.Bitmap
}

// FieldInfosFormat encodes the field metadata of a segment.
type FieldInfosFormat interface {
	Write(ctx context.Context, state *SegmentWriteState, infos *model.FieldInfos) error
	Read(ctx context.Context, dir *store.Directory, info *model.SegmentInfo) (*model.FieldInfos, error)
}

// SegmentInfoFormat encodes the segment descriptor.
type SegmentInfoFormat interface {
	Write(ctx context.Context, dir *store.Directory, info *model.SegmentInfo) error
	Read(ctx context.Context, dir *store.Directory, name string, id [store.IDLength]byte) (*model.SegmentInfo, error)
}

// LiveDocsFormat encodes a deletion generation of a segment.
// The bitmap has a bit set for every live document.
type LiveDocsFormat interface {
	Write(ctx context.Context, dir *store.Directory, info *model.SegmentCommitInfo, live *roaring.Bitmap, gen int64) (string, error)
	Read(ctx context.Context, dir *store.Directory, info *model.SegmentCommitInfo) (*roaring.Bitmap, error)
}
