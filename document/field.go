package document

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segidx/model"
)

// FieldType selects how a field is written.
type FieldType struct {
	Stored       bool
	IndexOptions model.IndexOptions
	// Tokenized fields are run through the analyzer; others index the whole
	// value as a single term.
	Tokenized bool
	DocValues model.DocValuesType
}

// Common field types.
var (
	StringType       = FieldType{IndexOptions: model.IndexDocs}
	StoredStringType = FieldType{Stored: true, IndexOptions: model.IndexDocs}
	TextType         = FieldType{IndexOptions: model.IndexDocsFreqsPositionsOffsets, Tokenized: true}
	StoredTextType   = FieldType{Stored: true, IndexOptions: model.IndexDocsFreqsPositionsOffsets, Tokenized: true}
	StoredOnlyType   = FieldType{Stored: true}
)

// Token is one analyzed term occurrence.
type Token struct {
	Term        string
	Position    int
	StartOffset int
	EndOffset   int
	Payload     []byte
}

// Field is a (name, type, value) tuple.
type Field struct {
	Name  string
	Type  FieldType
	Value model.Value

	// Tokens, when set, are indexed as is instead of analyzing Value.
	Tokens []Token
}

var (
	errEmptyName = errors.New("field name is empty")
	errNoUse     = errors.New("field is neither stored, indexed nor has doc values")
)

// Validate checks that the value fits the field type.
func (f *Field) Validate() error {
	if f.Name == "" {
		return errEmptyName
	}
	t := f.Type
	if !t.Stored && !t.IndexOptions.IsIndexed() && t.DocValues == model.DocValuesNone {
		return fmt.Errorf("field %q: %w", f.Name, errNoUse)
	}
	if t.IndexOptions.IsIndexed() && f.Tokens == nil && f.Value.Kind != model.KindString {
		return fmt.Errorf("field %q: indexed field needs a string value or tokens", f.Name)
	}
	switch t.DocValues {
	case model.DocValuesNumeric:
		if f.Value.Kind != model.KindInt64 {
			return fmt.Errorf("field %q: numeric doc values need an int64 value", f.Name)
		}
	case model.DocValuesBinary, model.DocValuesSorted:
		if f.Value.Kind != model.KindBytes && f.Value.Kind != model.KindString {
			return fmt.Errorf("field %q: %s doc values need a bytes or string value", f.Name, t.DocValues)
		}
	}
	return nil
}

// DocValueBytes returns the value of a binary or sorted doc values field.
func (f *Field) DocValueBytes() []byte {
	if f.Value.Kind == model.KindString {
		return []byte(f.Value.Str)
	}
	return f.Value.Bytes
}

// HasPayloads reports whether any pre-analyzed token carries a payload.
func (f *Field) HasPayloads() bool {
	for _, tok := range f.Tokens {
		if len(tok.Payload) > 0 {
			return true
		}
	}
	return false
}

func (f *Field) approxBytes() int {
	n := len(f.Name) + 48 + len(f.Value.Str) + len(f.Value.Bytes)
	for _, tok := range f.Tokens {
		n += len(tok.Term) + len(tok.Payload) + 40
	}
	return n
}

// NewStringField indexes value as a single term.
func NewStringField(name, value string, stored bool) Field {
	t := StringType
	t.Stored = stored
	return Field{Name: name, Type: t, Value: model.StringValue(value)}
}

// NewTextField analyzes and indexes value with positions and offsets.
func NewTextField(name, value string, stored bool) Field {
	t := TextType
	t.Stored = stored
	return Field{Name: name, Type: t, Value: model.StringValue(value)}
}

// NewStoredField only stores v.
func NewStoredField(name string, v model.Value) Field {
	return Field{Name: name, Type: StoredOnlyType, Value: v}
}

// NewNumericDocValuesField adds a per-document int64.
func NewNumericDocValuesField(name string, v int64) Field {
	return Field{Name: name, Type: FieldType{DocValues: model.DocValuesNumeric}, Value: model.Int64Value(v)}
}

// NewBinaryDocValuesField adds a per-document byte slice.
func NewBinaryDocValuesField(name string, v []byte) Field {
	return Field{Name: name, Type: FieldType{DocValues: model.DocValuesBinary}, Value: model.BytesValue(v)}
}

// NewSortedDocValuesField adds a per-document dictionary-encoded byte slice.
func NewSortedDocValuesField(name string, v []byte) Field {
	return Field{Name: name, Type: FieldType{DocValues: model.DocValuesSorted}, Value: model.BytesValue(v)}
}

// NewPreAnalyzedField indexes tokens as given.
func NewPreAnalyzedField(name string, opts model.IndexOptions, tokens []Token) Field {
	return Field{Name: name, Type: FieldType{IndexOptions: opts, Tokenized: true}, Tokens: tokens}
}
