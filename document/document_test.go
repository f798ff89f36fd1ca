package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segidx/model"
)

func TestWhitespaceAnalyzer(t *testing.T) {
	toks := WhitespaceAnalyzer{}.Analyze("body", "  Quick brown\tFOX ")
	require.Len(t, toks, 3)
	assert.Equal(t, Token{Term: "quick", Position: 0, StartOffset: 2, EndOffset: 7}, toks[0])
	assert.Equal(t, Token{Term: "brown", Position: 1, StartOffset: 8, EndOffset: 13}, toks[1])
	assert.Equal(t, Token{Term: "fox", Position: 2, StartOffset: 14, EndOffset: 17}, toks[2])
	assert.Empty(t, WhitespaceAnalyzer{}.Analyze("body", " \n "))
}

func TestKeywordAnalyzer(t *testing.T) {
	toks := KeywordAnalyzer{}.Analyze("id", "Doc 1")
	require.Len(t, toks, 1)
	assert.Equal(t, "Doc 1", toks[0].Term)
}

func TestPerFieldAnalyzer(t *testing.T) {
	a := PerFieldAnalyzer{Fields: map[string]Analyzer{"id": KeywordAnalyzer{}}}
	assert.Len(t, a.Analyze("id", "a b"), 1)
	assert.Len(t, a.Analyze("body", "a b"), 2)
}

func TestFieldValidate(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		ok    bool
	}{
		{"string", NewStringField("id", "1", true), true},
		{"text", NewTextField("body", "hello", false), true},
		{"stored", NewStoredField("raw", model.BytesValue([]byte{1})), true},
		{"numeric", NewNumericDocValuesField("n", 3), true},
		{"sorted", NewSortedDocValuesField("s", []byte("x")), true},
		{"empty name", NewStringField("", "1", true), false},
		{"unused", Field{Name: "x", Value: model.StringValue("v")}, false},
		{"indexed int", Field{Name: "x", Type: StringType, Value: model.Int64Value(1)}, false},
		{"numeric string", Field{Name: "x", Type: FieldType{DocValues: model.DocValuesNumeric}, Value: model.StringValue("1")}, false},
		{"pre-analyzed", NewPreAnalyzedField("x", model.IndexDocsFreqs, []Token{{Term: "t"}}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.field.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDocument(t *testing.T) {
	d := New(NewStringField("id", "1", true)).Add(NewTextField("body", "hi there", true))
	f, ok := d.Get("body")
	require.True(t, ok)
	assert.Equal(t, "hi there", f.Value.Str)
	_, ok = d.Get("nope")
	assert.False(t, ok)
	assert.NoError(t, d.Validate())
	assert.Greater(t, d.ApproxBytes(), 0)
}
