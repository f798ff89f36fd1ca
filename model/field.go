package model

import (
	"fmt"
	"sort"
)

// IndexOptions controls what the postings of a field record.
type IndexOptions uint8

const (
	IndexNone IndexOptions = iota
	IndexDocs
	IndexDocsFreqs
	IndexDocsFreqsPositions
	IndexDocsFreqsPositionsOffsets
)

func (o IndexOptions) String() string {
	switch o {
	case IndexNone:
		return "none"
	case IndexDocs:
		return "docs"
	case IndexDocsFreqs:
		return "docs_freqs"
	case IndexDocsFreqsPositions:
		return "docs_freqs_positions"
	case IndexDocsFreqsPositionsOffsets:
		return "docs_freqs_positions_offsets"
	default:
		return fmt.Sprintf("IndexOptions(%d)", o)
	}
}

// IsIndexed reports whether the field has postings.
func (o IndexOptions) IsIndexed() bool { return o != IndexNone }

// HasFreqs reports whether postings record term frequencies.
func (o IndexOptions) HasFreqs() bool { return o >= IndexDocsFreqs }

// HasPositions reports whether postings record positions.
func (o IndexOptions) HasPositions() bool { return o >= IndexDocsFreqsPositions }

// HasOffsets reports whether postings record character offsets.
func (o IndexOptions) HasOffsets() bool { return o >= IndexDocsFreqsPositionsOffsets }

// DocValuesType selects the per-document value encoding of a field.
type DocValuesType uint8

const (
	DocValuesNone DocValuesType = iota
	DocValuesNumeric
	DocValuesBinary
	DocValuesSorted
)

func (t DocValuesType) String() string {
	switch t {
	case DocValuesNone:
		return "none"
	case DocValuesNumeric:
		return "numeric"
	case DocValuesBinary:
		return "binary"
	case DocValuesSorted:
		return "sorted"
	default:
		return fmt.Sprintf("DocValuesType(%d)", t)
	}
}

// FieldInfo describes one field of a segment.
type FieldInfo struct {
	Name          string
	Number        int
	IndexOptions  IndexOptions
	DocValues     DocValuesType
	StorePayloads bool
	Attributes    map[string]string
}

// FieldInfos is the immutable set of fields of one segment.
type FieldInfos struct {
	byNumber []*FieldInfo
	byName   map[string]*FieldInfo
}

// NewFieldInfos validates infos and builds the lookup tables.
func NewFieldInfos(infos []*FieldInfo) (*FieldInfos, error) {
	fis := &FieldInfos{byName: make(map[string]*FieldInfo, len(infos))}
	sorted := append([]*FieldInfo(nil), infos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	for _, fi := range sorted {
		if fi.Number < 0 {
			return nil, fmt.Errorf("field %q: illegal number %d", fi.Name, fi.Number)
		}
		if _, dup := fis.byName[fi.Name]; dup {
			return nil, fmt.Errorf("duplicate field name %q", fi.Name)
		}
		for len(fis.byNumber) <= fi.Number {
			fis.byNumber = append(fis.byNumber, nil)
		}
		if fis.byNumber[fi.Number] != nil {
			return nil, fmt.Errorf("duplicate field number %d (%q, %q)", fi.Number, fis.byNumber[fi.Number].Name, fi.Name)
		}
		fis.byNumber[fi.Number] = fi
		fis.byName[fi.Name] = fi
	}
	return fis, nil
}

// ByName returns the field named name.
func (f *FieldInfos) ByName(name string) (*FieldInfo, bool) {
	fi, ok := f.byName[name]
	return fi, ok
}

// ByNumber returns the field with number n.
func (f *FieldInfos) ByNumber(n int) (*FieldInfo, bool) {
	if n < 0 || n >= len(f.byNumber) || f.byNumber[n] == nil {
		return nil, false
	}
	return f.byNumber[n], true
}

// All returns the fields ordered by number.
func (f *FieldInfos) All() []*FieldInfo {
	out := make([]*FieldInfo, 0, len(f.byName))
	for _, fi := range f.byNumber {
		if fi != nil {
			out = append(out, fi)
		}
	}
	return out
}

// Len returns the number of fields.
func (f *FieldInfos) Len() int { return len(f.byName) }

// HasPostings reports whether any field is indexed.
func (f *FieldInfos) HasPostings() bool {
	for _, fi := range f.byName {
		if fi.IndexOptions.IsIndexed() {
			return true
		}
	}
	return false
}

// HasPositions reports whether any field indexes positions.
func (f *FieldInfos) HasPositions() bool {
	for _, fi := range f.byName {
		if fi.IndexOptions.HasPositions() {
			return true
		}
	}
	return false
}

// HasDocValues reports whether any field has doc values.
func (f *FieldInfos) HasDocValues() bool {
	for _, fi := range f.byName {
		if fi.DocValues != DocValuesNone {
			return true
		}
	}
	return false
}

// FieldInfosBuilder accumulates fields while documents are buffered or segments merged.
type FieldInfosBuilder struct {
	byName map[string]*FieldInfo
	order  []*FieldInfo
}

// NewFieldInfosBuilder creates an empty builder.
func NewFieldInfosBuilder() *FieldInfosBuilder {
	return &FieldInfosBuilder{byName: make(map[string]*FieldInfo)}
}

// Check reports whether Add would accept the field use without changing b.
func (b *FieldInfosBuilder) Check(name string, opts IndexOptions, dv DocValuesType) error {
	fi, ok := b.byName[name]
	if !ok {
		return nil
	}
	if dv != DocValuesNone && fi.DocValues != DocValuesNone && fi.DocValues != dv {
		return fmt.Errorf("field %q: cannot change doc values type from %s to %s", name, fi.DocValues, dv)
	}
	if opts.IsIndexed() && fi.IndexOptions.IsIndexed() && opts != fi.IndexOptions {
		return fmt.Errorf("field %q: cannot change index options from %s to %s", name, fi.IndexOptions, opts)
	}
	return nil
}

// Add registers a field use. An unindexed field may become indexed, but the
// index options of an indexed field are fixed. A field may carry exactly one
// doc values type.
func (b *FieldInfosBuilder) Add(name string, opts IndexOptions, dv DocValuesType, payloads bool) (*FieldInfo, error) {
	if err := b.Check(name, opts, dv); err != nil {
		return nil, err
	}
	fi, ok := b.byName[name]
	if !ok {
		fi = &FieldInfo{
			Name:          name,
			Number:        len(b.order),
			IndexOptions:  opts,
			DocValues:     dv,
			StorePayloads: payloads,
		}
		b.byName[name] = fi
		b.order = append(b.order, fi)
		return fi, nil
	}

	if dv != DocValuesNone {
		fi.DocValues = dv
	}
	if opts.IsIndexed() {
		fi.IndexOptions = opts
	}
	fi.StorePayloads = fi.StorePayloads || payloads
	return fi, nil
}

// AddInfo merges an existing FieldInfo from another segment.
func (b *FieldInfosBuilder) AddInfo(src *FieldInfo) (*FieldInfo, error) {
	fi, err := b.Add(src.Name, src.IndexOptions, src.DocValues, src.StorePayloads)
	if err != nil {
		return nil, err
	}
	for k, v := range src.Attributes {
		if fi.Attributes == nil {
			fi.Attributes = make(map[string]string)
		}
		fi.Attributes[k] = v
	}
	return fi, nil
}

// ByName returns a registered field.
func (b *FieldInfosBuilder) ByName(name string) (*FieldInfo, bool) {
	fi, ok := b.byName[name]
	return fi, ok
}

// Len returns the number of registered fields.
func (b *FieldInfosBuilder) Len() int { return len(b.order) }

// Finish returns an immutable snapshot of the registered fields.
func (b *FieldInfosBuilder) Finish() *FieldInfos {
	infos := make([]*FieldInfo, len(b.order))
	for i, fi := range b.order {
		c := *fi
		if fi.Attributes != nil {
			c.Attributes = make(map[string]string, len(fi.Attributes))
			for k, v := range fi.Attributes {
				c.Attributes[k] = v
			}
		}
		infos[i] = &c
	}
	// Numbers are dense and unique by construction.
	fis, _ := NewFieldInfos(infos)
	return fis
}
