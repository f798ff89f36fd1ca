package index

import "github.com/RoaringBitmap/roaring/v2"

// LiveDocs is the mutable deletion state of one segment. A set bit marks a
// live document.
type LiveDocs struct {
	maxDoc int
	bits   *roaring.Bitmap
}

// NewLiveDocs returns live docs with every document live.
func NewLiveDocs(maxDoc int) *LiveDocs {
	bits := roaring.New()
	bits.AddRange(0, uint64(maxDoc))
	return &LiveDocs{maxDoc: maxDoc, bits: bits}
}

// LiveDocsFromBitmap wraps bits. The bitmap is owned by the result.
func LiveDocsFromBitmap(maxDoc int, bits *roaring.Bitmap) *LiveDocs {
	return &LiveDocs{maxDoc: maxDoc, bits: bits}
}

// MaxDoc returns the number of document ordinals.
func (l *LiveDocs) MaxDoc() int { return l.maxDoc }

// MarkDeleted clears doc. It reports whether doc was live; deleting a
// deleted document has no effect.
func (l *LiveDocs) MarkDeleted(doc int) bool {
	if doc < 0 || doc >= l.maxDoc {
		return false
	}
	return l.bits.CheckedRemove(uint32(doc))
}

// IsLive reports whether doc is live.
func (l *LiveDocs) IsLive(doc int) bool {
	return doc >= 0 && doc < l.maxDoc && l.bits.Contains(uint32(doc))
}

// NumLive returns the number of live documents.
func (l *LiveDocs) NumLive() int { return int(l.bits.GetCardinality()) }

// NumDeleted returns the number of deleted documents.
func (l *LiveDocs) NumDeleted() int { return l.maxDoc - l.NumLive() }

// Freeze returns an immutable snapshot of the live bits.
func (l *LiveDocs) Freeze() *roaring.Bitmap { return l.bits.Clone() }

// Clone returns an independent copy.
func (l *LiveDocs) Clone() *LiveDocs {
	return &LiveDocs{maxDoc: l.maxDoc, bits: l.bits.Clone()}
}

// Equal reports whether both hold the same live set.
func (l *LiveDocs) Equal(o *LiveDocs) bool {
	return l.maxDoc == o.maxDoc && l.bits.Equals(o.bits)
}
