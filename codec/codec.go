package codec

import (
	"github.com/hupe1980/segidx/store"
)

// ErrUnsupportedFormat matches every *UnsupportedFormatError.
var ErrUnsupportedFormat = store.ErrUnsupportedFormat

// UnsupportedFormatError reports an unknown codec name or format version.
type UnsupportedFormatError = store.UnsupportedFormatError

// Codec is a named bundle of format implementations.
type Codec struct {
	Name string

	StoredFields StoredFieldsFormat
	Postings     PostingsFormat
	DocValues    DocValuesFormat
	FieldInfos   FieldInfosFormat
	SegmentInfo  SegmentInfoFormat
	LiveDocs     LiveDocsFormat
}

func (c *Codec) String() string { return c.Name }

// Validate reports whether every format is set.
func (c *Codec) Validate() error {
	switch {
	case c.Name == "":
		return errInvalidCodec("missing name")
	case c.StoredFields == nil:
		return errInvalidCodec(c.Name + ": missing stored fields format")
	case c.Postings == nil:
		return errInvalidCodec(c.Name + ": missing postings format")
	case c.DocValues == nil:
		return errInvalidCodec(c.Name + ": missing doc values format")
	case c.FieldInfos == nil:
		return errInvalidCodec(c.Name + ": missing field infos format")
	case c.SegmentInfo == nil:
		return errInvalidCodec(c.Name + ": missing segment info format")
	case c.LiveDocs == nil:
		return errInvalidCodec(c.Name + ": missing live docs format")
	}
	return nil
}

type errInvalidCodec string

func (e errInvalidCodec) Error() string { return "invalid codec: " + string(e) }
