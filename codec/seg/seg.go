package seg

import "github.com/hupe1980/segidx/codec"

// Codec names.
const (
	Seg09 = "Seg09"
	Seg10 = "Seg10"
	Seg11 = "Seg11"

	// Current is the codec used for new segments.
	Current = Seg11
)

// NewSeg09 returns the snappy codec without term bloom filters.
func NewSeg09() *codec.Codec {
	return newCodec(Seg09, CompressionSnappy, PostingsVersionPlain)
}

// NewSeg10 returns the lz4 codec without term bloom filters.
func NewSeg10() *codec.Codec {
	return newCodec(Seg10, CompressionLZ4, PostingsVersionPlain)
}

// NewSeg11 returns the zstd codec with per-field term bloom filters.
func NewSeg11() *codec.Codec {
	return newCodec(Seg11, CompressionZstd, PostingsVersionBloom)
}

func newCodec(name string, c Compression, postingsVersion int) *codec.Codec {
	return &codec.Codec{
		Name:         name,
		StoredFields: NewStoredFieldsFormat(c),
		Postings:     NewPostingsFormat(postingsVersion),
		DocValues:    DocValuesFormat{},
		FieldInfos:   FieldInfosFormat{},
		SegmentInfo:  SegmentInfoFormat{},
		LiveDocs:     LiveDocsFormat{},
	}
}

// RegisterAll adds every shipped codec to r and makes Current the default.
func RegisterAll(r *codec.Registry) {
	r.Register(NewSeg09())
	r.Register(NewSeg10())
	r.Register(NewSeg11())
	if err := r.SetDefault(Current); err != nil {
		panic(err)
	}
}

func init() {
	RegisterAll(codec.DefaultRegistry())
}
