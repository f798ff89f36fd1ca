package codec

import (
	"context"

	"github.com/hupe1980/segidx/internal/cache"
	"github.com/hupe1980/segidx/internal/resource"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

// SegmentWriteState carries what a format writer needs to create segment files.
type SegmentWriteState struct {
	Dir        *store.Directory
	Info       *model.SegmentInfo
	FieldInfos *model.FieldInfos

	// Throttle rate limits writes when set. Merges use it.
	Throttle *resource.Controller
}

// CreateOutput creates the segment file with the given extension and records
// it in the segment's file set.
func (s *SegmentWriteState) CreateOutput(ctx context.Context, ext string) (*store.IndexOutput, error) {
	name := model.SegmentFileName(s.Info.Name, "", ext)
	var (
		out *store.IndexOutput
		err error
	)
	if s.Throttle != nil {
		out, err = s.Dir.CreateThrottledOutput(ctx, name, s.Throttle)
	} else {
		out, err = s.Dir.CreateOutput(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	s.Info.AddFile(name)
	return out, nil
}

// Header returns a header for a file of this segment.
func (s *SegmentWriteState) Header(format string, version int) store.Header {
	return store.Header{Format: format, Version: version, ID: s.Info.ID}
}

// SegmentReadState carries what a format reader needs to open segment files.
type SegmentReadState struct {
	Dir        *store.Directory
	Info       *model.SegmentInfo
	FieldInfos *model.FieldInfos

	// Cache holds decompressed blocks shared between readers. May be nil.
	Cache cache.BlockCache
}

// OpenInput opens and checksums the segment file with the given extension.
func (s *SegmentReadState) OpenInput(ctx context.Context, ext string) (*store.IndexInput, error) {
	return s.Dir.OpenInput(ctx, model.SegmentFileName(s.Info.Name, "", ext))
}

// HasFile reports whether the segment wrote a file with the given extension.
func (s *SegmentReadState) HasFile(ext string) bool {
	name := model.SegmentFileName(s.Info.Name, "", ext)
	for _, f := range s.Info.Files() {
		if f == name {
			return true
		}
	}
	return false
}
