package model

import (
	"fmt"
	"sort"
)

// Diagnostic keys recorded on every segment.
const (
	DiagSource    = "source"
	DiagTimestamp = "timestamp"
	DiagOS        = "os"
	DiagGoVersion = "go"
	DiagMergeMax  = "merge_max_segments"

	SourceFlush = "flush"
	SourceMerge = "merge"
)

// SegmentInfo describes the immutable part of a segment.
type SegmentInfo struct {
	Name        string
	ID          [16]byte
	MaxDoc      int
	Codec       string
	Version     string
	Diagnostics map[string]string
	Attributes  map[string]string

	files []string
}

// Files returns the sorted file set of the segment, without live docs.
func (si *SegmentInfo) Files() []string {
	return append([]string(nil), si.files...)
}

// SetFiles replaces the file set.
func (si *SegmentInfo) SetFiles(files []string) {
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[f] = struct{}{}
	}
	si.files = si.files[:0]
	for f := range set {
		si.files = append(si.files, f)
	}
	sort.Strings(si.files)
}

// AddFile adds name to the file set.
func (si *SegmentInfo) AddFile(name string) {
	i := sort.SearchStrings(si.files, name)
	if i < len(si.files) && si.files[i] == name {
		return
	}
	si.files = append(si.files, "")
	copy(si.files[i+1:], si.files[i:])
	si.files[i] = name
}

func (si *SegmentInfo) String() string {
	return fmt.Sprintf("%s(%s):%d", si.Name, si.Codec, si.MaxDoc)
}

// SegmentCommitInfo is the per-commit view of a segment: the immutable
// SegmentInfo plus its deletion generation.
type SegmentCommitInfo struct {
	Info *SegmentInfo

	// DelGen is the generation of the live docs file, or -1 when the
	// segment has no deletions.
	DelGen int64

	// DelCount is the number of deleted documents as of DelGen.
	DelCount int

	// NextDelGen is the generation the next live docs file will use.
	NextDelGen int64

	sizeInBytes int64
}

// NewSegmentCommitInfo returns a commit info without deletions.
func NewSegmentCommitInfo(info *SegmentInfo) *SegmentCommitInfo {
	return &SegmentCommitInfo{Info: info, DelGen: -1, NextDelGen: 1, sizeInBytes: -1}
}

// HasDeletions reports whether a live docs file exists.
func (c *SegmentCommitInfo) HasDeletions() bool { return c.DelGen >= 0 }

// NumDocs returns the number of live documents.
func (c *SegmentCommitInfo) NumDocs() int { return c.Info.MaxDoc - c.DelCount }

// LiveDocsFile returns the live docs file of DelGen, or "".
func (c *SegmentCommitInfo) LiveDocsFile() string {
	if c.DelGen < 0 {
		return ""
	}
	return GenerationFileName(c.Info.Name, ExtLiveDocs, c.DelGen)
}

// Files returns every file the segment needs in this commit.
func (c *SegmentCommitInfo) Files() []string {
	files := c.Info.Files()
	if liv := c.LiveDocsFile(); liv != "" {
		files = append(files, liv)
	}
	return files
}

// AdvanceDelGen moves to a new deletion generation and returns it.
func (c *SegmentCommitInfo) AdvanceDelGen(delCount int) int64 {
	c.DelGen = c.NextDelGen
	c.NextDelGen++
	c.DelCount = delCount
	c.sizeInBytes = -1
	return c.DelGen
}

// SizeInBytes returns the cached total file size or -1 if unknown.
func (c *SegmentCommitInfo) SizeInBytes() int64 { return c.sizeInBytes }

// SetSizeInBytes caches the total file size.
func (c *SegmentCommitInfo) SetSizeInBytes(n int64) { c.sizeInBytes = n }

// Clone returns a copy that shares the immutable SegmentInfo.
func (c *SegmentCommitInfo) Clone() *SegmentCommitInfo {
	cp := *c
	return &cp
}

func (c *SegmentCommitInfo) String() string {
	if c.DelCount > 0 {
		return fmt.Sprintf("%s/%d", c.Info, c.DelCount)
	}
	return c.Info.String()
}
