package model

import (
	"strconv"
	"strings"
)

// File extensions of segment files.
const (
	ExtSegmentInfo   = "si"
	ExtFieldInfos    = "fnm"
	ExtStoredData    = "fdt"
	ExtStoredIndex   = "fdx"
	ExtTermDict      = "tim"
	ExtDocs          = "doc"
	ExtPositions     = "pos"
	ExtBloom         = "blm"
	ExtDocValuesMeta = "dvm"
	ExtDocValuesData = "dvd"
	ExtLiveDocs      = "liv"
)

// SegmentName returns the segment name for a counter value.
func SegmentName(counter int64) string {
	return "_" + strconv.FormatInt(counter, 36)
}

// ParseSegmentCounter returns the counter encoded in a segment name.
func ParseSegmentCounter(name string) (int64, bool) {
	if !strings.HasPrefix(name, "_") {
		return 0, false
	}
	n, err := strconv.ParseInt(name[1:], 36, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SegmentFileName returns "<segment>.<ext>" or "<segment>_<suffix>.<ext>".
func SegmentFileName(segment, suffix, ext string) string {
	var b strings.Builder
	b.WriteString(segment)
	if suffix != "" {
		b.WriteByte('_')
		b.WriteString(suffix)
	}
	if ext != "" {
		b.WriteByte('.')
		b.WriteString(ext)
	}
	return b.String()
}

// GenerationFileName returns the file name of a generational file such as live docs.
func GenerationFileName(segment, ext string, gen int64) string {
	return SegmentFileName(segment, strconv.FormatInt(gen, 36), ext)
}

// ParseSegmentName returns the segment prefix of a segment file name, or ""
// if name does not belong to a segment.
func ParseSegmentName(name string) string {
	if !strings.HasPrefix(name, "_") {
		return ""
	}
	end := len(name)
	if i := strings.IndexByte(name[1:], '_'); i >= 0 {
		end = i + 1
	}
	if i := strings.IndexByte(name, '.'); i >= 0 && i < end {
		end = i
	}
	return name[:end]
}
