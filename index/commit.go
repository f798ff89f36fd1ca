package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

const (
	commitFormatName = "SegCommit"
	commitVersion    = 1

	segmentsPrefix        = "segments_"
	pendingSegmentsPrefix = "pending_segments_"
)

// CommitPoint is a durable snapshot of the segments that make up the index.
type CommitPoint struct {
	Generation int64
	ID         [store.IDLength]byte
	Segments   []*model.SegmentCommitInfo
	UserData   map[string]string

	// Counter is the next segment name counter at commit time.
	Counter int64
}

// SegmentsFileName returns the commit file name of generation gen.
func SegmentsFileName(gen int64) string {
	return segmentsPrefix + strconv.FormatInt(gen, 10)
}

func pendingSegmentsFileName(gen int64) string {
	return pendingSegmentsPrefix + strconv.FormatInt(gen, 10)
}

// FileName returns the name of the commit file.
func (c *CommitPoint) FileName() string { return SegmentsFileName(c.Generation) }

// Files returns every file the commit needs, including its own commit file.
func (c *CommitPoint) Files() []string {
	files := []string{c.FileName()}
	for _, sci := range c.Segments {
		files = append(files, sci.Files()...)
	}
	slices.Sort(files)
	return slices.Compact(files)
}

// MaxDoc returns the number of document ordinals across all segments.
func (c *CommitPoint) MaxDoc() int {
	n := 0
	for _, sci := range c.Segments {
		n += sci.Info.MaxDoc
	}
	return n
}

// NumDocs returns the number of live documents across all segments.
func (c *CommitPoint) NumDocs() int {
	n := 0
	for _, sci := range c.Segments {
		n += sci.NumDocs()
	}
	return n
}

// Segment returns the commit info of the named segment.
func (c *CommitPoint) Segment(name string) (*model.SegmentCommitInfo, bool) {
	for _, sci := range c.Segments {
		if sci.Info.Name == name {
			return sci, true
		}
	}
	return nil, false
}

func (c *CommitPoint) String() string {
	names := make([]string, len(c.Segments))
	for i, sci := range c.Segments {
		names[i] = sci.String()
	}
	return fmt.Sprintf("%s[%s]", c.FileName(), strings.Join(names, " "))
}

// clone copies the segment list and commit infos so the result can be edited.
func (c *CommitPoint) clone() *CommitPoint {
	cp := *c
	cp.Segments = make([]*model.SegmentCommitInfo, len(c.Segments))
	for i, sci := range c.Segments {
		cp.Segments[i] = sci.Clone()
	}
	if c.UserData != nil {
		cp.UserData = make(map[string]string, len(c.UserData))
		for k, v := range c.UserData {
			cp.UserData[k] = v
		}
	}
	return &cp
}

func newCommitID() [store.IDLength]byte {
	return [store.IDLength]byte(uuid.New())
}

// writeCommit writes c to name. The caller syncs and renames it.
func writeCommit(ctx context.Context, dir *store.Directory, c *CommitPoint, name string) error {
	userData, err := msgpack.Marshal(c.UserData)
	if err != nil {
		return fmt.Errorf("encode commit user data: %w", err)
	}

	out, err := dir.CreateOutput(ctx, name)
	if err != nil {
		return err
	}
	store.WriteHeader(out, store.Header{
		Format:  commitFormatName,
		Version: commitVersion,
		ID:      c.ID,
		Suffix:  strconv.FormatInt(c.Generation, 36),
	})
	out.WriteUvarint(uint64(c.Counter))
	out.WriteUvarint(uint64(len(c.Segments)))
	for _, sci := range c.Segments {
		out.WriteString(sci.Info.Name)
		out.WriteBytes(sci.Info.ID[:])
		out.WriteString(sci.Info.Codec)
		out.WriteVarint(sci.DelGen)
		out.WriteUvarint(uint64(sci.DelCount))
		out.WriteUvarint(uint64(sci.NextDelGen))
	}
	out.WriteLenBytes(userData)

	if err := store.WriteFooter(out); err != nil {
		_ = out.Abort()
		return err
	}
	return out.Close()
}

type commitSegment struct {
	name       string
	id         [store.IDLength]byte
	codec      string
	delGen     int64
	delCount   int
	nextDelGen int64
}

// commitFileError marks a failure of the commit file itself, as opposed to
// one of the segment files it references.
type commitFileError struct{ err error }

func (e *commitFileError) Error() string { return e.err.Error() }
func (e *commitFileError) Unwrap() error { return e.err }

// readCommit reads the commit file name and the segment infos it references.
func readCommit(ctx context.Context, dir *store.Directory, reg *codec.Registry, name string) (*CommitPoint, error) {
	gen, ok := parseGeneration(name, segmentsPrefix)
	if !ok {
		return nil, fmt.Errorf("not a commit file: %q", name)
	}

	c, segs, err := readCommitFile(ctx, dir, name, gen)
	if err != nil {
		return nil, &commitFileError{err: err}
	}

	for _, s := range segs {
		cd, err := reg.ForName(s.codec)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", s.name, err)
		}
		info, err := cd.SegmentInfo.Read(ctx, dir, s.name, s.id)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", s.name, err)
		}
		if info.Codec != s.codec {
			return nil, store.Corruptf(name, "segment %s codec %q, .si says %q", s.name, s.codec, info.Codec)
		}
		if s.delCount > info.MaxDoc {
			return nil, store.Corruptf(name, "segment %s deletes %d of %d docs", s.name, s.delCount, info.MaxDoc)
		}
		sci := model.NewSegmentCommitInfo(info)
		sci.DelGen = s.delGen
		sci.DelCount = s.delCount
		sci.NextDelGen = s.nextDelGen
		c.Segments = append(c.Segments, sci)
	}
	return c, nil
}

func readCommitFile(ctx context.Context, dir *store.Directory, name string, gen int64) (*CommitPoint, []commitSegment, error) {
	in, err := dir.OpenInput(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	defer in.Close()

	h, err := store.ReadHeader(in)
	if err != nil {
		return nil, nil, err
	}
	if h.Format != commitFormatName {
		return nil, nil, store.Corruptf(name, "format %q, want %q", h.Format, commitFormatName)
	}
	if h.Version != commitVersion {
		return nil, nil, &store.UnsupportedFormatError{
			Resource: name,
			Format:   commitFormatName,
			Version:  h.Version,
			Min:      commitVersion,
			Max:      commitVersion,
		}
	}
	if h.Suffix != strconv.FormatInt(gen, 36) {
		return nil, nil, store.Corruptf(name, "generation suffix %q does not match file name", h.Suffix)
	}

	c := &CommitPoint{Generation: gen, ID: h.ID}
	c.Counter = int64(in.ReadUvarint())
	n := in.ReadInt(in.ContentLen())
	segs := make([]commitSegment, 0, n)
	seen := make(map[string]struct{}, n)
	for range n {
		var s commitSegment
		s.name = in.ReadString()
		copy(s.id[:], in.ReadBytes(store.IDLength))
		s.codec = in.ReadString()
		s.delGen = in.ReadVarint()
		s.delCount = in.ReadInt(math.MaxInt32)
		s.nextDelGen = int64(in.ReadUvarint())
		if in.Err() != nil {
			break
		}
		if _, dup := seen[s.name]; dup {
			return nil, nil, store.Corruptf(name, "duplicate segment %s", s.name)
		}
		seen[s.name] = struct{}{}
		if s.delGen < 0 && s.delCount != 0 {
			return nil, nil, store.Corruptf(name, "segment %s has deletes without a live docs generation", s.name)
		}
		segs = append(segs, s)
	}
	raw := in.ReadLenBytes()
	if err := in.Err(); err != nil {
		return nil, nil, err
	}
	if len(raw) > 0 {
		if err := msgpack.Unmarshal(raw, &c.UserData); err != nil {
			return nil, nil, &store.CorruptionError{Resource: name, Reason: "decode user data", Err: err}
		}
	}
	return c, segs, nil
}

func parseGeneration(name, prefix string) (int64, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	gen, err := strconv.ParseInt(name[len(prefix):], 10, 64)
	if err != nil || gen <= 0 {
		return 0, false
	}
	return gen, true
}

// commitGenerations returns the generations of all commit files, ascending.
func commitGenerations(files []string) []int64 {
	var gens []int64
	for _, f := range files {
		if gen, ok := parseGeneration(f, segmentsPrefix); ok {
			gens = append(gens, gen)
		}
	}
	slices.Sort(gens)
	return gens
}

// readLatestCommit returns the newest commit whose commit file is intact.
// Commit files that are missing or fail their checksum are skipped.
func readLatestCommit(ctx context.Context, dir *store.Directory, reg *codec.Registry, logger *slog.Logger) (*CommitPoint, error) {
	files, err := dir.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	gens := commitGenerations(files)
	for i := len(gens) - 1; i >= 0; i-- {
		name := SegmentsFileName(gens[i])
		c, err := readCommit(ctx, dir, reg, name)
		if err == nil {
			return c, nil
		}
		if skippableCommitError(err) {
			logger.WarnContext(ctx, "skipping unreadable commit", "file", name, "error", err)
			continue
		}
		return nil, err
	}
	return nil, ErrNoCommit
}

func skippableCommitError(err error) bool {
	var cfe *commitFileError
	if !errors.As(err, &cfe) {
		return false
	}
	return errors.Is(err, store.ErrCorrupt) || errors.Is(err, blobstore.ErrNotFound)
}

// ListCommits returns every readable commit in the directory, oldest first.
// Commits whose files are damaged are skipped.
func ListCommits(ctx context.Context, dir *store.Directory, opts ...Option) ([]*CommitPoint, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return listCommits(ctx, dir, cfg.registry(), cfg.logger())
}

func listCommits(ctx context.Context, dir *store.Directory, reg *codec.Registry, logger *slog.Logger) ([]*CommitPoint, error) {
	files, err := dir.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var commits []*CommitPoint
	for _, gen := range commitGenerations(files) {
		c, err := readCommit(ctx, dir, reg, SegmentsFileName(gen))
		if err != nil {
			if skippableCommitError(err) {
				logger.WarnContext(ctx, "skipping unreadable commit", "generation", gen, "error", err)
				continue
			}
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}
