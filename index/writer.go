package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/document"
	"github.com/hupe1980/segidx/internal/cache"
	"github.com/hupe1980/segidx/internal/resource"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

// segmentEntry is the writer's bookkeeping for one segment.
type segmentEntry struct {
	info       *model.SegmentCommitInfo
	fieldInfos *model.FieldInfos
	state      SegmentState
	sizeBytes  int64

	// live includes deletes not yet committed; committedLive matches
	// info.DelGen. committedLive is replaced, never modified.
	live          *LiveDocs
	committedLive *LiveDocs

	merge *oneMerge

	coreMu sync.Mutex
	core   *segmentCore
}

func (e *segmentEntry) name() string { return e.info.Info.Name }

func (e *segmentEntry) pendingDeletes() int { return e.live.NumDeleted() - e.committedLive.NumDeleted() }

// acquireCore opens the segment's readers on first use. The caller must
// decRef the result.
func (e *segmentEntry) acquireCore(ctx context.Context, w *Writer) (*segmentCore, error) {
	e.coreMu.Lock()
	defer e.coreMu.Unlock()

	if e.core == nil {
		c, err := openCore(ctx, w.dir, w.reg, e.info.Info, w.cache)
		if err != nil {
			return nil, fmt.Errorf("open segment %s: %w", e.name(), err)
		}
		e.core = c
	}
	e.core.incRef()
	return e.core, nil
}

func (e *segmentEntry) releaseCore() error {
	e.coreMu.Lock()
	defer e.coreMu.Unlock()

	if e.core == nil {
		return nil
	}
	err := e.core.decRef()
	e.core = nil
	return err
}

// Writer is the single writer of an index. It buffers documents, flushes
// them into segments, applies deletes and publishes commits. All methods
// are safe for concurrent use.
type Writer struct {
	dir       *store.Directory
	cfg       Config
	codec     *codec.Codec
	reg       *codec.Registry
	logger    *slog.Logger
	metrics   MetricsObserver
	policy    MergePolicy
	delPolicy DeletionPolicy
	analyzer  document.Analyzer
	rc        *resource.Controller
	cache     cache.BlockCache
	lock      store.Lock
	scheduler *MergeScheduler

	// commitMu serializes commits, including merge commits. PrepareCommit
	// holds it until Commit or Rollback. Acquire it before mu.
	commitMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	buffer       *docBuffer
	segments     []*segmentEntry
	fieldTypes   *model.FieldInfosBuilder
	counter      int64
	nextGen      int64
	lastCommit   *CommitPoint
	commits      []*CommitPoint
	pending      *pendingCommit
	changeSeq    int64
	committedSeq int64

	// orphans are files of discarded uncommitted segments. A commit that
	// was prepared before the discard may still reference them.
	orphans []string

	merges       map[*oneMerge]struct{}
	mergeSeq     int64
	mergesPaused int
	mergesIdle   chan struct{}
}

// OpenWriter acquires the write lock of dir and opens a writer on it.
// A second writer on the same directory fails with a *store.LockHeldError.
func OpenWriter(ctx context.Context, dir *store.Directory, opts ...Option) (*Writer, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cd, err := cfg.codec()
	if err != nil {
		return nil, err
	}

	lock, err := store.ObtainLockWithRetry(ctx, dir, store.WriteLockName, cfg.LockWaitTimeout)
	if err != nil {
		return nil, err
	}

	rc := resource.NewController(resource.Config{
		MemoryBudget:     cfg.MemoryBudgetBytes,
		MergeSlots:       cfg.MergeWorkers,
		MergeBytesPerSec: cfg.MergeIOBytesPerSec,
	})
	w := &Writer{
		dir:        dir,
		cfg:        cfg,
		codec:      cd,
		reg:        cfg.registry(),
		logger:     cfg.logger(),
		metrics:    cfg.metrics(),
		policy:     cfg.mergePolicy(),
		delPolicy:  cfg.deletionPolicy(),
		analyzer:   cfg.analyzer(),
		rc:         rc,
		lock:       lock,
		buffer:     newDocBuffer(),
		fieldTypes: model.NewFieldInfosBuilder(),
		merges:     make(map[*oneMerge]struct{}),
	}
	if cfg.BlockCacheBytes > 0 {
		w.cache = cache.New(cfg.BlockCacheBytes, rc)
	}

	if err := w.init(ctx); err != nil {
		w.releaseAll()
		_ = lock.Close()
		return nil, err
	}
	w.scheduler = NewMergeScheduler(cfg.MergeWorkers, rc, w.metrics.OnMergeQueue)

	w.logger.InfoContext(ctx, "opened writer",
		"mode", cfg.OpenMode,
		"codec", cd.Name,
		"segments", len(w.segments),
		"generation", w.generation())
	return w, nil
}

func (w *Writer) init(ctx context.Context) error {
	files, err := w.dir.ListAll(ctx)
	if err != nil {
		return err
	}
	commits, err := listCommits(ctx, w.dir, w.reg, w.logger)
	if err != nil {
		return err
	}

	var latest *CommitPoint
	if len(commits) > 0 {
		latest = commits[len(commits)-1]
	}
	base := latest
	switch w.cfg.OpenMode {
	case OpenModeAppend:
		if latest == nil {
			return ErrNoCommit
		}
	case OpenModeCreate:
		base = nil
	}

	for _, c := range commits {
		w.dir.Refs().IncRef(c.Files()...)
	}
	w.commits = commits
	w.lastCommit = base

	var maxGen int64
	for _, f := range files {
		if gen, ok := parseGeneration(f, segmentsPrefix); ok {
			maxGen = max(maxGen, gen)
		}
		if gen, ok := parseGeneration(f, pendingSegmentsPrefix); ok {
			maxGen = max(maxGen, gen)
		}
		if n, ok := model.ParseSegmentCounter(model.ParseSegmentName(f)); ok {
			w.counter = max(w.counter, n+1)
		}
	}
	w.nextGen = maxGen + 1
	if latest != nil {
		w.counter = max(w.counter, latest.Counter)
	}

	if base != nil {
		for _, sci := range base.Segments {
			e, err := w.loadEntry(ctx, sci)
			if err != nil {
				return err
			}
			w.segments = append(w.segments, e)
		}
	} else {
		// A new index commits even when nothing is added.
		w.changeSeq++
	}
	if err := w.rebuildFieldTypesLocked(); err != nil {
		return err
	}

	var leftovers []string
	for _, f := range files {
		if isIndexFile(f) && w.dir.Refs().RefCount(f) == 0 {
			leftovers = append(leftovers, f)
		}
	}
	if len(leftovers) > 0 {
		w.logger.InfoContext(ctx, "deleting unreferenced files", "files", leftovers)
		if err := w.dir.Refs().DeleteUnreferenced(ctx, leftovers...); err != nil {
			w.logger.WarnContext(ctx, "failed to delete unreferenced files", "error", err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	dropped, obsolete := w.applyDeletionPolicyLocked()
	return w.releaseCommits(ctx, dropped, obsolete)
}

func isIndexFile(name string) bool {
	return model.ParseSegmentName(name) != "" ||
		strings.HasPrefix(name, segmentsPrefix) ||
		strings.HasPrefix(name, pendingSegmentsPrefix)
}

// loadEntry builds the entry of a committed segment.
func (w *Writer) loadEntry(ctx context.Context, sci *model.SegmentCommitInfo) (*segmentEntry, error) {
	cd, err := w.reg.ForName(sci.Info.Codec)
	if err != nil {
		return nil, err
	}
	fis, err := cd.FieldInfos.Read(ctx, w.dir, sci.Info)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", sci.Info.Name, err)
	}
	committed := NewLiveDocs(sci.Info.MaxDoc)
	if sci.HasDeletions() {
		bits, err := cd.LiveDocs.Read(ctx, w.dir, sci)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", sci.Info.Name, err)
		}
		committed = LiveDocsFromBitmap(sci.Info.MaxDoc, bits)
	}
	size, err := w.segmentSize(ctx, sci.Info)
	if err != nil {
		return nil, err
	}
	return &segmentEntry{
		info:          sci,
		fieldInfos:    fis,
		state:         StateCommitted,
		sizeBytes:     size,
		live:          committed.Clone(),
		committedLive: committed,
	}, nil
}

func (w *Writer) segmentSize(ctx context.Context, info *model.SegmentInfo) (int64, error) {
	var total int64
	for _, f := range info.Files() {
		n, err := w.dir.FileLength(ctx, f)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (w *Writer) rebuildFieldTypesLocked() error {
	b := model.NewFieldInfosBuilder()
	for _, e := range w.segments {
		for _, fi := range e.fieldInfos.All() {
			if _, err := b.AddInfo(fi); err != nil {
				return fmt.Errorf("segment %s: %w", e.name(), err)
			}
		}
	}
	w.fieldTypes = b
	return nil
}

func (w *Writer) transition(e *segmentEntry, next SegmentState, op string) error {
	if !e.state.CanTransition(next) {
		return &InvariantViolationError{Segment: e.name(), Op: op, State: e.state}
	}
	e.state = next
	return nil
}

func (w *Writer) ensureOpenLocked() error {
	if w.closed {
		return ErrClosed
	}
	return nil
}

func (w *Writer) ensureWritableLocked() error {
	if w.closed {
		return ErrClosed
	}
	if w.pending != nil {
		return ErrPrepareCommitPending
	}
	return nil
}

func (w *Writer) generation() int64 {
	if w.lastCommit == nil {
		return 0
	}
	return w.lastCommit.Generation
}

func (w *Writer) needsFlushLocked() bool {
	if w.cfg.MaxBufferedDocs > 0 && w.buffer.len() >= w.cfg.MaxBufferedDocs {
		return true
	}
	return w.cfg.RAMBufferSizeBytes > 0 && w.buffer.bytes >= w.cfg.RAMBufferSizeBytes
}

func (w *Writer) checkFieldTypesLocked(uses []fieldUse) error {
	for _, u := range uses {
		if err := w.fieldTypes.Check(u.name, u.opts, u.dv); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) bufferLocked(d *bufferedDoc, uses []fieldUse) error {
	for _, u := range uses {
		if _, err := w.fieldTypes.Add(u.name, u.opts, u.dv, u.payloads); err != nil {
			return err
		}
	}
	if err := w.buffer.add(d, uses); err != nil {
		w.rc.Release(d.bytes)
		return err
	}
	w.changeSeq++
	return nil
}

// reserveLocked charges n buffered bytes against the memory budget,
// flushing the buffer once to make room.
func (w *Writer) reserveLocked(ctx context.Context, n int64) error {
	err := w.rc.Reserve(n)
	if err == nil {
		return nil
	}
	if w.buffer.len() > 0 {
		if ferr := w.flushLocked(ctx); ferr != nil {
			return ferr
		}
		if err = w.rc.Reserve(n); err == nil {
			return nil
		}
	}
	return fmt.Errorf("index: document of %d bytes: %w", n, err)
}

// AddDocument buffers doc. Once the buffer reaches a flush threshold it is
// flushed into a new segment before doc is buffered. The document becomes
// visible to readers after the next commit.
func (w *Writer) AddDocument(ctx context.Context, doc *document.Document) error {
	bd, uses, err := analyze(doc, w.analyzer)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureWritableLocked(); err != nil {
		return err
	}
	if err := w.checkFieldTypesLocked(uses); err != nil {
		return err
	}
	if w.needsFlushLocked() {
		if err := w.flushLocked(ctx); err != nil {
			return err
		}
	}
	if err := w.reserveLocked(ctx, bd.bytes); err != nil {
		return err
	}
	return w.bufferLocked(bd, uses)
}

// DeleteDocuments deletes every document matching any of criteria,
// including buffered ones, and returns the number of documents deleted.
// Deletes become visible with the next commit.
func (w *Writer) DeleteDocuments(ctx context.Context, criteria ...Criterion) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureWritableLocked(); err != nil {
		return 0, err
	}
	del, err := w.collectDeletesLocked(ctx, criteria)
	if err != nil {
		return 0, err
	}
	return w.applyDeletesLocked(del), nil
}

// UpdateDocument deletes the documents matching criterion and adds doc as
// one atomic operation.
func (w *Writer) UpdateDocument(ctx context.Context, criterion Criterion, doc *document.Document) error {
	bd, uses, err := analyze(doc, w.analyzer)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureWritableLocked(); err != nil {
		return err
	}
	if err := w.checkFieldTypesLocked(uses); err != nil {
		return err
	}
	if w.needsFlushLocked() {
		if err := w.flushLocked(ctx); err != nil {
			return err
		}
	}
	if err := w.reserveLocked(ctx, bd.bytes); err != nil {
		return err
	}
	del, err := w.collectDeletesLocked(ctx, []Criterion{criterion})
	if err != nil {
		w.rc.Release(bd.bytes)
		return err
	}
	w.applyDeletesLocked(del)
	return w.bufferLocked(bd, uses)
}

type pendingDeletes struct {
	criteria []Criterion
	segments map[*segmentEntry][]int
}

// collectDeletesLocked finds the segment ordinals matching criteria without
// changing anything.
func (w *Writer) collectDeletesLocked(ctx context.Context, criteria []Criterion) (*pendingDeletes, error) {
	del := &pendingDeletes{criteria: criteria, segments: make(map[*segmentEntry][]int)}
	for _, e := range w.segments {
		switch e.state {
		case StateFlushed, StateCommitted, StateMerging:
		default:
			continue
		}
		if e.live.NumLive() == 0 {
			continue
		}
		core, err := e.acquireCore(ctx, w)
		if err != nil {
			return nil, err
		}
		var docs []int
		for _, c := range criteria {
			err = c.collect(core, func(doc int) {
				if e.live.IsLive(doc) {
					docs = append(docs, doc)
				}
			})
			if err != nil {
				break
			}
		}
		_ = core.decRef()
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", e.name(), err)
		}
		if len(docs) > 0 {
			del.segments[e] = docs
		}
	}
	return del, nil
}

func (w *Writer) applyDeletesLocked(del *pendingDeletes) int {
	n := 0
	for e, docs := range del.segments {
		for _, doc := range docs {
			if e.live.MarkDeleted(doc) {
				n++
			}
		}
	}

	before := w.buffer.bytes
	n += w.buffer.remove(func(d *bufferedDoc) bool {
		for _, c := range del.criteria {
			if c.matchesBuffered(d) {
				return true
			}
		}
		return false
	})
	w.rc.Release(before - w.buffer.bytes)

	if n > 0 {
		w.changeSeq++
		w.metrics.OnDeletes(n)
	}
	return n
}

// DeleteAll removes every document and segment. Like other changes it
// becomes visible with the next commit and can be rolled back.
func (w *Writer) DeleteAll(ctx context.Context) error {
	w.mu.Lock()
	err := w.ensureWritableLocked()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	// A merge that already started publishing finishes first.
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	w.mu.Lock()
	if err := w.ensureWritableLocked(); err != nil {
		w.mu.Unlock()
		return err
	}

	w.abortMergesLocked()
	for _, e := range w.segments {
		if e.state == StateFlushed {
			w.orphans = append(w.orphans, e.info.Files()...)
		}
		if err := w.transition(e, StateRetired, "delete all"); err != nil {
			w.mu.Unlock()
			return err
		}
		_ = e.releaseCore()
	}
	w.segments = nil
	w.rc.Release(w.buffer.bytes)
	w.buffer = newDocBuffer()
	w.fieldTypes = model.NewFieldInfosBuilder()
	w.changeSeq++
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "deleted all documents")
	return nil
}

// Flush writes buffered documents into a new segment without committing.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureWritableLocked(); err != nil {
		return err
	}
	return w.flushLocked(ctx)
}

func (w *Writer) flushLocked(ctx context.Context) error {
	n := w.buffer.len()
	if n == 0 {
		return nil
	}

	start := time.Now()
	name := model.SegmentName(w.counter)
	w.counter++
	fis := w.buffer.fields.Finish()
	info := newSegmentInfo(name, n, w.codec, model.SourceFlush)
	e := &segmentEntry{info: model.NewSegmentCommitInfo(info), fieldInfos: fis, state: StateBuilding}

	err := writeSegment(ctx, &segmentBuild{
		dir:        w.dir,
		codec:      w.codec,
		info:       info,
		fieldInfos: fis,
	}, &bufferSource{docs: w.buffer.docs, fields: fis})
	if err == nil {
		e.sizeBytes, err = w.segmentSize(ctx, info)
	}
	if err != nil {
		_ = w.transition(e, StateRetired, "flush")
		if derr := w.dir.Refs().DeleteUnreferenced(ctx, info.Files()...); derr != nil {
			w.logger.WarnContext(ctx, "failed to delete files of failed flush", "segment", name, "error", derr)
		}
		w.metrics.OnFlush(time.Since(start), n, 0, err)
		w.logger.ErrorContext(ctx, "flush failed", "segment", name, "docs", n, "error", err)
		return fmt.Errorf("flush segment %s: %w", name, err)
	}

	if err := w.transition(e, StateFlushed, "flush"); err != nil {
		return err
	}
	e.live = NewLiveDocs(n)
	e.committedLive = NewLiveDocs(n)
	w.segments = append(w.segments, e)
	w.rc.Release(w.buffer.bytes)
	w.buffer = newDocBuffer()

	dur := time.Since(start)
	w.metrics.OnFlush(dur, n, e.sizeBytes, nil)
	w.logger.DebugContext(ctx, "flushed segment", "segment", name, "docs", n, "bytes", e.sizeBytes, "duration", dur)
	return nil
}

// NumDocs returns the number of live documents including uncommitted ones.
func (w *Writer) NumDocs() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.buffer.len()
	for _, e := range w.segments {
		n += e.live.NumLive()
	}
	return n
}

// MaxDoc returns the number of documents including deleted ones.
func (w *Writer) MaxDoc() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.buffer.len()
	for _, e := range w.segments {
		n += e.info.Info.MaxDoc
	}
	return n
}

// HasUncommittedChanges reports whether anything changed since the last commit.
func (w *Writer) HasUncommittedChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changeSeq != w.committedSeq
}

// LastCommit returns the last durable commit, or nil.
func (w *Writer) LastCommit() *CommitPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCommit
}

// Reader opens a reader on the last commit.
func (w *Writer) Reader(ctx context.Context) (*DirectoryReader, error) {
	w.mu.Lock()
	if err := w.ensureOpenLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	c := w.lastCommit
	if c == nil {
		w.mu.Unlock()
		return nil, ErrNoCommit
	}
	// Pin the files until the reader holds its own references.
	w.dir.Refs().IncRef(c.Files()...)
	w.mu.Unlock()

	r, err := openDirectoryReader(ctx, w.dir, c, &w.cfg)
	if derr := w.dir.Refs().DecRef(ctx, c.Files()...); derr != nil && err == nil {
		w.logger.WarnContext(ctx, "failed to release files", "error", derr)
	}
	return r, err
}

// SegmentStatus describes one segment of a writer.
type SegmentStatus struct {
	Name           string
	State          SegmentState
	Codec          string
	MaxDoc         int
	NumDocs        int
	PendingDeletes int
	SizeBytes      int64
}

// WriterStats is a snapshot of a writer's state.
type WriterStats struct {
	Generation      int64
	Segments        []SegmentStatus
	BufferedDocs    int
	BufferedBytes   int64
	RunningMerges   int
	MemoryBytes     int64
	CacheHits       int64
	CacheMisses     int64
	Uncommitted     bool
	KeptGenerations []int64
}

// Stats returns a snapshot of the writer's state.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := WriterStats{
		Generation:    w.generation(),
		BufferedDocs:  w.buffer.len(),
		BufferedBytes: w.buffer.bytes,
		RunningMerges: len(w.merges),
		MemoryBytes:   w.rc.Reserved(),
		Uncommitted:   w.changeSeq != w.committedSeq,
	}
	if w.cache != nil {
		cs := w.cache.Stats()
		s.CacheHits, s.CacheMisses = cs.Hits, cs.Misses
	}
	for _, c := range w.commits {
		s.KeptGenerations = append(s.KeptGenerations, c.Generation)
	}
	for _, e := range w.segments {
		s.Segments = append(s.Segments, SegmentStatus{
			Name:           e.name(),
			State:          e.state,
			Codec:          e.info.Info.Codec,
			MaxDoc:         e.info.Info.MaxDoc,
			NumDocs:        e.live.NumLive(),
			PendingDeletes: e.pendingDeletes(),
			SizeBytes:      e.sizeBytes,
		})
	}
	return s
}

// Close waits for running merges and releases the write lock. It does not
// commit: buffered documents and uncommitted segments are discarded.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	pc := w.pending
	w.pending = nil
	w.mergesPaused++
	w.mu.Unlock()

	var result *multierror.Error
	if pc != nil {
		result = multierror.Append(result, w.discardPending(ctx, pc))
		w.commitMu.Unlock()
	}

	if err := w.waitMerges(ctx); err != nil {
		w.mu.Lock()
		w.abortMergesLocked()
		w.mu.Unlock()
		_ = w.waitMerges(context.Background())
	}
	w.scheduler.Close()

	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	w.mu.Lock()
	w.closed = true
	orphans := w.orphans
	w.orphans = nil
	for _, e := range w.segments {
		if e.state == StateFlushed {
			orphans = append(orphans, e.info.Files()...)
		}
	}
	w.rc.Release(w.buffer.bytes)
	w.buffer = newDocBuffer()
	w.mu.Unlock()

	result = multierror.Append(result, w.dir.Refs().DeleteUnreferenced(ctx, orphans...))
	result = multierror.Append(result, w.releaseAll())
	for _, c := range w.commits {
		result = multierror.Append(result, w.dir.Refs().DecRef(ctx, c.Files()...))
	}
	result = multierror.Append(result, w.lock.Close())

	w.logger.InfoContext(ctx, "closed writer", "generation", w.generation())
	return result.ErrorOrNil()
}

// releaseAll closes every open segment core and the block cache.
func (w *Writer) releaseAll() error {
	var result *multierror.Error
	for _, e := range w.segments {
		result = multierror.Append(result, e.releaseCore())
	}
	if w.cache != nil {
		result = multierror.Append(result, w.cache.Close())
	}
	return result.ErrorOrNil()
}
