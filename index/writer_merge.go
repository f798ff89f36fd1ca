package index

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/segidx/model"
)

// oneMerge is a registered merge. Its inputs stay in StateMerging until the
// merge commits, fails or is aborted.
type oneMerge struct {
	id          int64
	inputs      []*segmentEntry
	reason      string
	maxSegments int

	// files are the input files pinned for the duration of the merge.
	files []string

	aborted atomic.Bool
	done    chan struct{}
	err     error
}

func (m *oneMerge) checkAborted() error {
	if m.aborted.Load() {
		return ErrMergeAborted
	}
	return nil
}

func (m *oneMerge) names() []string {
	out := make([]string, len(m.inputs))
	for i, e := range m.inputs {
		out[i] = e.name()
	}
	return out
}

// mergeOutput is the result of executing a merge before it is committed.
type mergeOutput struct {
	// entry is nil when no input document survived.
	entry   *segmentEntry
	lives   []*LiveDocs
	docMaps [][]int
	// docs and files are fixed when the segment is written. entry.info is
	// owned by w.mu once the merge commits.
	docs  int
	files []string
}

func (w *Writer) entryLocked(name string) *segmentEntry {
	for _, e := range w.segments {
		if e.name() == name {
			return e
		}
	}
	return nil
}

// mergeableStatsLocked describes the committed segments no merge has claimed.
// Only committed deletes count: a merge drops exactly those.
func (w *Writer) mergeableStatsLocked() []SegmentStats {
	var out []SegmentStats
	for i, e := range w.segments {
		if e.state != StateCommitted {
			continue
		}
		out = append(out, SegmentStats{
			Name:      e.name(),
			MaxDoc:    e.info.Info.MaxDoc,
			DelCount:  e.committedLive.NumDeleted(),
			SizeBytes: e.sizeBytes,
			Order:     i,
		})
	}
	return out
}

// registerMergeLocked claims the inputs of c in one step. It fails if any
// input is not committed or already claimed, so two merges never share a
// segment.
func (w *Writer) registerMergeLocked(c MergeCandidate, maxSegments int) (*oneMerge, error) {
	if len(c.Segments) == 0 {
		return nil, fmt.Errorf("index: merge without inputs")
	}
	inputs := make([]*segmentEntry, 0, len(c.Segments))
	for _, name := range c.Segments {
		e := w.entryLocked(name)
		if e == nil {
			return nil, fmt.Errorf("index: merge input %s not found", name)
		}
		if e.state != StateCommitted || slices.Contains(inputs, e) {
			return nil, &InvariantViolationError{Segment: name, Op: "merge", State: e.state}
		}
		inputs = append(inputs, e)
	}
	slices.SortFunc(inputs, func(a, b *segmentEntry) int {
		return slices.Index(w.segments, a) - slices.Index(w.segments, b)
	})

	w.mergeSeq++
	m := &oneMerge{
		id:          w.mergeSeq,
		inputs:      inputs,
		reason:      c.Reason,
		maxSegments: maxSegments,
		done:        make(chan struct{}),
	}
	for _, e := range inputs {
		if err := w.transition(e, StateMerging, "merge"); err != nil {
			return nil, err
		}
		e.merge = m
		m.files = append(m.files, e.info.Info.Files()...)
	}
	w.dir.Refs().IncRef(m.files...)
	w.merges[m] = struct{}{}
	return m, nil
}

// registerMergesLocked asks find for candidates and claims them.
func (w *Writer) registerMergesLocked(ctx context.Context, maxSegments int, find func([]SegmentStats) []MergeCandidate) []*oneMerge {
	if w.closed || w.mergesPaused > 0 {
		return nil
	}
	stats := w.mergeableStatsLocked()
	if len(stats) == 0 {
		return nil
	}
	var out []*oneMerge
	for _, c := range find(stats) {
		m, err := w.registerMergeLocked(c, maxSegments)
		if err != nil {
			w.logger.WarnContext(ctx, "skipping merge", "segments", c.Segments, "error", err)
			continue
		}
		w.logger.DebugContext(ctx, "registered merge", "merge", m.id, "segments", m.names(), "reason", m.reason)
		out = append(out, m)
	}
	return out
}

func (w *Writer) submitMerges(ctx context.Context, merges []*oneMerge) {
	for _, m := range merges {
		err := w.scheduler.Submit(func(sctx context.Context) {
			w.runMerge(sctx, m)
		})
		if err != nil {
			w.finishMerge(ctx, m, err)
		}
	}
}

// maybeMerge registers and schedules the merges the policy selects.
func (w *Writer) maybeMerge(ctx context.Context) {
	w.mu.Lock()
	merges := w.registerMergesLocked(ctx, 0, w.policy.FindMerges)
	w.mu.Unlock()
	w.submitMerges(ctx, merges)
}

// MaybeMerge asks the merge policy for merges and schedules them in the
// background. Only committed segments are merged.
func (w *Writer) MaybeMerge(ctx context.Context) error {
	w.mu.Lock()
	err := w.ensureOpenLocked()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	w.maybeMerge(ctx)
	return nil
}

// ForceMerge merges committed segments until at most maxSegments remain and
// none carries committed deletes. It blocks until the merges are committed.
// Buffered and flushed documents are not merged; commit them first.
func (w *Writer) ForceMerge(ctx context.Context, maxSegments int) error {
	if maxSegments < 1 {
		return fmt.Errorf("index: maxSegments must be at least 1, got %d", maxSegments)
	}
	return w.forceMerges(ctx, maxSegments, func(stats []SegmentStats) []MergeCandidate {
		return w.policy.FindForcedMerges(stats, maxSegments)
	})
}

// ForceMergeDeletes rewrites every committed segment with committed deletes.
// It blocks until the merges are committed.
func (w *Writer) ForceMergeDeletes(ctx context.Context) error {
	return w.forceMerges(ctx, 0, w.policy.FindForcedDeletesMerges)
}

func (w *Writer) forceMerges(ctx context.Context, maxSegments int, find func([]SegmentStats) []MergeCandidate) error {
	for {
		if err := w.waitMerges(ctx); err != nil {
			return err
		}

		w.mu.Lock()
		if err := w.ensureOpenLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
		if w.mergesPaused > 0 {
			w.mu.Unlock()
			return ErrMergeAborted
		}
		merges := w.registerMergesLocked(ctx, maxSegments, find)
		w.mu.Unlock()

		if len(merges) == 0 {
			return nil
		}
		w.submitMerges(ctx, merges)

		var result *multierror.Error
		for _, m := range merges {
			select {
			case <-m.done:
				if m.err != nil {
					result = multierror.Append(result, m.err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			return err
		}
	}
}

// WaitForMerges blocks until no merge is queued or running.
func (w *Writer) WaitForMerges(ctx context.Context) error {
	return w.waitMerges(ctx)
}

func (w *Writer) waitMerges(ctx context.Context) error {
	for {
		w.mu.Lock()
		if len(w.merges) == 0 {
			w.mu.Unlock()
			return nil
		}
		if w.mergesIdle == nil {
			w.mergesIdle = make(chan struct{})
		}
		idle := w.mergesIdle
		w.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abortMergesLocked flags every registered merge. A merge notices the flag
// between documents and before it commits.
func (w *Writer) abortMergesLocked() {
	for m := range w.merges {
		m.aborted.Store(true)
	}
}

func (w *Writer) runMerge(ctx context.Context, m *oneMerge) {
	start := time.Now()

	out, err := w.executeMerge(ctx, m)
	if err == nil {
		err = w.commitMerge(ctx, m, out)
	}
	docs := 0
	if out != nil {
		docs = out.docs
		if err != nil && out.entry != nil {
			w.deleteFiles(ctx, "failed merge", out.files)
		}
	}
	w.finishMerge(ctx, m, err)

	dur := time.Since(start)
	w.metrics.OnMerge(dur, len(m.inputs), docs, err)
	switch {
	case err == nil:
		w.logger.InfoContext(ctx, "merged segments",
			"merge", m.id,
			"segments", m.names(),
			"docs", docs,
			"duration", dur)
		if w.cfg.AutoMerge {
			w.maybeMerge(ctx)
		}
	case m.aborted.Load():
		w.logger.DebugContext(ctx, "merge aborted", "merge", m.id, "segments", m.names())
	default:
		w.logger.ErrorContext(ctx, "merge failed", "merge", m.id, "segments", m.names(), "error", err)
	}
}

// executeMerge writes the live documents of the inputs, as of their last
// committed deletes, into a new segment.
func (w *Writer) executeMerge(ctx context.Context, m *oneMerge) (*mergeOutput, error) {
	w.mu.Lock()
	if err := m.checkAborted(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	lives := make([]*LiveDocs, len(m.inputs))
	for i, e := range m.inputs {
		lives[i] = e.committedLive
	}
	name := model.SegmentName(w.counter)
	w.counter++
	w.mu.Unlock()

	cores := make([]*segmentCore, 0, len(m.inputs))
	defer func() {
		for _, c := range cores {
			_ = c.decRef()
		}
	}()
	for _, e := range m.inputs {
		c, err := e.acquireCore(ctx, w)
		if err != nil {
			return nil, err
		}
		cores = append(cores, c)
	}

	docMaps, total := buildDocMaps(lives)
	out := &mergeOutput{lives: lives, docMaps: docMaps}
	if total == 0 {
		return out, nil
	}

	fis, err := mergeFieldInfos(cores)
	if err != nil {
		return nil, err
	}
	info := newSegmentInfo(name, total, w.codec, model.SourceMerge)
	if m.maxSegments > 0 {
		info.Diagnostics[model.DiagMergeMax] = strconv.Itoa(m.maxSegments)
	}
	out.entry = &segmentEntry{
		info:       model.NewSegmentCommitInfo(info),
		fieldInfos: fis,
		state:      StateBuilding,
	}

	err = writeSegment(ctx, &segmentBuild{
		dir:        w.dir,
		codec:      w.codec,
		info:       info,
		fieldInfos: fis,
		throttle:   w.rc,
		check:      m.checkAborted,
	}, newMergeSource(cores, docMaps, total, fis))
	out.docs = total
	out.files = info.Files()
	if err == nil {
		out.entry.sizeBytes, err = w.segmentSize(ctx, info)
	}
	if err != nil {
		return out, err
	}
	return out, nil
}

// commitMerge publishes a commit derived from the last durable commit with
// the merge inputs replaced by the output. Uncommitted writer changes are
// not part of it.
func (w *Writer) commitMerge(ctx context.Context, m *oneMerge, out *mergeOutput) error {
	start := time.Now()
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	w.mu.Lock()
	if err := m.checkAborted(); err != nil {
		w.mu.Unlock()
		return err
	}
	base := w.lastCommit
	if base == nil {
		w.mu.Unlock()
		return ErrNoCommit
	}

	// Committed lives cannot change while commitMu is held.
	var committedLive *LiveDocs
	if out.entry != nil {
		committedLive = NewLiveDocs(out.entry.info.Info.MaxDoc)
		for i, e := range m.inputs {
			for old, nd := range out.docMaps[i] {
				if nd >= 0 && !e.committedLive.IsLive(old) {
					committedLive.MarkDeleted(nd)
				}
			}
		}
	}

	c := base.clone()
	c.Generation = w.nextGen
	c.ID = newCommitID()
	c.Counter = w.counter
	w.nextGen++
	w.mu.Unlock()

	inputs := make(map[string]struct{}, len(m.inputs))
	for _, e := range m.inputs {
		inputs[e.name()] = struct{}{}
	}
	pos := -1
	segs := make([]*model.SegmentCommitInfo, 0, len(c.Segments))
	for _, sci := range c.Segments {
		if _, ok := inputs[sci.Info.Name]; ok {
			if pos < 0 {
				pos = len(segs)
			}
			continue
		}
		segs = append(segs, sci)
	}
	if pos < 0 {
		pos = len(segs)
	}

	keep := out.entry != nil && committedLive.NumLive() > 0
	var newFiles, toSync []string
	fail := func(err error) error {
		w.deleteFiles(ctx, "failed merge commit", newFiles)
		return fmt.Errorf("commit merge %d: %w", c.Generation, err)
	}
	if keep {
		sci := out.entry.info
		if del := committedLive.NumDeleted(); del > 0 {
			gen := sci.AdvanceDelGen(del)
			name, err := w.codec.LiveDocs.Write(ctx, w.dir, sci, committedLive.Freeze(), gen)
			if err != nil {
				return fail(err)
			}
			newFiles = append(newFiles, name)
		}
		toSync = sci.Files()
		segs = slices.Insert(segs, pos, sci)
	}
	c.Segments = segs

	pending := pendingSegmentsFileName(c.Generation)
	if err := w.dir.Sync(ctx, toSync); err != nil {
		return fail(err)
	}
	newFiles = append(newFiles, pending)
	if err := writeCommit(ctx, w.dir, c, pending); err != nil {
		return fail(err)
	}
	if err := w.dir.Sync(ctx, []string{pending}); err != nil {
		return fail(err)
	}
	published, perr := w.publishCommitFile(ctx, pending, c.FileName())
	if perr != nil && !published {
		return fail(perr)
	}

	w.mu.Lock()
	w.dir.Refs().IncRef(c.Files()...)
	idx := len(w.segments)
	for _, e := range m.inputs {
		if i := slices.Index(w.segments, e); i >= 0 {
			idx = min(idx, i)
		}
	}
	w.segments = slices.DeleteFunc(w.segments, func(e *segmentEntry) bool { return e.merge == m })
	for _, e := range m.inputs {
		if e.state == StateMerging {
			_ = w.transition(e, StateRetired, "merge")
		}
		e.merge = nil
		_ = e.releaseCore()
	}

	var orphans []string
	if keep {
		e := out.entry
		if err := w.transition(e, StateFlushed, "merge"); err != nil {
			w.mu.Unlock()
			return err
		}
		if err := w.transition(e, StateCommitted, "merge"); err != nil {
			w.mu.Unlock()
			return err
		}
		// Deletes buffered on the inputs while the merge ran carry over.
		live := committedLive.Clone()
		for i, in := range m.inputs {
			for old, nd := range out.docMaps[i] {
				if nd >= 0 && !in.live.IsLive(old) {
					live.MarkDeleted(nd)
				}
			}
		}
		e.committedLive = committedLive
		e.live = live
		w.segments = slices.Insert(w.segments, min(idx, len(w.segments)), e)
	} else if out.entry != nil {
		orphans = out.entry.info.Files()
	}

	w.commits = append(w.commits, c)
	w.lastCommit = c
	dropped, obsolete := w.applyDeletionPolicyLocked()
	w.mu.Unlock()

	w.deleteFiles(ctx, "empty merge output", orphans)
	if err := w.releaseCommits(ctx, dropped, obsolete); err != nil {
		w.logger.WarnContext(ctx, "failed to delete obsolete files", "error", err)
	}
	w.metrics.OnCommit(time.Since(start), c.Generation, perr)
	if perr != nil {
		// The merged commit is visible, so the merge counts as done.
		w.logger.ErrorContext(ctx, "merge commit published without durability barrier",
			"merge", m.id, "generation", c.Generation, "error", perr)
		return nil
	}
	w.logger.DebugContext(ctx, "committed merge", "merge", m.id, "generation", c.Generation, "segments", len(c.Segments))
	return nil
}

// finishMerge unregisters m. A failed merge returns its inputs to
// StateCommitted.
func (w *Writer) finishMerge(ctx context.Context, m *oneMerge, err error) {
	w.mu.Lock()
	if err != nil {
		for _, e := range m.inputs {
			if e.state == StateMerging {
				_ = w.transition(e, StateCommitted, "merge abort")
			}
			e.merge = nil
		}
	}
	m.err = err
	delete(w.merges, m)
	if len(w.merges) == 0 && w.mergesIdle != nil {
		close(w.mergesIdle)
		w.mergesIdle = nil
	}
	w.mu.Unlock()

	if derr := w.dir.Refs().DecRef(ctx, m.files...); derr != nil {
		w.logger.WarnContext(ctx, "failed to release merge inputs", "merge", m.id, "error", derr)
	}
	close(m.done)
}

// deleteFiles deletes unreferenced files and logs failures. Failed
// deletions are retried by a later writer.
func (w *Writer) deleteFiles(ctx context.Context, what string, files []string) {
	if len(files) == 0 {
		return
	}
	if err := w.dir.Refs().DeleteUnreferenced(ctx, files...); err != nil {
		w.logger.WarnContext(ctx, "failed to delete files", "of", what, "error", err)
	}
}
