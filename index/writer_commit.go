package index

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/segidx/model"
)

type segmentUpdate struct {
	e    *segmentEntry
	sci  *model.SegmentCommitInfo
	live *LiveDocs
}

// pendingCommit is a commit whose files are durable but whose commit file
// has not been renamed into place yet.
type pendingCommit struct {
	commit   *CommitPoint
	fileName string
	newFiles []string
	updates  []segmentUpdate
	dropped  []*segmentEntry
	seq      int64
	start    time.Time
}

// PrepareCommit performs the first phase of a two-phase commit: it flushes
// buffered documents and makes every new file durable. Until Commit or
// Rollback is called, changes to the writer fail with
// ErrPrepareCommitPending.
func (w *Writer) PrepareCommit(ctx context.Context, userData map[string]string) error {
	w.commitMu.Lock()

	pc, err := w.prepareCommit(ctx, userData)
	if err != nil {
		w.commitMu.Unlock()
		return err
	}

	w.mu.Lock()
	w.pending = pc
	w.mu.Unlock()
	return nil
}

// Commit makes all changes durable and visible to new readers, finishing a
// prepared commit if there is one. Without changes and user data it
// returns the last commit.
func (w *Writer) Commit(ctx context.Context, userData map[string]string) (*CommitPoint, error) {
	w.mu.Lock()
	if err := w.ensureOpenLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	pc := w.pending
	w.pending = nil
	w.mu.Unlock()

	if pc == nil {
		w.commitMu.Lock()

		w.mu.Lock()
		unchanged := w.changeSeq == w.committedSeq && w.buffer.len() == 0
		last := w.lastCommit
		w.mu.Unlock()
		if unchanged && userData == nil && last != nil {
			w.commitMu.Unlock()
			return last, nil
		}

		var err error
		if pc, err = w.prepareCommit(ctx, userData); err != nil {
			w.commitMu.Unlock()
			return nil, err
		}
	}

	c, err := w.finishCommit(ctx, pc)
	w.commitMu.Unlock()
	if err == nil && w.cfg.AutoMerge {
		w.maybeMerge(ctx)
	}
	return c, err
}

// prepareCommit runs with commitMu held.
func (w *Writer) prepareCommit(ctx context.Context, userData map[string]string) (*pendingCommit, error) {
	start := time.Now()

	w.mu.Lock()
	if err := w.ensureOpenLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if err := w.flushLocked(ctx); err != nil {
		w.mu.Unlock()
		return nil, err
	}

	c := &CommitPoint{
		Generation: w.nextGen,
		ID:         newCommitID(),
		UserData:   maps.Clone(userData),
		Counter:    w.counter,
	}
	w.nextGen++
	pc := &pendingCommit{
		commit:   c,
		fileName: pendingSegmentsFileName(c.Generation),
		seq:      w.changeSeq,
		start:    start,
	}

	var toSync []string
	for _, e := range w.segments {
		if e.live.NumLive() == 0 && e.state != StateMerging {
			pc.dropped = append(pc.dropped, e)
			continue
		}
		u := segmentUpdate{e: e, sci: e.info.Clone(), live: e.committedLive}
		if e.pendingDeletes() > 0 {
			u.live = e.live.Clone()
		}
		if e.state == StateFlushed {
			toSync = append(toSync, e.info.Info.Files()...)
		}
		pc.updates = append(pc.updates, u)
	}
	w.mu.Unlock()

	err := w.writePending(ctx, pc, toSync)
	if err != nil {
		if derr := w.dir.Refs().DeleteUnreferenced(ctx, pc.newFiles...); derr != nil {
			w.logger.WarnContext(ctx, "failed to delete files of failed commit", "error", derr)
		}
		w.metrics.OnCommit(time.Since(start), c.Generation, err)
		w.logger.ErrorContext(ctx, "prepare commit failed", "generation", c.Generation, "error", err)
		return nil, fmt.Errorf("prepare commit %d: %w", c.Generation, err)
	}
	return pc, nil
}

// writePending writes new live docs generations and the pending commit
// file and syncs them together with toSync.
func (w *Writer) writePending(ctx context.Context, pc *pendingCommit, toSync []string) error {
	for _, u := range pc.updates {
		if u.live != u.e.committedLive {
			cd, err := w.reg.ForName(u.sci.Info.Codec)
			if err != nil {
				return err
			}
			gen := u.sci.AdvanceDelGen(u.live.NumDeleted())
			name, err := cd.LiveDocs.Write(ctx, w.dir, u.sci, u.live.Freeze(), gen)
			if err != nil {
				return fmt.Errorf("live docs of %s: %w", u.sci.Info.Name, err)
			}
			pc.newFiles = append(pc.newFiles, name)
			toSync = append(toSync, name)
		}
		pc.commit.Segments = append(pc.commit.Segments, u.sci)
	}
	if err := w.dir.Sync(ctx, toSync); err != nil {
		return err
	}

	pc.newFiles = append(pc.newFiles, pc.fileName)
	if err := writeCommit(ctx, w.dir, pc.commit, pc.fileName); err != nil {
		return err
	}
	return w.dir.Sync(ctx, []string{pc.fileName})
}

// finishCommit publishes pc. It runs with commitMu held.
func (w *Writer) finishCommit(ctx context.Context, pc *pendingCommit) (*CommitPoint, error) {
	c := pc.commit
	published, perr := w.publishCommitFile(ctx, pc.fileName, c.FileName())
	if perr != nil && !published {
		_ = w.discardPending(ctx, pc)
		w.metrics.OnCommit(time.Since(pc.start), c.Generation, perr)
		w.logger.ErrorContext(ctx, "commit failed", "generation", c.Generation, "error", perr)
		return nil, fmt.Errorf("commit %d: %w", c.Generation, perr)
	}

	w.mu.Lock()
	w.dir.Refs().IncRef(c.Files()...)
	for _, u := range pc.updates {
		e := u.e
		if e.state == StateRetired {
			continue
		}
		if e.state == StateFlushed {
			if err := w.transition(e, StateCommitted, "commit"); err != nil {
				w.mu.Unlock()
				return nil, err
			}
		}
		e.info = u.sci
		e.committedLive = u.live
	}
	for _, e := range pc.dropped {
		// A merge may have picked the segment up after the snapshot.
		if e.state == StateRetired || e.state == StateMerging {
			continue
		}
		if e.state == StateFlushed {
			w.orphans = append(w.orphans, e.info.Files()...)
		}
		if err := w.transition(e, StateRetired, "commit"); err != nil {
			w.mu.Unlock()
			return nil, err
		}
		_ = e.releaseCore()
		w.segments = slices.DeleteFunc(w.segments, func(x *segmentEntry) bool { return x == e })
	}
	w.commits = append(w.commits, c)
	w.lastCommit = c
	w.committedSeq = pc.seq
	dropped, obsolete := w.applyDeletionPolicyLocked()
	orphans := w.orphans
	w.orphans = nil
	w.mu.Unlock()

	var result *multierror.Error
	result = multierror.Append(result, w.dir.Refs().DeleteUnreferenced(ctx, orphans...))
	result = multierror.Append(result, w.releaseCommits(ctx, dropped, obsolete))
	if err := result.ErrorOrNil(); err != nil {
		// The commit is durable; the files are retried later.
		w.logger.WarnContext(ctx, "failed to delete obsolete files", "error", err)
	}

	dur := time.Since(pc.start)
	if perr != nil {
		// The commit file is visible but may not be durable.
		w.metrics.OnCommit(dur, c.Generation, perr)
		w.logger.ErrorContext(ctx, "commit published without durability barrier", "generation", c.Generation, "error", perr)
		return c, fmt.Errorf("commit %d: %w", c.Generation, perr)
	}
	w.metrics.OnCommit(dur, c.Generation, nil)
	w.logger.InfoContext(ctx, "committed",
		"generation", c.Generation,
		"segments", len(c.Segments),
		"docs", c.NumDocs(),
		"duration", dur)
	return c, nil
}

// publishCommitFile renames pending to final and syncs it. A rename may
// take effect even when it or the following sync reports an error, so on
// failure final is removed again to keep the previous commit current.
// published reports whether final is still in place.
func (w *Writer) publishCommitFile(ctx context.Context, pending, final string) (published bool, err error) {
	err = w.dir.Rename(ctx, pending, final)
	if err == nil {
		err = w.dir.Sync(ctx, []string{final})
	}
	if err == nil {
		return true, nil
	}
	if derr := w.dir.DeleteFile(ctx, final); derr != nil {
		w.logger.ErrorContext(ctx, "failed to withdraw commit file", "file", final, "error", derr)
		return true, multierror.Append(err, derr)
	}
	return false, err
}

func (w *Writer) discardPending(ctx context.Context, pc *pendingCommit) error {
	w.logger.DebugContext(ctx, "discarding prepared commit", "generation", pc.commit.Generation)
	return w.dir.Refs().DeleteUnreferenced(ctx, pc.newFiles...)
}

// applyDeletionPolicyLocked drops the commits the deletion policy selects
// and returns them with the files no future commit will use.
func (w *Writer) applyDeletionPolicyLocked() (dropped []*CommitPoint, obsolete []string) {
	if len(w.commits) == 0 {
		return nil, nil
	}
	newest := w.commits[len(w.commits)-1]

	dropped = w.delPolicy.OnCommit(slices.Clone(w.commits))
	dropped = slices.DeleteFunc(dropped, func(c *CommitPoint) bool { return c == newest })
	if len(dropped) > 0 {
		w.commits = slices.DeleteFunc(w.commits, func(c *CommitPoint) bool {
			return slices.Contains(dropped, c)
		})
	}

	live := make(map[string]struct{})
	for _, f := range newest.Files() {
		live[f] = struct{}{}
	}
	seen := make(map[string]struct{})
	for _, c := range append(slices.Clone(w.commits[:len(w.commits)-1]), dropped...) {
		for _, f := range c.Files() {
			if _, ok := live[f]; ok {
				continue
			}
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				obsolete = append(obsolete, f)
			}
		}
	}
	return dropped, obsolete
}

// releaseCommits marks obsolete files and drops the references of dropped
// commits, deleting files nothing else uses.
func (w *Writer) releaseCommits(ctx context.Context, dropped []*CommitPoint, obsolete []string) error {
	var result *multierror.Error
	result = multierror.Append(result, w.dir.Refs().MarkObsolete(ctx, obsolete...))
	for _, c := range dropped {
		w.logger.DebugContext(ctx, "deleting commit", "generation", c.Generation)
		result = multierror.Append(result, w.dir.Refs().DecRef(ctx, c.Files()...))
	}
	return result.ErrorOrNil()
}

// Rollback discards every change since the last commit, including a
// prepared commit, and aborts running merges. The writer stays open.
func (w *Writer) Rollback(ctx context.Context) error {
	w.mu.Lock()
	if err := w.ensureOpenLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	pc := w.pending
	w.pending = nil
	w.mergesPaused++
	w.abortMergesLocked()
	w.mu.Unlock()

	var result *multierror.Error
	if pc != nil {
		result = multierror.Append(result, w.discardPending(ctx, pc))
		w.commitMu.Unlock()
	}
	defer func() {
		w.mu.Lock()
		w.mergesPaused--
		w.mu.Unlock()
	}()

	if err := w.waitMerges(ctx); err != nil {
		return err
	}

	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	w.mu.Lock()
	orphans := w.orphans
	w.orphans = nil
	for _, e := range w.segments {
		if e.state == StateFlushed {
			orphans = append(orphans, e.info.Files()...)
		}
		_ = w.transition(e, StateRetired, "rollback")
		result = multierror.Append(result, e.releaseCore())
	}
	w.segments = nil
	w.rc.Release(w.buffer.bytes)
	w.buffer = newDocBuffer()

	var err error
	if w.lastCommit != nil {
		for _, sci := range w.lastCommit.Segments {
			var e *segmentEntry
			if e, err = w.loadEntry(ctx, sci.Clone()); err != nil {
				break
			}
			w.segments = append(w.segments, e)
		}
	}
	if err == nil {
		err = w.rebuildFieldTypesLocked()
	}
	w.changeSeq = w.committedSeq
	if w.lastCommit == nil {
		w.changeSeq++
	}
	w.mu.Unlock()

	result = multierror.Append(result, err)
	result = multierror.Append(result, w.dir.Refs().DeleteUnreferenced(ctx, orphans...))

	w.metrics.OnRollback()
	w.logger.InfoContext(ctx, "rolled back", "generation", w.generation())
	return result.ErrorOrNil()
}
