package segidx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/segidx/config"
	"github.com/hupe1980/segidx/document"
	"github.com/hupe1980/segidx/index"
	"github.com/hupe1980/segidx/store"
)

// CommitPoint is a durable, generation-numbered snapshot of the index.
type CommitPoint = index.CommitPoint

// Index is a writer on one index together with a reader that follows its
// commits. It is safe for concurrent use.
type Index struct {
	backend Backend
	dir     *store.Directory
	writer  *index.Writer
	logger  *Logger
	opts    []index.Option

	mu     sync.Mutex
	reader *index.DirectoryReader
	closed bool
}

// Open opens the index at backend for writing, creating it if it does not exist.
//
// Example:
//
//	ix, err := segidx.Open(ctx, segidx.Local("./data"))
//	if err != nil {
//	    return err
//	}
//	defer ix.Close(ctx)
func Open(ctx context.Context, backend Backend, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)
	o.logger = o.logger.WithIndex(backend.String())

	dir, err := backend.open(ctx, &o)
	if err != nil {
		return nil, fmt.Errorf("segidx: open %s: %w", backend, err)
	}

	opts := o.writerOptions()
	w, err := index.OpenWriter(ctx, dir, opts...)
	if err != nil {
		if !backend.shared {
			err = multierror.Append(err, dir.Close()).ErrorOrNil()
		}
		return nil, fmt.Errorf("segidx: open %s: %w", backend, err)
	}

	return &Index{
		backend: backend,
		dir:     dir,
		writer:  w,
		logger:  o.logger,
		opts:    opts,
	}, nil
}

// OpenConfig opens the index described by a configuration file.
func OpenConfig(ctx context.Context, f *config.File, optFns ...Option) (*Index, error) {
	cfg := f.Index
	base := []Option{func(o *options) { o.config = &cfg }}
	return Open(ctx, Configured(f.Storage), append(base, optFns...)...)
}

// Writer returns the underlying writer.
func (ix *Index) Writer() *index.Writer { return ix.writer }

// Directory returns the directory the index lives in.
func (ix *Index) Directory() *store.Directory { return ix.dir }

// Add buffers a document. It becomes visible with the next commit.
func (ix *Index) Add(ctx context.Context, doc *document.Document) error {
	return ix.writer.AddDocument(ctx, doc)
}

// Delete marks every document matching one of criteria as deleted and
// returns how many committed or flushed documents it removed.
func (ix *Index) Delete(ctx context.Context, criteria ...index.Criterion) (int, error) {
	return ix.writer.DeleteDocuments(ctx, criteria...)
}

// Update atomically replaces the documents matching criterion with doc.
func (ix *Index) Update(ctx context.Context, criterion index.Criterion, doc *document.Document) error {
	return ix.writer.UpdateDocument(ctx, criterion, doc)
}

// Flush writes buffered documents to a new segment without committing.
func (ix *Index) Flush(ctx context.Context) error {
	start := time.Now()
	docs := ix.writer.Stats().BufferedDocs
	err := ix.writer.Flush(ctx)
	ix.logger.LogFlush(ctx, docs, time.Since(start), err)
	return err
}

// Commit makes every change since the last commit durable and visible.
func (ix *Index) Commit(ctx context.Context, userData map[string]string) (*CommitPoint, error) {
	start := time.Now()
	cp, err := ix.writer.Commit(ctx, userData)
	if err != nil {
		ix.logger.LogCommit(ctx, 0, 0, time.Since(start), err)
		return nil, err
	}
	ix.logger.LogCommit(ctx, cp.Generation, len(cp.Segments), time.Since(start), nil)
	return cp, nil
}

// Rollback discards every change since the last commit.
func (ix *Index) Rollback(ctx context.Context) error {
	err := ix.writer.Rollback(ctx)
	var gen int64
	if c := ix.writer.LastCommit(); c != nil {
		gen = c.Generation
	}
	ix.logger.LogRollback(ctx, gen, err)
	return err
}

// ForceMerge merges the committed index down to at most maxSegments segments
// and waits for the result to be committed.
func (ix *Index) ForceMerge(ctx context.Context, maxSegments int) error {
	start := time.Now()
	err := ix.writer.ForceMerge(ctx, maxSegments)
	var n int
	if c := ix.writer.LastCommit(); c != nil {
		n = len(c.Segments)
	}
	ix.logger.LogMerge(ctx, maxSegments, n, time.Since(start), err)
	return err
}

// NumDocs returns the number of live documents including uncommitted changes.
func (ix *Index) NumDocs() int { return ix.writer.NumDocs() }

// LastCommit returns the last durable commit, or nil.
func (ix *Index) LastCommit() *CommitPoint { return ix.writer.LastCommit() }

// Stats returns a snapshot of the writer state.
func (ix *Index) Stats() index.WriterStats { return ix.writer.Stats() }

// Commits lists the commits kept by the deletion policy, oldest first.
func (ix *Index) Commits(ctx context.Context) ([]*CommitPoint, error) {
	return index.ListCommits(ctx, ix.dir, ix.opts...)
}

// Check verifies every file of the last commit.
func (ix *Index) Check(ctx context.Context) (*index.CheckIndexStatus, error) {
	return index.CheckIndex(ctx, ix.dir, ix.opts...)
}

// OpenReader opens an independent reader on the last commit. The caller
// must close it.
func (ix *Index) OpenReader(ctx context.Context) (*index.DirectoryReader, error) {
	return ix.writer.Reader(ctx)
}

// currentReaderLocked returns the shared reader, reopening it when a newer
// commit exists. ix.mu must be held for as long as the reader is used.
func (ix *Index) currentReaderLocked(ctx context.Context) (*index.DirectoryReader, error) {
	if ix.closed {
		return nil, ErrClosed
	}

	last := ix.writer.LastCommit()
	if last == nil {
		return nil, ErrNoCommit
	}
	if ix.reader != nil && ix.reader.Commit().Generation == last.Generation {
		return ix.reader, nil
	}

	r, err := ix.writer.Reader(ctx)
	if err != nil {
		return nil, err
	}
	if ix.reader != nil {
		if err := ix.reader.Close(ctx); err != nil {
			ix.logger.WarnContext(ctx, "failed to close stale reader", "error", err)
		}
	}
	ix.reader = r
	return r, nil
}
