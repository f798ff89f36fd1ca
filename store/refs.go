package store

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/segidx/blobstore"
)

// FileRefs counts references to index files.
//
// Commits, open readers and running merges each hold one reference per file
// they use. A file is deleted once the writer has marked it obsolete and its
// count drops to zero, so a reader that outlives the commit it opened keeps
// the files alive, and a reader alone never deletes anything.
type FileRefs struct {
	dir *Directory

	mu       sync.Mutex
	counts   map[string]int
	obsolete map[string]struct{}
	pending  map[string]struct{} // zero refs, deletion failed
}

func newFileRefs(dir *Directory) *FileRefs {
	return &FileRefs{
		dir:      dir,
		counts:   make(map[string]int),
		obsolete: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// IncRef adds one reference to each file.
func (r *FileRefs) IncRef(files ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range files {
		r.counts[f]++
		delete(r.pending, f)
	}
}

// DecRef drops one reference from each file and deletes obsolete files that
// reach zero.
func (r *FileRefs) DecRef(ctx context.Context, files ...string) error {
	var dead []string

	r.mu.Lock()
	for _, f := range files {
		n, ok := r.counts[f]
		if !ok {
			continue
		}
		if n > 1 {
			r.counts[f] = n - 1
			continue
		}
		delete(r.counts, f)
		if _, ok := r.obsolete[f]; ok {
			dead = append(dead, f)
		}
	}
	r.mu.Unlock()

	return r.delete(ctx, dead)
}

// MarkObsolete records that no current or future commit uses files. Files
// without references are deleted now, the rest on their last DecRef.
func (r *FileRefs) MarkObsolete(ctx context.Context, files ...string) error {
	var dead []string

	r.mu.Lock()
	for _, f := range files {
		if r.counts[f] == 0 {
			dead = append(dead, f)
			continue
		}
		r.obsolete[f] = struct{}{}
	}
	r.mu.Unlock()

	return r.delete(ctx, dead)
}

// RefCount returns the number of references to name.
func (r *FileRefs) RefCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// Tracked returns the sorted names of all referenced files.
func (r *FileRefs) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.counts))
	for name := range r.counts {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// DeleteUnreferenced deletes each file that has no references.
// Writers use it for files of aborted flushes and merges.
func (r *FileRefs) DeleteUnreferenced(ctx context.Context, files ...string) error {
	var dead []string

	r.mu.Lock()
	for _, f := range files {
		if r.counts[f] == 0 {
			dead = append(dead, f)
		}
	}
	r.mu.Unlock()

	return r.delete(ctx, dead)
}

// RetryPending retries deletions that failed earlier.
func (r *FileRefs) RetryPending(ctx context.Context) error {
	r.mu.Lock()
	files := make([]string, 0, len(r.pending))
	for f := range r.pending {
		files = append(files, f)
	}
	r.mu.Unlock()

	return r.delete(ctx, files)
}

func (r *FileRefs) delete(ctx context.Context, files []string) error {
	var result *multierror.Error
	for _, f := range files {
		err := r.dir.DeleteFile(ctx, f)
		if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			r.mu.Lock()
			if r.counts[f] == 0 {
				r.pending[f] = struct{}{}
			}
			r.mu.Unlock()
			result = multierror.Append(result, err)
			continue
		}

		r.mu.Lock()
		delete(r.pending, f)
		delete(r.obsolete, f)
		r.mu.Unlock()
		r.dir.logger.DebugContext(ctx, "deleted index file", "file", f)
	}
	return result.ErrorOrNil()
}
