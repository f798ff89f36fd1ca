package segidx

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// Close releases resources held by this Index.
//
// It does not commit: buffered and flushed but uncommitted documents are
// discarded. Running merges are waited for. The directory is closed unless
// the index was opened with Shared.
func (ix *Index) Close(ctx context.Context) error {
	if ix == nil {
		return nil
	}
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil
	}
	ix.closed = true
	r := ix.reader
	ix.reader = nil
	ix.mu.Unlock()

	var result *multierror.Error
	if r != nil {
		result = multierror.Append(result, r.Close(ctx))
	}
	result = multierror.Append(result, ix.writer.Close(ctx))
	if !ix.backend.shared {
		result = multierror.Append(result, ix.dir.Close())
	}
	return result.ErrorOrNil()
}
