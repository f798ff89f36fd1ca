package index

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/hupe1980/segidx/document"
	"github.com/hupe1980/segidx/store"
)

func newTestDir() (*store.Directory, *blobstore.MemoryStore) {
	mem := blobstore.NewMemoryStore()
	return store.NewDirectory(mem), mem
}

// openTestWriter opens a writer with background merging off unless opts
// turn it back on.
func openTestWriter(t *testing.T, dir *store.Directory, opts ...Option) *Writer {
	t.Helper()
	opts = append([]Option{WithAutoMerge(false)}, opts...)
	w, err := OpenWriter(context.Background(), dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func testDoc(id, body string) *document.Document {
	return document.New(
		document.NewStringField("id", id, true),
		document.NewTextField("body", body, true),
	)
}

func addDocs(t *testing.T, w *Writer, bodies map[string]string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, w.AddDocument(context.Background(), testDoc(id, bodies[id])))
	}
}

func openTestReader(t *testing.T, dir *store.Directory) *DirectoryReader {
	t.Helper()
	r, err := OpenReader(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

// liveBodies returns the stored body of every live document in order.
func liveBodies(t *testing.T, r *DirectoryReader) []string {
	t.Helper()
	var out []string
	for doc := range r.LiveDocs() {
		out = append(out, storedString(t, r, doc, "body"))
	}
	return out
}

func storedString(t *testing.T, r *DirectoryReader, doc int, field string) string {
	t.Helper()
	fields, err := r.Document(doc)
	require.NoError(t, err)
	for _, f := range fields {
		if f.Name == field {
			return f.Value.Str
		}
	}
	return ""
}

// filesWithExt lists the blobs of mem ending in ext.
func filesWithExt(t *testing.T, mem *blobstore.MemoryStore, ext string) []string {
	t.Helper()
	names, err := mem.List(context.Background(), "")
	require.NoError(t, err)
	var out []string
	for _, n := range names {
		if strings.HasSuffix(n, "."+ext) {
			out = append(out, n)
		}
	}
	return out
}

// flipByte inverts the byte at offset from the end of name.
func flipByte(t *testing.T, mem blobstore.BlobStore, name string, fromEnd int) {
	t.Helper()
	ctx := context.Background()
	b, err := mem.Open(ctx, name)
	require.NoError(t, err)
	data, err := blobstore.ReadAll(ctx, b)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	data[len(data)-fromEnd] ^= 0xff
	require.NoError(t, mem.Put(ctx, name, data))
}

type recordingMetrics struct {
	NoopMetricsObserver
	flushes, commits, commitErrs atomic.Int64
	merges, rollbacks, deletes   atomic.Int64
}

func (m *recordingMetrics) OnFlush(time.Duration, int, int64, error) { m.flushes.Add(1) }

func (m *recordingMetrics) OnCommit(_ time.Duration, _ int64, err error) {
	m.commits.Add(1)
	if err != nil {
		m.commitErrs.Add(1)
	}
}

func (m *recordingMetrics) OnMerge(time.Duration, int, int, error) { m.merges.Add(1) }

func (m *recordingMetrics) OnRollback() { m.rollbacks.Add(1) }

func (m *recordingMetrics) OnDeletes(n int) { m.deletes.Add(int64(n)) }
