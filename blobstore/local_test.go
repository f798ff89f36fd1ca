package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hupe1980/segidx/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	// 1. Create a blob
	data := []byte("hello world, this is a segment file")
	w, err := store.Create(ctx, "_0.fdt")
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(tmpDir, "_0.fdt"))
	require.NoError(t, err)

	// 2. Open and ReadAt
	blob, err := store.Open(ctx, "_0.fdt")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err = blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))

	all, err := ReadAll(ctx, blob)
	require.NoError(t, err)
	require.Equal(t, data, all)
	require.NoError(t, blob.Close())

	// 3. Rename + Sync
	require.NoError(t, store.Rename(ctx, "_0.fdt", "_0.fdx"))
	require.NoError(t, store.Sync(ctx, []string{"_0.fdx"}))

	_, err = store.Open(ctx, "_0.fdt")
	require.True(t, errors.Is(err, ErrNotFound))

	// 4. List and Delete
	require.NoError(t, store.Put(ctx, "segments_1", []byte("commit")))
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"_0.fdx", "segments_1"}, names)

	require.NoError(t, store.Delete(ctx, "_0.fdx"))
	require.NoError(t, store.Delete(ctx, "_0.fdx"), "deleting twice is not an error")

	names, err = store.List(ctx, "segments_")
	require.NoError(t, err)
	assert.Equal(t, []string{"segments_1"}, names)
}

func TestLocalStore_EmptyBlob(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	w, err := store.Create(ctx, "empty")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "empty")
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, int64(0), b.Size())
}

func TestLocalStore_OutOfSpace(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".dvd", fs.OutOfSpace(8))

	store := NewLocalStore(t.TempDir(), WithFileSystem(ffs))
	ctx := context.Background()

	w, err := store.Create(ctx, "_3.dvd")
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ENOSPC))
	require.NoError(t, w.Abort())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names, "aborted blob must be removed")
}

func TestLocalStore_OpenThroughFaultyFS(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".si", fs.Fault{FailAfterBytes: -1})
	store := NewLocalStore(t.TempDir(), WithFileSystem(ffs))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "_1.si", []byte("segment info")))

	b, err := store.Open(ctx, "_1.si")
	require.NoError(t, err)
	data, err := ReadAll(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "segment info", string(data))
}
