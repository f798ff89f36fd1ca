package s3

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Lifecycle(t *testing.T) {
	store := NewStore(newFakeS3(), "test-bucket", "idx")
	ctx := context.Background()

	// 1. Streaming create
	w, err := store.Create(ctx, "_0.fdt")
	require.NoError(t, err)
	_, err = w.Write([]byte("stored "))
	require.NoError(t, err)
	_, err = w.Write([]byte("fields"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// 2. Ranged reads
	b, err := store.Open(ctx, "_0.fdt")
	require.NoError(t, err)
	assert.Equal(t, int64(13), b.Size())

	buf := make([]byte, 6)
	n, err := b.ReadAt(ctx, buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "fields", string(buf[:n]))

	buf = make([]byte, 10)
	n, err = b.ReadAt(ctx, buf, 7)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 6, n)

	data, err := blobstore.ReadAll(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "stored fields", string(data))

	// 3. Rename and list
	require.NoError(t, store.Put(ctx, "pending_segments_1", []byte("commit")))
	require.NoError(t, store.Rename(ctx, "pending_segments_1", "segments_1"))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"_0.fdt", "segments_1"}, names)

	// 4. Delete
	require.NoError(t, store.Delete(ctx, "_0.fdt"))
	_, err = store.Open(ctx, "_0.fdt")
	assert.True(t, errors.Is(err, blobstore.ErrNotFound))
}

func TestStore_Abort(t *testing.T) {
	store := NewStore(newFakeS3(), "test-bucket", "")
	ctx := context.Background()

	w, err := store.Create(ctx, "_1.dvd")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, err = store.Open(ctx, "_1.dvd")
	assert.True(t, errors.Is(err, blobstore.ErrNotFound))
}

func TestStore_PrefixIsolation(t *testing.T) {
	client := newFakeS3()
	ctx := context.Background()
	a := NewStore(client, "bucket", "/idx/")
	b := NewStore(client, "bucket", "idx2")

	require.NoError(t, a.Put(ctx, "segments_1", []byte("a")))
	require.NoError(t, b.Put(ctx, "segments_1", []byte("b")))

	names, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"segments_1"}, names)

	names, err = a.List(ctx, "segments_")
	require.NoError(t, err)
	assert.Equal(t, []string{"segments_1"}, names)

	err = a.Rename(ctx, "pending_segments_2", "segments_2")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
