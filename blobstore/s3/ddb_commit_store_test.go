package s3

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDDBCommitStore_PublishAndList(t *testing.T) {
	s3c := newFakeS3()
	store := NewDDBCommitStore(NewStore(s3c, "bucket", "idx"), newFakeDDB(), "commits", "s3://bucket/idx")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "_0.si", []byte("segment")))
	require.NoError(t, store.Put(ctx, "pending_segments_1", []byte("gen1")))
	require.NoError(t, store.Rename(ctx, "pending_segments_1", "segments_1"))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"_0.si", "segments_1"}, names)

	b, err := store.Open(ctx, "segments_1")
	require.NoError(t, err)
	data, err := blobstore.ReadAll(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "gen1", string(data))
}

func TestDDBCommitStore_ConflictingGeneration(t *testing.T) {
	s3c := newFakeS3()
	ddb := newFakeDDB()
	a := NewDDBCommitStore(NewStore(s3c, "bucket", "idx"), ddb, "commits", "s3://bucket/idx")
	b := NewDDBCommitStore(NewStore(s3c, "bucket", "idx"), ddb, "commits", "s3://bucket/idx")
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "pending_segments_2", []byte("writer-a")))
	require.NoError(t, a.Rename(ctx, "pending_segments_2", "segments_2"))

	require.NoError(t, b.Put(ctx, "pending_segments_2b", []byte("writer-b")))
	err := b.Rename(ctx, "pending_segments_2b", "segments_2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrentModification))

	// The published commit is untouched.
	blob, err := a.Open(ctx, "segments_2")
	require.NoError(t, err)
	data, err := blobstore.ReadAll(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "writer-a", string(data))
}

func TestDDBCommitStore_HidesUnregisteredCommits(t *testing.T) {
	s3c := newFakeS3()
	raw := NewStore(s3c, "bucket", "idx")
	store := NewDDBCommitStore(raw, newFakeDDB(), "commits", "s3://bucket/idx")
	ctx := context.Background()

	// Written around the commit store, e.g. by a crashed writer.
	require.NoError(t, raw.Put(ctx, "segments_7", []byte("orphan")))

	names, err := store.List(ctx, "segments_")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = store.Open(ctx, "segments_7")
	assert.True(t, errors.Is(err, blobstore.ErrNotFound))
}

func TestDDBCommitStore_DeleteUnregisters(t *testing.T) {
	store := NewDDBCommitStore(NewStore(newFakeS3(), "bucket", ""), newFakeDDB(), "commits", "s3://bucket")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "segments_1", []byte("gen1")))
	require.NoError(t, store.Delete(ctx, "segments_1"))

	// Generation 1 may be published again after deletion.
	require.NoError(t, store.Put(ctx, "segments_1", []byte("again")))
}
