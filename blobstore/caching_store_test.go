package blobstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts remote opens.
type countingStore struct {
	*MemoryStore
	opens atomic.Int64
}

func (c *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	c.opens.Add(1)
	return c.MemoryStore.Open(ctx, name)
}

func TestCachingStore_ReadThrough(t *testing.T) {
	remote := &countingStore{MemoryStore: NewMemoryStore()}
	cache := NewLocalStore(t.TempDir())
	s := NewCachingStore(remote, cache, WithChunkSize(3))
	ctx := context.Background()

	writeBlob(t, s, "_0.fdt", "stored fields payload")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "stored fields payload", readBlob(t, s, "_0.fdt"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), remote.opens.Load(), "remote must be read once")

	cached, err := cache.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"_0.fdt"}, cached)
}

func TestCachingStore_Invalidate(t *testing.T) {
	remote := NewMemoryStore()
	cache := NewMemoryStore()
	s := NewCachingStore(remote, cache)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "segments_1", []byte("v1")))
	assert.Equal(t, "v1", readBlob(t, s, "segments_1"))

	require.NoError(t, s.Put(ctx, "segments_1", []byte("v2")))
	assert.Equal(t, "v2", readBlob(t, s, "segments_1"))

	require.NoError(t, s.Delete(ctx, "segments_1"))
	names, err := cache.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
