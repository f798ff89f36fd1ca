package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segidx/internal/resource"
)

func TestBlocks_EvictsLeastRecent(t *testing.T) {
	c := New(15, nil) // single shard
	require.Len(t, c.shards, 1)

	a := Key{File: "_0.fdt", Block: 0}
	b := Key{File: "_0.fdt", Block: 1}
	d := Key{File: "_1.fdt", Block: 0}

	c.Put(a, make([]byte, 5))
	c.Put(b, make([]byte, 5))
	_, ok := c.Get(a)
	assert.True(t, ok)

	c.Put(d, make([]byte, 8))
	_, ok = c.Get(b)
	assert.False(t, ok)
	_, ok = c.Get(a)
	assert.True(t, ok)

	s := c.Stats()
	assert.Equal(t, Stats{Hits: 2, Misses: 1, Evictions: 1, Bytes: 13}, s)
}

func TestBlocks_SkipsOversizedBlocks(t *testing.T) {
	c := New(8, nil)
	k := Key{File: "_0.fdt"}
	c.Put(k, make([]byte, 9))
	_, ok := c.Get(k)
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Bytes)
}

func TestBlocks_ChargesController(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryBudget: 10})
	c := New(1<<10, rc)

	c.Put(Key{File: "a"}, make([]byte, 8))
	assert.Equal(t, int64(8), rc.Reserved())

	c.Put(Key{File: "b"}, make([]byte, 4))
	_, ok := c.Get(Key{File: "b"})
	assert.False(t, ok, "controller refused the block")

	c.DropFile("a")
	assert.Zero(t, rc.Reserved())
	assert.Zero(t, c.Stats().Bytes)
}

func TestBlocks_DropFile(t *testing.T) {
	c := New(1<<20, nil)
	for i := range 90 {
		c.Put(Key{File: fmt.Sprintf("_%d.fdt", i%3), Block: i}, []byte{byte(i)})
	}
	c.DropFile("_0.fdt")

	for i := range 90 {
		_, ok := c.Get(Key{File: fmt.Sprintf("_%d.fdt", i%3), Block: i})
		assert.Equal(t, i%3 != 0, ok, "block %d", i)
	}
	assert.Equal(t, int64(60), c.Stats().Bytes)

	require.NoError(t, c.Close())
	assert.Zero(t, c.Stats().Bytes)
}
