package segidx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segidx/index"
)

func TestLifecycle_LocalReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	ix, err := Open(ctx, Local(path))
	require.NoError(t, err)
	require.NoError(t, ix.Add(ctx, doc("1", "alpha")))
	require.NoError(t, ix.Add(ctx, doc("2", "beta")))
	_, err = ix.Commit(ctx, map[string]string{"checkpoint": "a"})
	require.NoError(t, err)

	// Never committed, so lost on close.
	require.NoError(t, ix.Add(ctx, doc("3", "gamma")))
	require.NoError(t, ix.Flush(ctx))
	require.NoError(t, ix.Close(ctx))

	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "pending_segments_"), e.Name())
	}

	ix, err = Open(ctx, Local(path))
	require.NoError(t, err)
	defer ix.Close(ctx)

	assert.Equal(t, 2, ix.NumDocs())
	assert.Equal(t, "a", ix.LastCommit().UserData["checkpoint"])

	hits, err := ix.Search(ctx, index.MatchAll{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(t, hits))
}

func TestLifecycle_LocalLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	ix, err := Open(ctx, Local(path))
	require.NoError(t, err)

	_, err = Open(ctx, Local(path))
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, ix.Close(ctx))

	ix, err = Open(ctx, Local(path))
	require.NoError(t, err)
	require.NoError(t, ix.Close(ctx))
}

func TestLifecycle_AppendRequiresCommit(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Local(filepath.Join(t.TempDir(), "empty")),
		WithIndexOptions(index.WithOpenMode(index.OpenModeAppend)))
	require.ErrorIs(t, err, ErrNoCommit)
}

func TestLifecycle_CreateReplacesAtFirstCommit(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	ix, err := Open(ctx, Local(path))
	require.NoError(t, err)
	require.NoError(t, ix.Add(ctx, doc("1", "alpha")))
	_, err = ix.Commit(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, ix.Close(ctx))

	ix, err = Open(ctx, Local(path), WithIndexOptions(index.WithOpenMode(index.OpenModeCreate)))
	require.NoError(t, err)
	defer ix.Close(ctx)
	assert.Equal(t, 0, ix.NumDocs())

	require.NoError(t, ix.Add(ctx, doc("9", "omega")))
	cp, err := ix.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Generation)

	hits, err := ix.Search(ctx, index.MatchAll{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, ids(t, hits))
}

func TestLifecycle_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ix, err := Open(ctx, Memory())
	require.NoError(t, err)
	require.NoError(t, ix.Close(ctx))
	require.NoError(t, ix.Close(ctx))

	var nilIndex *Index
	assert.NoError(t, nilIndex.Close(ctx))
}
