package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/hupe1980/segidx/document"
	"github.com/hupe1980/segidx/index"
	"github.com/hupe1980/segidx/store"
)

// buildIndex writes two committed segments and deletes one document.
func buildIndex(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := t.TempDir()

	dir, err := store.OpenLocal(path)
	require.NoError(t, err)
	defer dir.Close()

	w, err := index.OpenWriter(ctx, dir, index.WithAutoMerge(false))
	require.NoError(t, err)
	for i, body := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, w.AddDocument(ctx, document.New(
			document.NewStringField("id", string(rune('1'+i)), true),
			document.NewTextField("body", body, true),
		)))
		if i == 1 {
			require.NoError(t, w.Flush(ctx))
		}
	}
	_, err = w.Commit(ctx, map[string]string{"run": "first"})
	require.NoError(t, err)
	_, err = w.DeleteDocuments(ctx, index.Term{Field: "id", Text: "2"})
	require.NoError(t, err)
	_, err = w.Commit(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run(append([]string{"segtool"}, args...))
	return stdout.String(), err
}

func TestSegments(t *testing.T) {
	path := buildIndex(t)
	out, err := run(t, "--dir", path, "segments")
	require.NoError(t, err)

	assert.Contains(t, out, "generation 2")
	assert.Contains(t, out, "_0")
	assert.Contains(t, out, "_1")
	assert.Contains(t, out, "flush")
}

func TestCommits(t *testing.T) {
	path := buildIndex(t)
	out, err := run(t, "--dir", path, "commits")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	assert.True(t, strings.HasPrefix(lines[1], "2"), lines[1])
}

func TestStats(t *testing.T) {
	path := buildIndex(t)
	out, err := run(t, "--dir", path, "stats")
	require.NoError(t, err)

	assert.Regexp(t, `docs\s+2`, out)
	assert.Regexp(t, `max doc\s+3`, out)
	assert.Regexp(t, `segments\s+2`, out)
	assert.Contains(t, out, "Seg11=2")
}

func TestCheck(t *testing.T) {
	path := buildIndex(t)
	out, err := run(t, "--dir", path, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "no problems found")

	matches, err := filepath.Glob(filepath.Join(path, "_0.doc"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	data[len(data)-store.FooterLength-1] ^= 0xff
	require.NoError(t, os.WriteFile(matches[0], data, 0o644))

	out, err = run(t, "--dir", path, "check")
	require.Error(t, err)
	var ec cli.ExitCoder
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, exitCorrupt, ec.ExitCode())
	assert.Contains(t, out, "FAILED")
}

func TestMerge(t *testing.T) {
	path := buildIndex(t)
	out, err := run(t, "--dir", path, "merge", "--max-segments", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "2 -> 1 segments")

	out, err = run(t, "--dir", path, "stats")
	require.NoError(t, err)
	assert.Regexp(t, `docs\s+2`, out)
	assert.Regexp(t, `max doc\s+2`, out)
}

func TestConfigFile(t *testing.T) {
	path := buildIndex(t)
	cfgPath := filepath.Join(t.TempDir(), "segidx.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: error\nstorage:\n  backend: local\n  path: "+path+"\n"), 0o600))

	out, err := run(t, "--config", cfgPath, "stats")
	require.NoError(t, err)
	assert.Regexp(t, `docs\s+2`, out)

	_, err = run(t, "--config", cfgPath, "--log-level", "loud", "stats")
	assert.Error(t, err)
}

func TestNoCommit(t *testing.T) {
	_, err := run(t, "--dir", t.TempDir(), "segments")
	require.ErrorIs(t, err, index.ErrNoCommit)
}
