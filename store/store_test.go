package store

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/hupe1980/segidx/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testID = [IDLength]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func writeTestFile(t *testing.T, d *Directory, name string) {
	t.Helper()
	ctx := context.Background()

	out, err := d.CreateOutput(ctx, name)
	require.NoError(t, err)
	WriteHeader(out, Header{Format: "TestFormat", Version: 2, ID: testID, Suffix: "x"})
	out.WriteUvarint(300)
	out.WriteVarint(-7)
	out.WriteString("alpha")
	out.WriteUint64(1 << 40)
	require.NoError(t, WriteFooter(out))
	require.NoError(t, out.Close())
}

func TestDirectory_RoundTrip(t *testing.T) {
	d := NewDirectory(blobstore.NewMemoryStore())
	ctx := context.Background()
	writeTestFile(t, d, "_0.tst")

	in, err := d.OpenInput(ctx, "_0.tst")
	require.NoError(t, err)
	defer in.Close()

	version, err := CheckHeader(in, "TestFormat", 1, 2, testID[:], "x")
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	assert.Equal(t, uint64(300), in.ReadUvarint())
	assert.Equal(t, int64(-7), in.ReadVarint())
	assert.Equal(t, "alpha", in.ReadString())
	assert.Equal(t, uint64(1<<40), in.ReadUint64())
	require.NoError(t, in.Err())
	assert.Equal(t, in.ContentLen(), in.Pos())
	require.NoError(t, in.CheckIntegrity())
}

func TestDirectory_CorruptionDetected(t *testing.T) {
	mem := blobstore.NewMemoryStore()
	d := NewDirectory(mem)
	ctx := context.Background()
	writeTestFile(t, d, "_0.tst")

	b, err := mem.Open(ctx, "_0.tst")
	require.NoError(t, err)
	data, err := blobstore.ReadAll(ctx, b)
	require.NoError(t, err)

	for _, off := range []int{0, 10, len(data) - FooterLength - 1, len(data) - 1} {
		corrupted := append([]byte(nil), data...)
		corrupted[off] ^= 0xff
		require.NoError(t, mem.Put(ctx, "_0.tst", corrupted))

		_, err = d.OpenInput(ctx, "_0.tst")
		require.Error(t, err, "offset %d", off)

		var ce *CorruptionError
		assert.True(t, errors.As(err, &ce), "offset %d", off)
		assert.True(t, errors.Is(err, ErrCorrupt))
	}

	require.NoError(t, mem.Put(ctx, "_0.tst", data[:8]))
	_, err = d.OpenInput(ctx, "_0.tst")
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestCheckHeader_Errors(t *testing.T) {
	d := NewDirectory(blobstore.NewMemoryStore())
	ctx := context.Background()
	writeTestFile(t, d, "_0.tst")

	open := func() *IndexInput {
		in, err := d.OpenInput(ctx, "_0.tst")
		require.NoError(t, err)
		return in
	}

	_, err := CheckHeader(open(), "TestFormat", 3, 4, testID[:], "x")
	var ufe *UnsupportedFormatError
	require.True(t, errors.As(err, &ufe))
	assert.Equal(t, 2, ufe.Version)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = CheckHeader(open(), "OtherFormat", 1, 2, testID[:], "x")
	assert.True(t, errors.Is(err, ErrCorrupt))

	other := testID
	other[0] = 99
	_, err = CheckHeader(open(), "TestFormat", 1, 2, other[:], "x")
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestIndexInput_ReadPastEOF(t *testing.T) {
	in := NewIndexInput("short", []byte{1, 2})
	assert.Equal(t, uint32(0), in.ReadUint32())
	require.Error(t, in.Err())
	assert.True(t, errors.Is(in.Err(), ErrCorrupt))

	// Sticky: later reads keep failing.
	_, err := in.ReadByte()
	assert.Error(t, err)
}

func TestIndexOutput_OutOfSpace(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".fdt", fs.OutOfSpace(100))

	root := t.TempDir()
	d := NewDirectory(blobstore.NewLocalStore(root, blobstore.WithFileSystem(ffs)))
	ctx := context.Background()

	out, err := d.CreateOutput(ctx, "_5.fdt")
	require.NoError(t, err)
	out.WriteBytes(make([]byte, 200*1024))
	err = out.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfSpace))
	assert.True(t, errors.Is(err, syscall.ENOSPC))

	_, statErr := os.Stat(root + "/_5.fdt")
	assert.True(t, os.IsNotExist(statErr), "failed output must be removed")
}

func TestSingleInstanceLock(t *testing.T) {
	d := NewDirectory(blobstore.NewMemoryStore())

	l, err := d.ObtainLock(WriteLockName)
	require.NoError(t, err)
	require.NoError(t, l.EnsureValid())

	_, err = d.ObtainLock(WriteLockName)
	var lhe *LockHeldError
	require.True(t, errors.As(err, &lhe))
	assert.True(t, errors.Is(err, ErrLockHeld))

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.EnsureValid(), ErrLockReleased)

	l2, err := d.ObtainLock(WriteLockName)
	require.NoError(t, err)
	require.NoError(t, l2.Close())
}

func TestNativeLock(t *testing.T) {
	root := t.TempDir()
	d1, err := OpenLocal(root)
	require.NoError(t, err)
	d2, err := OpenLocal(root)
	require.NoError(t, err)

	l, err := d1.ObtainLock(WriteLockName)
	require.NoError(t, err)

	_, err = d2.ObtainLock(WriteLockName)
	assert.True(t, errors.Is(err, ErrLockHeld))

	require.NoError(t, l.Close())
	l2, err := d2.ObtainLock(WriteLockName)
	require.NoError(t, err)
	require.NoError(t, l2.Close())
}

func TestObtainLockWithRetry(t *testing.T) {
	d := NewDirectory(blobstore.NewMemoryStore())
	ctx := context.Background()

	l, err := d.ObtainLock(WriteLockName)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = l.Close()
	}()

	l2, err := ObtainLockWithRetry(ctx, d, WriteLockName, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, l2.Close())

	held, err := d.ObtainLock(WriteLockName)
	require.NoError(t, err)
	defer held.Close()

	_, err = ObtainLockWithRetry(ctx, d, WriteLockName, 50*time.Millisecond)
	assert.True(t, errors.Is(err, ErrLockHeld))
}

func TestFileRefs(t *testing.T) {
	mem := blobstore.NewMemoryStore()
	d := NewDirectory(mem)
	ctx := context.Background()
	writeTestFile(t, d, "_0.tst")
	writeTestFile(t, d, "_1.tst")

	refs := d.Refs()
	refs.IncRef("_0.tst", "_1.tst")
	refs.IncRef("_0.tst")
	assert.Equal(t, 2, refs.RefCount("_0.tst"))

	// Not obsolete: reaching zero keeps the file.
	require.NoError(t, refs.DecRef(ctx, "_1.tst"))
	ok, err := d.FileExists(ctx, "_1.tst")
	require.NoError(t, err)
	assert.True(t, ok)

	// Obsolete without references: deleted at once.
	require.NoError(t, refs.MarkObsolete(ctx, "_1.tst", "_0.tst"))
	names, err := d.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"_0.tst"}, names)

	// Obsolete with references: deleted on the last DecRef.
	require.NoError(t, refs.DecRef(ctx, "_0.tst"))
	names, err = d.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"_0.tst"}, names)

	require.NoError(t, refs.DecRef(ctx, "_0.tst"))
	names, err = d.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	// Untracked files are left alone.
	writeTestFile(t, d, "_2.tst")
	require.NoError(t, refs.DecRef(ctx, "_2.tst"))
	ok, err = d.FileExists(ctx, "_2.tst")
	require.NoError(t, err)
	assert.True(t, ok)
}
