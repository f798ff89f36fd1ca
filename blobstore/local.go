package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/hupe1980/segidx/internal/fs"
)

const tmpSuffix = ".tmp"

// LocalStore implements BlobStore using the local file system.
type LocalStore struct {
	root string
	fs   fs.FileSystem
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithFileSystem replaces the file system used by the store. Tests inject fs.FaultyFS here.
func WithFileSystem(fsys fs.FileSystem) LocalOption {
	return func(s *LocalStore) {
		s.fs = fsys
	}
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string, opts ...LocalOption) *LocalStore {
	s := &LocalStore{root: root, fs: fs.Default}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the directory the store is rooted at.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, name)
}

// Open opens a blob for reading. Regular files are memory mapped.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	f, err := s.fs.OpenFile(s.path(name), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	osFile, ok := f.(*os.File)
	if !ok || info.Size() == 0 {
		// Injected file systems and empty files are read into memory.
		data := make([]byte, info.Size())
		if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			_ = f.Close()
			return nil, err
		}
		_ = f.Close()
		return &memoryBlob{data: data}, nil
	}

	m, err := mmap.Map(osFile, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return &localBlob{f: osFile, m: m}, nil
}

// Create creates a blob for sequential writing.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return nil, err
	}
	path := s.path(name)
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{f: f, path: path, fs: s.fs}, nil
}

// Put writes data to a temp file, syncs it and renames it into place.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	tmp := name + tmpSuffix
	w, err := s.Create(ctx, tmp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return err
	}
	if err := w.Sync(); err != nil {
		_ = w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		_ = s.fs.Remove(s.path(tmp))
		return err
	}
	return s.Rename(ctx, tmp, name)
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	if err := s.fs.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns all blob names with the given prefix. Temp files of Put are skipped.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		if hasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Rename atomically renames a blob and syncs the directory entry.
func (s *LocalStore) Rename(_ context.Context, oldName, newName string) error {
	if err := s.fs.Rename(s.path(oldName), s.path(newName)); err != nil {
		return err
	}
	return s.syncDir()
}

// Sync fsyncs the named blobs and the directory.
func (s *LocalStore) Sync(_ context.Context, names []string) error {
	for _, name := range names {
		f, err := s.fs.OpenFile(s.path(name), os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		err = f.Sync()
		cerr := f.Close()
		if err != nil {
			return err
		}
		if cerr != nil {
			return cerr
		}
	}
	return s.syncDir()
}

func (s *LocalStore) syncDir() error {
	return s.fs.SyncDir(s.root)
}

type localBlob struct {
	f *os.File
	m mmap.MMap
}

func (b *localBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off >= int64(len(b.m)) {
		return 0, io.EOF
	}
	n := copy(p, b.m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *localBlob) Close() error {
	err := b.m.Unmap()
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *localBlob) Size() int64 {
	return int64(len(b.m))
}

func (b *localBlob) Bytes() ([]byte, error) {
	return b.m, nil
}

type localWritableBlob struct {
	f      fs.File
	path   string
	fs     fs.FileSystem
	closed bool
}

func (w *localWritableBlob) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localWritableBlob) Sync() error {
	return w.f.Sync()
}

func (w *localWritableBlob) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

func (w *localWritableBlob) Abort() error {
	if !w.closed {
		w.closed = true
		_ = w.f.Close()
	}
	if err := w.fs.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
