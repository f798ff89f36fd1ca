package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/hupe1980/segidx/internal/resource"
)

// Directory is a flat collection of index files on top of a blob store.
//
// A Directory value is the unit of sharing inside a process: writers and
// readers opened on the same Directory share its write lock and FileRefs.
type Directory struct {
	backend blobstore.BlobStore
	locks   LockFactory
	refs    *FileRefs
	logger  *slog.Logger
	rc      *resource.Controller

	closeOnce sync.Once
}

// Option configures a Directory.
type Option func(*Directory)

// WithLockFactory sets the lock factory. Defaults to an in-process lock.
func WithLockFactory(f LockFactory) Option {
	return func(d *Directory) {
		d.locks = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithResourceController throttles writes of outputs created with CreateThrottledOutput.
func WithResourceController(rc *resource.Controller) Option {
	return func(d *Directory) {
		d.rc = rc
	}
}

// NewDirectory creates a Directory on top of backend.
func NewDirectory(backend blobstore.BlobStore, opts ...Option) *Directory {
	d := &Directory{
		backend: backend,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.locks == nil {
		d.locks = NewSingleInstanceLockFactory()
	}
	d.refs = newFileRefs(d)
	return d
}

// OpenLocal opens a Directory on a local path, creating it if needed.
// The write lock is a native file lock.
func OpenLocal(path string, opts ...Option) (*Directory, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, wrapIO("mkdir", path, err)
	}
	opts = append([]Option{WithLockFactory(NewNativeLockFactory(path))}, opts...)
	return NewDirectory(blobstore.NewLocalStore(path), opts...), nil
}

// Backend returns the underlying blob store.
func (d *Directory) Backend() blobstore.BlobStore { return d.backend }

// Refs returns the file reference counts shared by everything opened on d.
func (d *Directory) Refs() *FileRefs { return d.refs }

// Logger returns the directory logger.
func (d *Directory) Logger() *slog.Logger { return d.logger }

// CreateOutput creates a new file for sequential writing.
func (d *Directory) CreateOutput(ctx context.Context, name string) (*IndexOutput, error) {
	blob, err := d.backend.Create(ctx, name)
	if err != nil {
		return nil, wrapIO("create", name, err)
	}
	return newIndexOutput(name, blob, blob), nil
}

// CreateThrottledOutput is CreateOutput with writes rate limited by rc, or
// by the directory's resource controller when rc is nil. Merges write through it.
func (d *Directory) CreateThrottledOutput(ctx context.Context, name string, rc *resource.Controller) (*IndexOutput, error) {
	if rc == nil {
		rc = d.rc
	}
	blob, err := d.backend.Create(ctx, name)
	if err != nil {
		return nil, wrapIO("create", name, err)
	}
	if rc == nil {
		return newIndexOutput(name, blob, blob), nil
	}
	return newIndexOutput(name, blob, resource.NewThrottledWriter(ctx, blob, rc)), nil
}

// OpenInput opens a file and verifies its footer checksum.
func (d *Directory) OpenInput(ctx context.Context, name string) (*IndexInput, error) {
	blob, err := d.backend.Open(ctx, name)
	if err != nil {
		return nil, wrapIO("open", name, err)
	}

	data, err := blobstore.ReadAll(ctx, blob)
	if err != nil {
		_ = blob.Close()
		return nil, wrapIO("read", name, err)
	}

	if err := CheckFooter(name, data); err != nil {
		_ = blob.Close()
		return nil, err
	}
	return &IndexInput{name: name, data: data, closer: blob}, nil
}

// FileLength returns the size of a file in bytes.
func (d *Directory) FileLength(ctx context.Context, name string) (int64, error) {
	blob, err := d.backend.Open(ctx, name)
	if err != nil {
		return 0, wrapIO("open", name, err)
	}
	defer blob.Close()
	return blob.Size(), nil
}

// FileExists reports whether name exists.
func (d *Directory) FileExists(ctx context.Context, name string) (bool, error) {
	blob, err := d.backend.Open(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return false, nil
		}
		return false, wrapIO("open", name, err)
	}
	_ = blob.Close()
	return true, nil
}

// Rename atomically renames a file.
func (d *Directory) Rename(ctx context.Context, from, to string) error {
	return wrapIO("rename", from, d.backend.Rename(ctx, from, to))
}

// DeleteFile removes a file immediately, ignoring reference counts.
// Index code deletes through Refs instead.
func (d *Directory) DeleteFile(ctx context.Context, name string) error {
	return wrapIO("delete", name, d.backend.Delete(ctx, name))
}

// ListAll returns the names of all files.
func (d *Directory) ListAll(ctx context.Context) ([]string, error) {
	names, err := d.backend.List(ctx, "")
	if err != nil {
		return nil, wrapIO("list", "", err)
	}
	return names, nil
}

// Sync is the durability barrier for the named files.
func (d *Directory) Sync(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := d.backend.Sync(ctx, names); err != nil {
		return wrapIO("sync", fmt.Sprint(names), err)
	}
	return nil
}

// ObtainLock acquires the named lock or fails with a *LockHeldError.
func (d *Directory) ObtainLock(name string) (Lock, error) {
	return d.locks.ObtainLock(name)
}

// Close closes the backend if it holds resources.
func (d *Directory) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if c, ok := d.backend.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
