package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
var ErrNotFound = os.ErrNotExist

// BlobStore is a container of named, write-once blobs.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for sequential writing. The blob becomes visible on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob atomically and durably.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Rename atomically moves oldName to newName, replacing newName if present.
	Rename(ctx context.Context, oldName, newName string) error
	// Sync makes the named blobs durable.
	Sync(ctx context.Context, names []string) error
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob open for sequential writing.
type WritableBlob interface {
	io.Writer
	// Sync flushes written bytes to durable storage.
	Sync() error
	// Close finishes the blob.
	Close() error
	// Abort discards the blob. It is safe to call after a failed Write.
	Abort() error
}

// Mappable is an optional interface for Blobs that expose their bytes directly.
type Mappable interface {
	// Bytes returns the underlying byte slice.
	// The slice is valid until the Blob is closed.
	Bytes() ([]byte, error)
}

// ReadAll returns the full contents of b. Mappable blobs are returned without copying.
func ReadAll(ctx context.Context, b Blob) ([]byte, error) {
	if m, ok := b.(Mappable); ok {
		return m.Bytes()
	}

	size := b.Size()
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
		return nil, err
	}
	if int64(n) != size {
		return nil, fmt.Errorf("short read: %d of %d bytes", n, size)
	}
	return buf, nil
}

// hasPrefix reports whether name starts with prefix.
func hasPrefix(name, prefix string) bool {
	return prefix == "" || len(name) >= len(prefix) && name[:len(prefix)] == prefix
}
