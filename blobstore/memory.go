package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
)

// MemoryStore is an in-memory BlobStore.
//
// It tracks which blobs were made durable by Put or Sync so tests can simulate a
// crash with Crash. Thread-safe for concurrent reads and writes.
type MemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	durable map[string][]byte
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:   make(map[string][]byte),
		durable: make(map[string][]byte),
	}
}

// Open opens a blob for reading.
func (m *MemoryStore) Open(_ context.Context, name string) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	// Stored slices are never mutated in place, so readers may share them.
	return &memoryBlob{data: data}, nil
}

// Create creates a new writable blob.
func (m *MemoryStore) Create(_ context.Context, name string) (WritableBlob, error) {
	return &memoryWritableBlob{
		store: m,
		name:  name,
	}, nil
}

// Put writes a blob atomically and durably.
func (m *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := bytes.Clone(data)
	if copied == nil {
		copied = []byte{}
	}
	m.blobs[name] = copied
	m.durable[name] = copied
	return nil
}

// Delete removes a blob.
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, name)
	delete(m.durable, name)
	return nil
}

// List returns all blobs matching the prefix.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name := range m.blobs {
		if hasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Rename moves a blob. Durability follows the blob: a synced blob stays durable
// under its new name, an unsynced one is lost on Crash.
func (m *MemoryStore) Rename(_ context.Context, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.blobs[oldName]
	if !ok {
		return ErrNotFound
	}
	m.blobs[newName] = data
	delete(m.blobs, oldName)

	if d, ok := m.durable[oldName]; ok {
		m.durable[newName] = d
		delete(m.durable, oldName)
	} else {
		delete(m.durable, newName)
	}
	return nil
}

// Sync marks the named blobs durable.
func (m *MemoryStore) Sync(_ context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		data, ok := m.blobs[name]
		if !ok {
			return ErrNotFound
		}
		m.durable[name] = data
	}
	return nil
}

// Crash discards every blob that was not made durable.
func (m *MemoryStore) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs = make(map[string][]byte, len(m.durable))
	for name, data := range m.durable {
		m.blobs[name] = data
	}
}

// memoryBlob implements Blob for in-memory data.
type memoryBlob struct {
	data []byte
}

func (b *memoryBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *memoryBlob) Close() error {
	return nil
}

func (b *memoryBlob) Size() int64 {
	return int64(len(b.data))
}

func (b *memoryBlob) Bytes() ([]byte, error) {
	return b.data, nil
}

var errBlobClosed = errors.New("blob already closed")

// memoryWritableBlob implements WritableBlob for in-memory writes.
type memoryWritableBlob struct {
	store  *MemoryStore
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWritableBlob) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errBlobClosed
	}
	return w.buf.Write(p)
}

func (w *memoryWritableBlob) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	data := bytes.Clone(w.buf.Bytes())
	if data == nil {
		data = []byte{}
	}
	w.store.blobs[w.name] = data
	delete(w.store.durable, w.name)
	return nil
}

func (w *memoryWritableBlob) Sync() error {
	return nil
}

func (w *memoryWritableBlob) Abort() error {
	w.closed = true
	w.buf.Reset()
	return nil
}
