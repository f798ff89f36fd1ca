package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("blobs")

// BoltStore keeps every blob as a key in a single bbolt database file.
//
// Each mutation is one bbolt transaction, so Put, Delete and Rename are atomic
// and durable when they return. Sync is a no-op.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) a bbolt backed store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Open copies the blob out of the database. Values are only valid inside a
// transaction, so the returned blob owns its bytes.
func (s *BoltStore) Open(_ context.Context, name string) (Blob, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		data = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return &memoryBlob{data: data}, nil
}

// Create buffers writes in memory and stores the blob on Close.
func (s *BoltStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	return &boltWritableBlob{store: s, ctx: ctx, name: name}, nil
}

// Put stores a blob in one transaction.
func (s *BoltStore) Put(_ context.Context, name string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(name), data)
	})
}

// Delete removes a blob.
func (s *BoltStore) Delete(_ context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(name))
	})
}

// List returns the names with the given prefix in key order.
func (s *BoltStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			names = append(names, string(k))
		}
		return nil
	})
	return names, err
}

// Rename moves a blob inside one transaction.
func (s *BoltStore) Rename(_ context.Context, oldName, newName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		v := b.Get([]byte(oldName))
		if v == nil {
			return ErrNotFound
		}
		if err := b.Put([]byte(newName), bytes.Clone(v)); err != nil {
			return err
		}
		return b.Delete([]byte(oldName))
	})
}

// Sync is a no-op: every committed bbolt transaction is already fsync'd.
func (s *BoltStore) Sync(_ context.Context, _ []string) error {
	return nil
}

type boltWritableBlob struct {
	store  *BoltStore
	ctx    context.Context
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *boltWritableBlob) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errBlobClosed
	}
	return w.buf.Write(p)
}

func (w *boltWritableBlob) Sync() error {
	return nil
}

func (w *boltWritableBlob) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.store.Put(w.ctx, w.name, w.buf.Bytes())
}

func (w *boltWritableBlob) Abort() error {
	w.closed = true
	w.buf.Reset()
	return nil
}
