// Package blobstore provides the raw byte backends an index directory is built on.
//
// A BlobStore holds named, write-once blobs. The index layer never modifies a blob
// after it was closed; it only creates, renames and deletes them. Implementations
// must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local file system, mmap reads, fsync'd renames
//   - MemoryStore: in-memory, with crash simulation for tests
//   - BoltStore: a single bbolt database file
//   - CachingStore: read-through local cache in front of a remote store
//   - s3.Store, s3.DDBCommitStore, minio.Store: object storage
//
// Durability follows the file system model: Create makes a blob visible to List
// immediately, but only Sync (or Put) guarantees it survives a crash. Rename must be
// atomic with respect to concurrent Open calls.
package blobstore
