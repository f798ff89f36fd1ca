// Package store turns a blobstore.BlobStore into an index directory.
//
// Every file written through a Directory starts with a header naming the format
// and its version and ends with a 16 byte footer:
//
//	magic   u32  ^0x3fd76c17
//	algo    u32  0 = CRC-32C
//	crc     u64  checksum of every preceding byte
//
// Directory.OpenInput verifies the footer before handing out an IndexInput, so a
// flipped byte anywhere in a file surfaces as a *CorruptionError on open.
//
// The package also owns the write lock (LockFactory) and FileRefs, the reference
// counts that decide when a file may be physically deleted.
package store
