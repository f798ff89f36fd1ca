// Package fs provides the file system seam used by the local blob store.
//
//   - [FileSystem] and [File] abstract the os calls the local store makes
//   - [LocalFS] is the production implementation
//   - [FaultyFS] injects write, sync, close and rename failures in tests
//
// Tests simulate a full disk like this:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".fdt", fs.OutOfSpace(4096))
//	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
//
// The package has no context.Context parameters. Local syscalls are not
// interruptible; slow backends go through blobstore.Blob instead.
package fs
