// Package s3 provides S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := awss3.NewFromConfig(cfg)
//	store := s3.NewStore(client, "my-bucket", "indexes/products")
//	dir := store.NewDirectory(store)
//
// S3 has no rename, so Store.Rename is a server-side copy followed by a delete.
// Two writers on different machines could both publish the same commit generation
// that way; DDBCommitStore closes that gap by registering every published commit
// with a DynamoDB conditional write and hiding unregistered commit objects.
//
// # Features
//
//   - Range reads
//   - Multipart streaming uploads for large segment files
//   - CRC32C object checksums
//   - Configurable prefix for multi-tenant isolation
package s3
