// Package minio stores an index in MinIO or another S3-compatible service
// through the MinIO client, for deployments that do not want the AWS SDK.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
//	})
//	if err != nil {
//	    return err
//	}
//	dir := store.NewDirectory(miniostore.NewStore(client, "indexes", "products"))
//
// Every file of the index is one object below the prefix. Files are
// uploaded when they are closed, and renames of commit files are
// server-side copies pinned to the source ETag.
package minio
