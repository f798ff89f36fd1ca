package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/segidx/blobstore"
)

// Option configures a Store.
type Option func(*Store)

// WithStorageClass sets the storage class of uploaded index files.
func WithStorageClass(class string) Option {
	return func(s *Store) { s.storageClass = class }
}

// WithPartSize sets the multipart part size used for large segment files.
func WithPartSize(size uint64) Option {
	return func(s *Store) { s.partSize = size }
}

// Store keeps an index under a key prefix of a MinIO or S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string

	storageClass string
	partSize     uint64
}

var _ blobstore.BlobStore = (*Store)(nil)

// NewStore returns a store for the index rooted at prefix inside bucket.
func NewStore(client *minio.Client, bucket, prefix string, opts ...Option) *Store {
	s := &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) objectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// fileName strips the index prefix from an object key.
func (s *Store) fileName(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
}

func (s *Store) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		StorageClass: s.storageClass,
		PartSize:     s.partSize,
	}
}

// translate maps missing objects to blobstore.ErrNotFound.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return blobstore.ErrNotFound
	}
	return err
}

func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.objectKey(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	return &object{client: s.client, bucket: s.bucket, key: key, etag: info.ETag, size: info.Size}, nil
}

func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(name), bytes.NewReader(data), int64(len(data)), s.putOptions())
	return err
}

// Create buffers the file in memory and uploads it on Close, so an object
// only appears once it is complete.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return &upload{ctx: context.WithoutCancel(ctx), store: s, name: name}, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	err := translate(s.client.RemoveObject(ctx, s.bucket, s.objectKey(name), minio.RemoveObjectOptions{}))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	listPrefix := s.objectKey(prefix)
	if prefix == "" && s.prefix != "" {
		listPrefix = s.prefix + "/"
	}

	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if name := s.fileName(obj.Key); name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Rename copies oldName over newName on the server and deletes oldName.
// The copy is pinned to the ETag seen at stat time so a concurrently
// replaced source fails instead of publishing different bytes.
func (s *Store) Rename(ctx context.Context, oldName, newName string) error {
	src := s.objectKey(oldName)
	info, err := s.client.StatObject(ctx, s.bucket, src, minio.StatObjectOptions{})
	if err != nil {
		return translate(err)
	}
	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: s.objectKey(newName)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src, MatchETag: info.ETag},
	)
	if err != nil {
		return translate(err)
	}
	return s.Delete(ctx, oldName)
}

// Sync is a no-op: uploads are durable when PutObject returns.
func (s *Store) Sync(context.Context, []string) error { return nil }

type object struct {
	client *minio.Client
	bucket string
	key    string
	etag   string
	size   int64
}

func (o *object) Size() int64 { return o.size }

func (o *object) Close() error { return nil }

// ReadAt issues one ranged GET. Reads are pinned to the ETag of the object
// that was opened.
func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off >= o.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := min(int64(len(p)), o.size-off)

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, off+n-1); err != nil {
		return 0, err
	}
	if o.etag != "" {
		if err := opts.SetMatchETag(o.etag); err != nil {
			return 0, err
		}
	}
	r, err := o.client.GetObject(ctx, o.bucket, o.key, opts)
	if err != nil {
		return 0, translate(err)
	}
	defer r.Close()

	read, err := io.ReadFull(r, p[:n])
	if err != nil {
		return read, translate(err)
	}
	if n < int64(len(p)) {
		return read, io.EOF
	}
	return read, nil
}

var errFinished = errors.New("minio: upload already finished")

type upload struct {
	ctx   context.Context
	store *Store
	name  string
	buf   bytes.Buffer
	done  bool
}

func (u *upload) Write(p []byte) (int, error) {
	if u.done {
		return 0, errFinished
	}
	return u.buf.Write(p)
}

func (u *upload) Sync() error { return nil }

func (u *upload) Close() error {
	if u.done {
		return errFinished
	}
	u.done = true
	return u.store.Put(u.ctx, u.name, u.buf.Bytes())
}

func (u *upload) Abort() error {
	u.done = true
	u.buf.Reset()
	return nil
}
