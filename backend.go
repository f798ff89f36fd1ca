package segidx

import (
	"context"
	"fmt"
	"os"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/hupe1980/segidx/config"
	"github.com/hupe1980/segidx/store"
)

// Backend locates the directory an index lives in.
type Backend struct {
	location string
	open     func(ctx context.Context, o *options) (*store.Directory, error)
	// shared directories are owned by the caller and not closed by Index.Close.
	shared bool
}

func (b Backend) String() string { return b.location }

// Local stores the index in a directory on the local file system.
func Local(path string) Backend {
	return Backend{
		location: path,
		open: func(_ context.Context, o *options) (*store.Directory, error) {
			return store.OpenLocal(path, store.WithLogger(o.logger.Logger))
		},
	}
}

// Memory keeps the index in memory. Mostly useful in tests.
func Memory() Backend {
	return Backend{
		location: "memory",
		open: func(_ context.Context, o *options) (*store.Directory, error) {
			return store.NewDirectory(blobstore.NewMemoryStore(), store.WithLogger(o.logger.Logger)), nil
		},
	}
}

// Bolt stores the index in a single bbolt database file.
func Bolt(path string) Backend {
	return Backend{
		location: path,
		open: func(_ context.Context, o *options) (*store.Directory, error) {
			bs, err := blobstore.OpenBoltStore(path)
			if err != nil {
				return nil, err
			}
			return store.NewDirectory(bs, store.WithLogger(o.logger.Logger)), nil
		},
	}
}

// Remote stores the index in an arbitrary blob store, typically S3 or MinIO.
// With WithCacheDir, reads are cached on local disk.
func Remote(bs blobstore.BlobStore) Backend {
	return Backend{
		location: fmt.Sprintf("%T", bs),
		open: func(_ context.Context, o *options) (*store.Directory, error) {
			if o.cacheDir == "" {
				return store.NewDirectory(bs, store.WithLogger(o.logger.Logger)), nil
			}
			if err := os.MkdirAll(o.cacheDir, 0o755); err != nil {
				return nil, err
			}
			cached := blobstore.NewCachingStore(bs, blobstore.NewLocalStore(o.cacheDir),
				blobstore.WithCacheLogger(o.logger.Logger))
			return store.NewDirectory(cached, store.WithLogger(o.logger.Logger)), nil
		},
	}
}

// Shared opens the index on an existing directory. The directory is left
// open when the index is closed, so readers on it keep working.
func Shared(dir *store.Directory) Backend {
	return Backend{
		location: "shared",
		shared:   true,
		open: func(context.Context, *options) (*store.Directory, error) {
			return dir, nil
		},
	}
}

// Configured opens the backend described by a storage config section.
func Configured(cfg config.StorageConfig) Backend {
	loc := cfg.Backend + ":" + cfg.Path
	if cfg.Bucket != "" {
		loc = cfg.Backend + "://" + cfg.Bucket + "/" + cfg.Prefix
	}
	return Backend{
		location: loc,
		open: func(ctx context.Context, o *options) (*store.Directory, error) {
			if cfg.CacheDir == "" && o.cacheDir != "" {
				cfg.CacheDir = o.cacheDir
			}
			return config.OpenStorage(ctx, cfg, o.logger.Logger)
		},
	}
}
