package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/segidx/blobstore"
	"github.com/hupe1980/segidx/blobstore/minio"
	"github.com/hupe1980/segidx/blobstore/s3"
	"github.com/hupe1980/segidx/store"
)

// OpenStorage opens a directory on the backend cfg describes.
func OpenStorage(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (*store.Directory, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts := []store.Option{store.WithLogger(logger)}

	switch cfg.Backend {
	case BackendLocal, "":
		return store.OpenLocal(cfg.Path, opts...)
	case BackendMemory:
		return store.NewDirectory(blobstore.NewMemoryStore(), opts...), nil
	case BackendBolt:
		bs, err := blobstore.OpenBoltStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("config: open bolt store: %w", err)
		}
		return store.NewDirectory(bs, opts...), nil
	case BackendS3:
		bs, err := openS3(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return newRemoteDirectory(bs, cfg, logger, opts)
	case BackendMinio:
		client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("config: minio client: %w", err)
		}
		return newRemoteDirectory(minio.NewStore(client, cfg.Bucket, cfg.Prefix), cfg, logger, opts)
	default:
		return nil, fmt.Errorf("config: unknown storage backend %q", cfg.Backend)
	}
}

func openS3(ctx context.Context, cfg StorageConfig) (blobstore.BlobStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("config: load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})
	st := s3.NewStore(client, cfg.Bucket, cfg.Prefix)
	if cfg.CommitTable == "" {
		return st, nil
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	return s3.NewDDBCommitStore(st, ddb, cfg.CommitTable, "s3://"+cfg.Bucket+"/"+cfg.Prefix), nil
}

// newRemoteDirectory puts a local read cache in front of remote when CacheDir is set.
func newRemoteDirectory(remote blobstore.BlobStore, cfg StorageConfig, logger *slog.Logger, opts []store.Option) (*store.Directory, error) {
	if cfg.CacheDir == "" {
		return store.NewDirectory(remote, opts...), nil
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create cache dir: %w", err)
	}
	cached := blobstore.NewCachingStore(remote, blobstore.NewLocalStore(cfg.CacheDir), blobstore.WithCacheLogger(logger))
	return store.NewDirectory(cached, opts...), nil
}
