// Package config loads YAML configuration for segidx writers and tools.
//
// A configuration file has three sections:
//
//	log_level: info
//	storage:
//	  backend: local
//	  path: /var/lib/segidx/products
//	index:
//	  ram_buffer_size_bytes: 33554432
//	  merge_policy:
//	    segments_per_tier: 8
//
// Missing keys keep their defaults (see Default).
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/segidx/index"
	"github.com/hupe1980/segidx/store"
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendS3     = "s3"
	BackendMinio  = "minio"
)

// StorageConfig selects and configures the blob store an index lives in.
type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=local memory bolt s3 minio"`

	// Path is the index directory for local and the database file for bolt.
	Path string `yaml:"path" validate:"required_if=Backend local,required_if=Backend bolt"`

	Bucket   string `yaml:"bucket" validate:"required_if=Backend s3,required_if=Backend minio"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Backend minio"`

	// AccessKey and SecretKey are used by minio. S3 uses the default AWS credential chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`

	// CommitTable publishes commit files through a DynamoDB table (s3 only).
	CommitTable string `yaml:"commit_table" validate:"excluded_unless=Backend s3"`

	// CacheDir caches remote reads on local disk (s3 and minio).
	CacheDir string `yaml:"cache_dir"`
}

// File is the top-level configuration document.
type File struct {
	LogLevel  string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string        `yaml:"log_format" validate:"oneof=text json"`
	Storage   StorageConfig `yaml:"storage"`
	Index     index.Config  `yaml:"index"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *File {
	return &File{
		LogLevel:  "info",
		LogFormat: "text",
		Storage: StorageConfig{
			Backend: BackendLocal,
			Path:    "./index",
		},
		Index: index.DefaultConfig(),
	}
}

var validate = validator.New()

// Validate checks the storage section and the index configuration.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := f.Index.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Parse decodes a YAML document on top of the defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	f := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	f.Storage.Backend = strings.ToLower(f.Storage.Backend)
	f.LogLevel = strings.ToLower(f.LogLevel)

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Level returns the slog level named by LogLevel.
func (f *File) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(f.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Logger builds a logger writing to w.
func (f *File) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: f.Level()}
	if f.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// IndexOptions returns options applying the index section. extra is applied
// afterwards, so it can attach loggers, metrics or analyzers.
func (f *File) IndexOptions(extra ...index.Option) []index.Option {
	return append([]index.Option{index.WithConfig(f.Index)}, extra...)
}

// Open builds the configured directory. ctx bounds backend setup only.
func (f *File) Open(ctx context.Context, logger *slog.Logger) (*store.Directory, error) {
	return OpenStorage(ctx, f.Storage, logger)
}
