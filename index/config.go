package index

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hupe1980/segidx/codec"
	"github.com/hupe1980/segidx/document"
	// Registers the shipped codecs.
	_ "github.com/hupe1980/segidx/codec/seg"
)

// OpenMode selects how OpenWriter treats an existing index.
type OpenMode string

const (
	// OpenModeCreate starts a new index. Existing commits stay readable until
	// the first commit of the new writer supersedes them.
	OpenModeCreate OpenMode = "create"
	// OpenModeAppend requires an existing commit.
	OpenModeAppend OpenMode = "append"
	// OpenModeCreateOrAppend appends when a commit exists and creates otherwise.
	OpenModeCreateOrAppend OpenMode = "create_or_append"
)

// MergePolicyConfig holds the thresholds of the tiered merge policy.
type MergePolicyConfig struct {
	// SegmentsPerTier is the number of segments a tier may hold before it is merged.
	SegmentsPerTier int `yaml:"segments_per_tier" validate:"min=2"`
	// MaxMergeAtOnce caps the inputs of one natural merge.
	MaxMergeAtOnce int `yaml:"max_merge_at_once" validate:"min=2"`
	// MaxMergedSegmentBytes caps the live size of a merge result.
	MaxMergedSegmentBytes int64 `yaml:"max_merged_segment_bytes" validate:"min=1"`
	// FloorSegmentBytes rounds smaller segments up when assigning tiers.
	FloorSegmentBytes int64 `yaml:"floor_segment_bytes" validate:"min=1"`
	// DeletesPctAllowed is the deleted share above which a segment is
	// rewritten even when its tier is not full.
	DeletesPctAllowed float64 `yaml:"deletes_pct_allowed" validate:"gte=0,lte=100"`
	// MinReclaimPct is the smallest share of bytes a deletes-only merge must reclaim.
	MinReclaimPct float64 `yaml:"min_reclaim_pct" validate:"gte=0,lte=100"`
	// TierFactor is the size ratio between neighbouring tiers.
	TierFactor float64 `yaml:"tier_factor" validate:"gt=1"`
}

// Config configures writers and readers.
type Config struct {
	OpenMode OpenMode `yaml:"open_mode" validate:"oneof=create append create_or_append"`

	// MaxBufferedDocs flushes once this many documents are buffered. 0 disables.
	MaxBufferedDocs int `yaml:"max_buffered_docs" validate:"gte=0"`
	// RAMBufferSizeBytes flushes once buffered documents use about this much memory. 0 disables.
	RAMBufferSizeBytes int64 `yaml:"ram_buffer_size_bytes" validate:"gte=0"`

	// Codec names the codec for new segments. Empty selects the registry default.
	Codec string `yaml:"codec"`

	MergePolicy MergePolicyConfig `yaml:"merge_policy"`

	MergeWorkers       int   `yaml:"merge_workers" validate:"min=1,max=64"`
	MergeIOBytesPerSec int64 `yaml:"merge_io_bytes_per_sec" validate:"gte=0"`
	// AutoMerge looks for merges after every commit.
	AutoMerge bool `yaml:"auto_merge"`

	// KeepCommits is the number of commits the default deletion policy keeps.
	KeepCommits int `yaml:"keep_commits" validate:"min=1"`

	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout" validate:"gte=0"`

	// BlockCacheBytes sizes the decompressed stored fields block cache. 0 disables it.
	BlockCacheBytes int64 `yaml:"block_cache_bytes" validate:"gte=0"`
	// MemoryBudgetBytes caps the writer's buffered documents and block cache
	// together. 0 only tracks usage.
	MemoryBudgetBytes int64 `yaml:"memory_budget_bytes" validate:"gte=0"`

	Logger         *slog.Logger      `yaml:"-" validate:"-"`
	Metrics        MetricsObserver   `yaml:"-" validate:"-"`
	Analyzer       document.Analyzer `yaml:"-" validate:"-"`
	Registry       *codec.Registry   `yaml:"-" validate:"-"`
	Policy         MergePolicy       `yaml:"-" validate:"-"`
	DeletionPolicy DeletionPolicy    `yaml:"-" validate:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		OpenMode:           OpenModeCreateOrAppend,
		MaxBufferedDocs:    0,
		RAMBufferSizeBytes: 16 << 20,
		MergePolicy: MergePolicyConfig{
			SegmentsPerTier:       10,
			MaxMergeAtOnce:        10,
			MaxMergedSegmentBytes: 5 << 30,
			FloorSegmentBytes:     2 << 20,
			DeletesPctAllowed:     33,
			MinReclaimPct:         10,
			TierFactor:            10,
		},
		MergeWorkers:    1,
		AutoMerge:       true,
		KeepCommits:     1,
		LockWaitTimeout: 0,
		BlockCacheBytes: 32 << 20,
	}
}

var validate = validator.New()

// Validate checks field ranges and that the codec exists.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("index: invalid config: %w", err)
	}
	if c.Codec != "" {
		if _, err := c.registry().ForName(c.Codec); err != nil {
			return fmt.Errorf("index: invalid config: %w", err)
		}
	}
	return nil
}

func (c *Config) registry() *codec.Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return codec.DefaultRegistry()
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (c *Config) metrics() MetricsObserver {
	if c.Metrics != nil {
		return c.Metrics
	}
	return NoopMetricsObserver{}
}

func (c *Config) analyzer() document.Analyzer {
	if c.Analyzer != nil {
		return c.Analyzer
	}
	return document.WhitespaceAnalyzer{}
}

func (c *Config) codec() (*codec.Codec, error) {
	if c.Codec == "" {
		return c.registry().Default()
	}
	return c.registry().ForName(c.Codec)
}

func (c *Config) mergePolicy() MergePolicy {
	if c.Policy != nil {
		return c.Policy
	}
	return NewTieredMergePolicy(c.MergePolicy)
}

func (c *Config) deletionPolicy() DeletionPolicy {
	if c.DeletionPolicy != nil {
		return c.DeletionPolicy
	}
	return KeepLastCommits{N: c.KeepCommits}
}

// Option configures a writer or reader.
type Option func(*Config)

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithOpenMode sets the open mode.
func WithOpenMode(m OpenMode) Option {
	return func(c *Config) {
		c.OpenMode = m
	}
}

// WithMaxBufferedDocs flushes after n buffered documents.
func WithMaxBufferedDocs(n int) Option {
	return func(c *Config) {
		c.MaxBufferedDocs = n
	}
}

// WithRAMBufferSize flushes once buffered documents reach about n bytes.
func WithRAMBufferSize(n int64) Option {
	return func(c *Config) {
		c.RAMBufferSizeBytes = n
	}
}

// WithCodec selects the codec for new segments.
func WithCodec(name string) Option {
	return func(c *Config) {
		c.Codec = name
	}
}

// WithMergePolicyConfig sets the tiered merge policy thresholds.
func WithMergePolicyConfig(mp MergePolicyConfig) Option {
	return func(c *Config) {
		c.MergePolicy = mp
	}
}

// WithMergePolicy replaces the merge policy.
func WithMergePolicy(p MergePolicy) Option {
	return func(c *Config) {
		c.Policy = p
	}
}

// WithMergeWorkers sets the number of concurrent merges.
func WithMergeWorkers(n int) Option {
	return func(c *Config) {
		c.MergeWorkers = n
	}
}

// WithMergeIOLimit caps merge output throughput in bytes per second.
func WithMergeIOLimit(bytesPerSec int64) Option {
	return func(c *Config) {
		c.MergeIOBytesPerSec = bytesPerSec
	}
}

// WithAutoMerge enables or disables merging after commits.
func WithAutoMerge(enabled bool) Option {
	return func(c *Config) {
		c.AutoMerge = enabled
	}
}

// WithKeepCommits keeps the last n commits.
func WithKeepCommits(n int) Option {
	return func(c *Config) {
		c.KeepCommits = n
	}
}

// WithDeletionPolicy replaces the commit deletion policy.
func WithDeletionPolicy(p DeletionPolicy) Option {
	return func(c *Config) {
		c.DeletionPolicy = p
	}
}

// WithLockWaitTimeout retries a held write lock for up to d.
func WithLockWaitTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.LockWaitTimeout = d
	}
}

// WithBlockCacheSize sizes the stored fields block cache.
func WithBlockCacheSize(n int64) Option {
	return func(c *Config) {
		c.BlockCacheBytes = n
	}
}

// WithMemoryBudget caps the memory a writer reserves for buffered documents
// and cached blocks. 0 only tracks usage.
func WithMemoryBudget(n int64) Option {
	return func(c *Config) {
		c.MemoryBudgetBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics observer.
func WithMetrics(m MetricsObserver) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithAnalyzer sets the analyzer for tokenized fields.
func WithAnalyzer(a document.Analyzer) Option {
	return func(c *Config) {
		c.Analyzer = a
	}
}

// WithRegistry sets the codec registry.
func WithRegistry(r *codec.Registry) Option {
	return func(c *Config) {
		c.Registry = r
	}
}
