package segidx

import (
	"log/slog"

	"github.com/hupe1980/segidx/document"
	"github.com/hupe1980/segidx/index"
)

type options struct {
	config       *index.Config
	indexOptions []index.Option
	metrics      index.MetricsObserver
	logger       *Logger
	cacheDir     string
}

// Option configures Open.
type Option func(*options)

// WithIndexOptions passes options through to the underlying writer.
//
// Example:
//
//	segidx.Open(ctx, segidx.Local("./data"),
//	    segidx.WithIndexOptions(
//	        index.WithMaxBufferedDocs(10_000),
//	        index.WithKeepCommits(3),
//	    ))
func WithIndexOptions(opts ...index.Option) Option {
	return func(o *options) {
		o.indexOptions = append(o.indexOptions, opts...)
	}
}

// WithMetricsObserver sets the observer notified of flushes, commits and merges.
func WithMetricsObserver(m index.MetricsObserver) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger. Defaults to NoopLogger.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel logs human-readable text to stderr at level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithAnalyzer sets the analyzer for text fields.
func WithAnalyzer(a document.Analyzer) Option {
	return func(o *options) {
		o.indexOptions = append(o.indexOptions, index.WithAnalyzer(a))
	}
}

// WithCacheDir caches remote reads on local disk. Ignored for local and
// in-memory backends.
func WithCacheDir(dir string) Option {
	return func(o *options) {
		o.cacheDir = dir
	}
}

func applyOptions(optFns []Option) options {
	opts := options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = NoopLogger()
	}
	return opts
}

// writerOptions orders the options so that caller supplied index options win.
func (o *options) writerOptions() []index.Option {
	var out []index.Option
	if o.config != nil {
		out = append(out, index.WithConfig(*o.config))
	}
	out = append(out, index.WithLogger(o.logger.Logger))
	if o.metrics != nil {
		out = append(out, index.WithMetrics(o.metrics))
	}
	return append(out, o.indexOptions...)
}
