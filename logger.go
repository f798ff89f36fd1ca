package segidx

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with index specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithIndex tags every record with the index location.
func (l *Logger) WithIndex(location string) *Logger {
	return &Logger{
		Logger: l.Logger.With("index", location),
	}
}

// LogFlush logs an explicit flush.
func (l *Logger) LogFlush(ctx context.Context, docs int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"docs", docs,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "flush completed",
			"docs", docs,
			"duration", d,
		)
	}
}

// LogCommit logs a commit.
func (l *Logger) LogCommit(ctx context.Context, generation int64, segments int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"generation", generation,
			"segments", segments,
			"duration", d,
		)
	}
}

// LogMerge logs a forced merge.
func (l *Logger) LogMerge(ctx context.Context, maxSegments, segments int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "force merge failed",
			"max_segments", maxSegments,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "force merge completed",
			"max_segments", maxSegments,
			"segments", segments,
			"duration", d,
		)
	}
}

// LogRollback logs a rollback.
func (l *Logger) LogRollback(ctx context.Context, generation int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rollback failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "rolled back",
			"generation", generation,
		)
	}
}
