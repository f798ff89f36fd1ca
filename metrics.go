package segidx

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/segidx/index"
)

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
// See the metrics package for a Prometheus observer.
type BasicMetricsObserver struct {
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushedDocs      atomic.Int64
	FlushedBytes     atomic.Int64
	FlushTotalNanos  atomic.Int64
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	CommitTotalNanos atomic.Int64
	Generation       atomic.Int64
	MergeCount       atomic.Int64
	MergeErrors      atomic.Int64
	MergedSegments   atomic.Int64
	MergedDocs       atomic.Int64
	MergeQueueDepth  atomic.Int64
	RollbackCount    atomic.Int64
	DeletedDocs      atomic.Int64
}

var _ index.MetricsObserver = (*BasicMetricsObserver)(nil)

// OnFlush implements index.MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(duration time.Duration, docs int, bytes int64, err error) {
	b.FlushCount.Add(1)
	b.FlushTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushedDocs.Add(int64(docs))
	b.FlushedBytes.Add(bytes)
}

// OnCommit implements index.MetricsObserver.
func (b *BasicMetricsObserver) OnCommit(duration time.Duration, generation int64, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
		return
	}
	b.Generation.Store(generation)
}

// OnMerge implements index.MetricsObserver.
func (b *BasicMetricsObserver) OnMerge(_ time.Duration, inputSegments int, outputDocs int, err error) {
	b.MergeCount.Add(1)
	if err != nil {
		b.MergeErrors.Add(1)
		return
	}
	b.MergedSegments.Add(int64(inputSegments))
	b.MergedDocs.Add(int64(outputDocs))
}

// OnMergeQueue implements index.MetricsObserver.
func (b *BasicMetricsObserver) OnMergeQueue(depth int) {
	b.MergeQueueDepth.Store(int64(depth))
}

// OnRollback implements index.MetricsObserver.
func (b *BasicMetricsObserver) OnRollback() {
	b.RollbackCount.Add(1)
}

// OnDeletes implements index.MetricsObserver.
func (b *BasicMetricsObserver) OnDeletes(n int) {
	b.DeletedDocs.Add(int64(n))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		FlushCount:      b.FlushCount.Load(),
		FlushErrors:     b.FlushErrors.Load(),
		FlushedDocs:     b.FlushedDocs.Load(),
		FlushedBytes:    b.FlushedBytes.Load(),
		FlushAvgNanos:   avg(b.FlushTotalNanos.Load(), b.FlushCount.Load()),
		CommitCount:     b.CommitCount.Load(),
		CommitErrors:    b.CommitErrors.Load(),
		CommitAvgNanos:  avg(b.CommitTotalNanos.Load(), b.CommitCount.Load()),
		Generation:      b.Generation.Load(),
		MergeCount:      b.MergeCount.Load(),
		MergeErrors:     b.MergeErrors.Load(),
		MergedSegments:  b.MergedSegments.Load(),
		MergedDocs:      b.MergedDocs.Load(),
		MergeQueueDepth: b.MergeQueueDepth.Load(),
		RollbackCount:   b.RollbackCount.Load(),
		DeletedDocs:     b.DeletedDocs.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	FlushCount      int64
	FlushErrors     int64
	FlushedDocs     int64
	FlushedBytes    int64
	FlushAvgNanos   int64
	CommitCount     int64
	CommitErrors    int64
	CommitAvgNanos  int64
	Generation      int64
	MergeCount      int64
	MergeErrors     int64
	MergedSegments  int64
	MergedDocs      int64
	MergeQueueDepth int64
	RollbackCount   int64
	DeletedDocs     int64
}
