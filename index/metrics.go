package index

import "time"

// MetricsObserver receives writer events.
type MetricsObserver interface {
	// OnFlush is called when a flush completes.
	OnFlush(duration time.Duration, docs int, bytes int64, err error)

	// OnCommit is called when a commit completes.
	OnCommit(duration time.Duration, generation int64, err error)

	// OnMerge is called when a merge completes.
	OnMerge(duration time.Duration, inputSegments int, outputDocs int, err error)

	// OnMergeQueue reports the number of queued and running merges.
	OnMergeQueue(depth int)

	// OnRollback is called after a rollback.
	OnRollback()

	// OnDeletes reports the number of documents a delete removed.
	OnDeletes(n int)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnFlush(time.Duration, int, int64, error) {}
func (NoopMetricsObserver) OnCommit(time.Duration, int64, error)     {}
func (NoopMetricsObserver) OnMerge(time.Duration, int, int, error)   {}
func (NoopMetricsObserver) OnMergeQueue(int)                         {}
func (NoopMetricsObserver) OnRollback()                              {}
func (NoopMetricsObserver) OnDeletes(int)                            {}
