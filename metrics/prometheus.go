// Package metrics exports writer events to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/segidx/index"
)

const namespace = "segidx"

// PrometheusObserver implements index.MetricsObserver with Prometheus
// collectors registered on one registry.
type PrometheusObserver struct {
	Flushes        *prometheus.CounterVec
	FlushDuration  prometheus.Histogram
	FlushedDocs    prometheus.Counter
	FlushedBytes   prometheus.Counter
	Commits        *prometheus.CounterVec
	CommitDuration prometheus.Histogram
	Generation     prometheus.Gauge
	Merges         *prometheus.CounterVec
	MergeDuration  prometheus.Histogram
	MergedDocs     prometheus.Counter
	MergeQueue     prometheus.Gauge
	Rollbacks      prometheus.Counter
	DeletedDocs    prometheus.Counter
}

var _ index.MetricsObserver = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	buckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

	return &PrometheusObserver{
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Number of segment flushes",
		}, []string{"status"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Flush duration in seconds",
			Buckets:   buckets,
		}),
		FlushedDocs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_docs_total",
			Help:      "Documents written by flushes",
		}),
		FlushedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_bytes_total",
			Help:      "Bytes written by flushes",
		}),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Number of commits, including merge commits",
		}, []string{"status"}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Commit duration in seconds",
			Buckets:   buckets,
		}),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commit_generation",
			Help:      "Generation of the last successful commit",
		}),
		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Number of finished merges",
		}, []string{"status"}),
		MergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Merge duration in seconds",
			Buckets:   buckets,
		}),
		MergedDocs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merged_docs_total",
			Help:      "Documents written by merges",
		}),
		MergeQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "merge_queue_depth",
			Help:      "Queued and running merges",
		}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Number of rollbacks",
		}),
		DeletedDocs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_docs_total",
			Help:      "Documents marked deleted",
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (o *PrometheusObserver) OnFlush(d time.Duration, docs int, bytes int64, err error) {
	o.Flushes.WithLabelValues(status(err)).Inc()
	if err != nil {
		return
	}
	o.FlushDuration.Observe(d.Seconds())
	o.FlushedDocs.Add(float64(docs))
	o.FlushedBytes.Add(float64(bytes))
}

func (o *PrometheusObserver) OnCommit(d time.Duration, generation int64, err error) {
	o.Commits.WithLabelValues(status(err)).Inc()
	if err != nil {
		return
	}
	o.CommitDuration.Observe(d.Seconds())
	o.Generation.Set(float64(generation))
}

func (o *PrometheusObserver) OnMerge(d time.Duration, _ int, docs int, err error) {
	o.Merges.WithLabelValues(status(err)).Inc()
	if err != nil {
		return
	}
	o.MergeDuration.Observe(d.Seconds())
	o.MergedDocs.Add(float64(docs))
}

func (o *PrometheusObserver) OnMergeQueue(depth int) { o.MergeQueue.Set(float64(depth)) }

func (o *PrometheusObserver) OnRollback() { o.Rollbacks.Inc() }

func (o *PrometheusObserver) OnDeletes(n int) { o.DeletedDocs.Add(float64(n)) }
