// Package metrics exposes the pipeline and queue's Prometheus
// instrumentation. Registration happens against a private registry so
// tests can construct fresh Metrics without colliding on the global
// default registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter/gauge/histogram the core emits.
type Metrics struct {
	JobsEnqueued    *prometheus.CounterVec
	JobsCompleted   *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	JobsRetried     prometheus.Counter
	ActiveWorkers   prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	DownloadBytes   prometheus.Counter
	FetchDuration   prometheus.Histogram
	DecryptDuration prometheus.Histogram
}

// New creates and registers every metric against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deemusicd",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued, labeled by kind (track, album, playlist).",
		}, []string{"kind"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deemusicd",
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached the completed status, labeled by kind.",
		}, []string{"kind"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deemusicd",
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached the failed status, labeled by kind and error class.",
		}, []string{"kind", "class"}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deemusicd",
			Name:      "jobs_retried_total",
			Help:      "Automatic scheduler retries performed.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deemusicd",
			Name:      "active_workers",
			Help:      "Workers currently executing a job.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deemusicd",
			Name:      "queue_depth",
			Help:      "Current job count, labeled by status.",
		}, []string{"status"}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deemusicd",
			Name:      "download_bytes_total",
			Help:      "Total bytes fetched across all jobs.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deemusicd",
			Name:      "fetch_duration_seconds",
			Help:      "Wall-clock time of the pipeline's Fetch stage.",
			Buckets:   prometheus.DefBuckets,
		}),
		DecryptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deemusicd",
			Name:      "decrypt_duration_seconds",
			Help:      "Wall-clock time of the pipeline's Decrypt stage.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.JobsEnqueued, m.JobsCompleted, m.JobsFailed, m.JobsRetried,
		m.ActiveWorkers, m.QueueDepth, m.DownloadBytes, m.FetchDuration, m.DecryptDuration,
	)

	return m
}
