// Package metrics exposes Prometheus metrics of the worker and the API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloadq_jobs_enqueued_total",
		Help: "Total number of jobs enqueued through the API",
	})

	DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloadq_downloads_started_total",
		Help: "Total number of download attempts",
	})

	// DownloadsFinished is labelled by outcome: completed, failed, cancelled
	// or requeued.
	DownloadsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downloadq_downloads_finished_total",
		Help: "Total number of finished download attempts by outcome",
	}, []string{"outcome"})

	DownloadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "downloadq_downloads_active",
		Help: "Number of downloads in progress",
	})

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "downloadq_download_duration_seconds",
		Help:    "Duration of successful downloads in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloadq_download_bytes_total",
		Help: "Total bytes downloaded",
	})

	// EventsPublished is labelled by backend and result (ok or error).
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downloadq_events_published_total",
		Help: "Total number of event deliveries by backend and result",
	}, []string{"backend", "result"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloadq_events_dropped_total",
		Help: "Total number of events dropped because the notifier was saturated",
	})
)
