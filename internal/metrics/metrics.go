package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bufarc_files_added_total",
			Help: "Total sounding files added to the archive",
		},
		[]string{"model"},
	)

	FilesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bufarc_files_removed_total",
			Help: "Total sounding files removed from the archive",
		},
		[]string{"model"},
	)

	FilesInArchive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bufarc_files",
			Help: "Number of files currently indexed in the archive",
		},
	)

	OrphanedBlobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bufarc_orphaned_blobs_total",
			Help: "Blobs left on disk because removal failed after their index row was deleted",
		},
	)

	DownloadRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bufarc_download_requests_total",
			Help: "Total remote sounding fetch attempts",
		},
		[]string{"source", "status"},
	)

	DownloadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bufarc_download_latency_seconds",
			Help:    "Remote sounding fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)
