// Package metrics provides Prometheus metrics for sdsync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Block export metrics
	blockRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdsync_block_requests_total",
			Help: "Block requests served, by command and outcome",
		},
		[]string{"command", "status"},
	)

	blockBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdsync_block_bytes_total",
			Help: "Bytes moved through the sector translator",
		},
		[]string{"direction"},
	)

	blockRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdsync_block_request_duration_seconds",
			Help:    "Block request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"command"},
	)

	blockClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdsync_block_clients_active",
			Help: "Attached block export clients",
		},
	)

	// Reconciliation metrics
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdsync_sync_runs_total",
			Help: "Reconciliation runs, by outcome",
		},
		[]string{"status"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sdsync_sync_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	syncFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdsync_sync_files_total",
			Help: "Files touched by reconciliation, by action",
		},
		[]string{"action"},
	)

	syncBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sdsync_sync_bytes_downloaded_total",
			Help: "Bytes downloaded from the manifest source",
		},
	)

	excludedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdsync_excluded_files",
			Help: "Files hidden by the most recent isolation",
		},
	)
)

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBlockRequest records one block request.
func RecordBlockRequest(command string, bytes int, duration time.Duration, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	blockRequestsTotal.WithLabelValues(command, status).Inc()
	blockRequestDuration.WithLabelValues(command).Observe(duration.Seconds())
	if success && bytes > 0 {
		switch command {
		case "read":
			blockBytesTotal.WithLabelValues("read").Add(float64(bytes))
		case "write":
			blockBytesTotal.WithLabelValues("write").Add(float64(bytes))
		}
	}
}

// ClientAttached adjusts the active client gauge.
func ClientAttached(delta int) {
	blockClientsActive.Add(float64(delta))
}

// SyncSummary is what a finished reconciliation run reports.
type SyncSummary struct {
	Duration        time.Duration
	Fatal           bool
	Downloaded      int64
	Extracted       int64
	Retired         int64
	Failed          int64
	BytesDownloaded int64
}

// RecordSync records a finished reconciliation run.
func RecordSync(s SyncSummary) {
	status := "ok"
	switch {
	case s.Fatal:
		status = "fatal"
	case s.Failed > 0:
		status = "partial"
	}
	syncRunsTotal.WithLabelValues(status).Inc()
	syncDuration.Observe(s.Duration.Seconds())
	syncFilesTotal.WithLabelValues("downloaded").Add(float64(s.Downloaded))
	syncFilesTotal.WithLabelValues("extracted").Add(float64(s.Extracted))
	syncFilesTotal.WithLabelValues("retired").Add(float64(s.Retired))
	syncFilesTotal.WithLabelValues("failed").Add(float64(s.Failed))
	syncBytesDownloaded.Add(float64(s.BytesDownloaded))
}

// SetExcludedFiles records how many files the last isolation hid.
func SetExcludedFiles(n int) {
	excludedFiles.Set(float64(n))
}
