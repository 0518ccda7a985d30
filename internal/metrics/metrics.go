// Package metrics provides Prometheus metrics for the remote origin.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	filesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remoteorigin_files_processed_total",
			Help: "Files that reached a terminal disposition state",
		},
		[]string{"result"},
	)

	bytesDownloadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remoteorigin_bytes_downloaded_total",
			Help: "Total bytes read from the remote endpoint",
		},
	)

	connectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remoteorigin_connects_total",
			Help: "Connection attempts by result",
		},
		[]string{"result"},
	)

	pollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remoteorigin_poll_duration_seconds",
			Help:    "Duration of a poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	markerModifiedAt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remoteorigin_marker_modified_timestamp_seconds",
			Help: "Modification time of the last completed file",
		},
	)

	consecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remoteorigin_consecutive_failures",
			Help: "Consecutive retryable poll failures",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFile records a file reaching a terminal state, labelled by that state.
func RecordFile(result string) {
	filesProcessedTotal.WithLabelValues(result).Inc()
}

func RecordBytes(n int) {
	bytesDownloadedTotal.Add(float64(n))
}

// RecordConnect records a connection attempt.
func RecordConnect(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	connectsTotal.WithLabelValues(result).Inc()
}

func RecordPoll(duration time.Duration) {
	pollDuration.Observe(duration.Seconds())
}

// SetMarker sets the marker gauge. A zero time clears it.
func SetMarker(modTime time.Time) {
	if modTime.IsZero() {
		markerModifiedAt.Set(0)
		return
	}
	markerModifiedAt.Set(float64(modTime.Unix()))
}

func SetConsecutiveFailures(n int) {
	consecutiveFailures.Set(float64(n))
}
