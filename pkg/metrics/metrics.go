// Package metrics provides Prometheus instrumentation for the media
// store. A nil *Metrics disables collection with zero overhead, so
// callers never need to branch on whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the media store exports.
type Metrics struct {
	registry *prometheus.Registry

	uploads       *prometheus.CounterVec
	uploadBytes   prometheus.Histogram
	downloads     *prometheus.CounterVec
	optimizations *prometheus.CounterVec
	optimizeTime  prometheus.Histogram
	thumbnails    *prometheus.CounterVec
	cleanupTime   *prometheus.HistogramVec
	reclaimed     *prometheus.CounterVec
	problems      *prometheus.GaugeVec
}

// New creates a Metrics instance backed by its own registry, including
// the standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		uploads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_uploads_total",
				Help: "Total number of upload attempts by source and outcome",
			},
			[]string{"source", "outcome"}, // source: "direct", "url"; outcome: "ok", "deduplicated", "rejected", "failed"
		),
		uploadBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mediastore_upload_size_bytes",
				Help:    "Size distribution of successfully stored uploads",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		downloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_downloads_total",
				Help: "Total number of download responses by kind",
			},
			[]string{"kind"}, // "full", "range", "not_modified", "thumbnail", "error"
		),
		optimizations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_optimizations_total",
				Help: "Total number of optimization attempts by outcome",
			},
			[]string{"outcome"}, // "ready", "failed", "deduplicated", "declined"
		),
		optimizeTime: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mediastore_optimization_duration_seconds",
				Help:    "Wall time of completed optimization runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		thumbnails: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_thumbnails_total",
				Help: "Total number of thumbnail requests by result",
			},
			[]string{"result"}, // "hit", "generated", "failed"
		),
		cleanupTime: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediastore_cleanup_pass_duration_seconds",
				Help:    "Duration of each cleanup reconciler pass",
				Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
			},
			[]string{"pass"},
		),
		reclaimed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_cleanup_reclaimed_total",
				Help: "Objects reclaimed by the cleanup reconciler by kind",
			},
			[]string{"kind"}, // "blobs", "files", "thumbnails"
		),
		problems: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mediastore_problems",
				Help: "Currently detected metadata problems by code",
			},
			[]string{"code"},
		),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordUpload counts one upload attempt. Stored bytes are observed only
// for successful outcomes.
func (m *Metrics) RecordUpload(source, outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(source, outcome).Inc()
	if outcome == "ok" && bytes > 0 {
		m.uploadBytes.Observe(float64(bytes))
	}
}

// RecordDownload counts one download response.
func (m *Metrics) RecordDownload(kind string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(kind).Inc()
}

// RecordOptimization counts one optimization attempt and, for terminal
// outcomes, its duration.
func (m *Metrics) RecordOptimization(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.optimizations.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.optimizeTime.Observe(duration.Seconds())
	}
}

// RecordThumbnail counts one thumbnail request.
func (m *Metrics) RecordThumbnail(result string) {
	if m == nil {
		return
	}
	m.thumbnails.WithLabelValues(result).Inc()
}

// ObserveCleanupPass records the duration of one reconciler pass.
func (m *Metrics) ObserveCleanupPass(pass string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cleanupTime.WithLabelValues(pass).Observe(duration.Seconds())
}

// AddReclaimed counts objects physically reclaimed by the reconciler.
func (m *Metrics) AddReclaimed(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.WithLabelValues(kind).Add(float64(n))
}

// SetProblems publishes the current problem count for one code.
func (m *Metrics) SetProblems(code string, n int) {
	if m == nil {
		return
	}
	m.problems.WithLabelValues(code).Set(float64(n))
}
