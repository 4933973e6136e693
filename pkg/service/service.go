// Package service implements the media store's core operations: the
// upload pipeline, the optimization engine, downloads, soft deletion,
// thumbnails and listings. It owns all cross-store orchestration; the
// HTTP layer above it only translates requests and errors.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/bozonx/mediastore/pkg/config"
	"github.com/bozonx/mediastore/pkg/imageproc"
	"github.com/bozonx/mediastore/pkg/metrics"
	"github.com/bozonx/mediastore/pkg/store/blob"
	"github.com/bozonx/mediastore/pkg/store/metadata"
	"github.com/bozonx/mediastore/pkg/urlfetch"
)

// optimizationPollInterval is how often the read-path wait loop re-reads
// the record while an optimization is in flight.
const optimizationPollInterval = 300 * time.Millisecond

// Service implements the media store operations.
type Service struct {
	config  *config.Config
	db      *metadata.Store
	blobs   blob.Store
	proc    *imageproc.Client
	fetcher *urlfetch.Fetcher
	metrics *metrics.Metrics

	// background tracks spawned optimization and EXIF workers so Close
	// can wait for them.
	background sync.WaitGroup
}

// New creates the service. metrics may be nil to disable instrumentation.
func New(
	cfg *config.Config,
	db *metadata.Store,
	blobs blob.Store,
	proc *imageproc.Client,
	fetcher *urlfetch.Fetcher,
	m *metrics.Metrics,
) *Service {
	return &Service{
		config:  cfg,
		db:      db,
		blobs:   blobs,
		proc:    proc,
		fetcher: fetcher,
		metrics: m,
	}
}

// Close waits for in-flight background workers to finish.
func (s *Service) Close() {
	s.background.Wait()
}

// spawn runs fn on a background goroutine tracked by Close.
func (s *Service) spawn(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// HealthStatus is the aggregate health report.
type HealthStatus struct {
	Status          string                `json:"status"` // ok, degraded, error
	Storage         StorageHealth         `json:"storage"`
	ImageProcessing ImageProcessingHealth `json:"imageProcessing"`
}

// StorageHealth reports the two storage backends.
type StorageHealth struct {
	S3       string `json:"s3"`
	Database string `json:"database"`
}

// ImageProcessingHealth passes through the processor's own health report.
type ImageProcessingHealth struct {
	Status string           `json:"status"`
	Queue  *imageproc.Queue `json:"queue,omitempty"`
}

// Health checks S3, the database and the image processor. A dead
// processor degrades the service (uploads still work, optimization is
// declined); a dead storage backend makes it unhealthy.
func (s *Service) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:          "ok",
		Storage:         StorageHealth{S3: "ok", Database: "ok"},
		ImageProcessing: ImageProcessingHealth{Status: "ok"},
	}

	if err := s.blobs.Healthy(ctx); err != nil {
		status.Storage.S3 = "error"
		status.Status = "error"
	}
	if err := s.db.Ping(ctx); err != nil {
		status.Storage.Database = "error"
		status.Status = "error"
	}

	health, err := s.proc.Healthy(ctx)
	if err != nil {
		status.ImageProcessing.Status = "unavailable"
		if status.Status == "ok" {
			status.Status = "degraded"
		}
	} else {
		status.ImageProcessing.Status = health.Status
		status.ImageProcessing.Queue = &health.Queue
	}

	return status
}
