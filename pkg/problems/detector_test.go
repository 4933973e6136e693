package problems

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bozonx/mediastore/pkg/models"
)

func codes(found []Problem) []string {
	var out []string
	for _, p := range found {
		out = append(out, p.Code)
	}
	return out
}

func optStatus(s models.OptimizationStatus) *models.OptimizationStatus {
	return &s
}

func TestInspect(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute)
	stale := now.Add(-2 * time.Hour)
	checksum := "sha256:abc"
	size := int64(100)

	detector := New(Config{
		StuckUploadTimeout:       time.Hour,
		StuckDeleteTimeout:       time.Hour,
		StuckOptimizationTimeout: time.Hour,
	})

	healthy := func() *models.File {
		return &models.File{
			Status:          models.StatusReady,
			StatusChangedAt: recent,
			S3Key:           "ab/cd/abc.png",
			MimeType:        "image/png",
			Checksum:        &checksum,
			Size:            &size,
			UploadedAt:      &recent,
		}
	}

	tests := []struct {
		name   string
		mutate func(*models.File)
		want   []string
	}{
		{"healthy ready record", func(f *models.File) {}, nil},
		{"failed status", func(f *models.File) {
			f.Status = models.StatusFailed
			f.OptimizationError = "boom"
		}, []string{CodeStatusFailed}},
		{"missing status", func(f *models.File) {
			f.Status = models.StatusMissing
		}, []string{CodeStatusMissing}},
		{"fresh upload is fine", func(f *models.File) {
			f.Status = models.StatusUploading
		}, nil},
		{"stuck upload", func(f *models.File) {
			f.Status = models.StatusUploading
			f.StatusChangedAt = stale
		}, []string{CodeUploadStuck}},
		{"stuck delete without deleted_at", func(f *models.File) {
			f.Status = models.StatusDeleting
			f.StatusChangedAt = stale
		}, []string{CodeDeleteStuck, CodeDeletedAtMissing}},
		{"soft-deleted but still ready", func(f *models.File) {
			f.DeletedAt = &recent
		}, []string{CodeDeletedAtMismatch}},
		{"ready without identity", func(f *models.File) {
			f.S3Key = ""
			f.Checksum = nil
			f.Size = nil
			f.UploadedAt = nil
		}, []string{CodeS3KeyMissing, CodeChecksumMissing, CodeSizeMissing, CodeUploadedAtMissing}},
		{"optimization failed", func(f *models.File) {
			f.OptimizationStatus = optStatus(models.OptimizationFailed)
			f.OptimizationError = "processor exploded"
		}, []string{CodeOptimizationFailed}},
		{"optimization stuck", func(f *models.File) {
			f.OptimizationStatus = optStatus(models.OptimizationProcessing)
			f.OptimizationStartedAt = &stale
		}, []string{CodeOptimizationStuck}},
		{"optimization in flight but fresh", func(f *models.File) {
			f.OptimizationStatus = optStatus(models.OptimizationPending)
		}, nil},
		{"pending optimization with empty identity is fine", func(f *models.File) {
			f.OptimizationStatus = optStatus(models.OptimizationPending)
			f.S3Key = ""
			f.Checksum = nil
			f.Size = nil
		}, nil},
		{"processing optimization with empty identity is fine", func(f *models.File) {
			f.OptimizationStatus = optStatus(models.OptimizationProcessing)
			f.OptimizationStartedAt = &recent
			f.S3Key = ""
			f.Checksum = nil
			f.Size = nil
		}, nil},
		{"stuck optimization reports only the stall", func(f *models.File) {
			f.OptimizationStatus = optStatus(models.OptimizationProcessing)
			f.OptimizationStartedAt = &stale
			f.S3Key = ""
			f.Checksum = nil
			f.Size = nil
		}, []string{CodeOptimizationStuck}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := healthy()
			tt.mutate(file)
			assert.Equal(t, tt.want, codes(detector.Inspect(file, now)))
		})
	}
}

func TestInspectMessageCarriesError(t *testing.T) {
	detector := New(Config{})
	file := &models.File{
		Status:            models.StatusReady,
		StatusChangedAt:   time.Now(),
		S3Key:             "k",
		Checksum:          func() *string { s := "sha256:x"; return &s }(),
		Size:              func() *int64 { n := int64(1); return &n }(),
		UploadedAt:        func() *time.Time { t := time.Now(); return &t }(),
		OptimizationError: "unsupported colorspace",
	}
	file.OptimizationStatus = optStatus(models.OptimizationFailed)

	found := detector.Inspect(file, time.Now())
	assert.Len(t, found, 1)
	assert.Contains(t, found[0].Message, "unsupported colorspace")
}
