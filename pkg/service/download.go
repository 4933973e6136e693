package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/store/blob"
)

// DownloadResult is a servable file: the record plus the blob stream,
// or a 304 signal when the client's validator matched.
type DownloadResult struct {
	File        *models.File
	Object      *blob.Object
	ETag        string
	NotModified bool
}

// Download resolves the record, waits out an in-flight optimization and
// streams the blob. rng requests a partial read; ifNoneMatch is the
// client's validator header (may be empty).
func (s *Service) Download(ctx context.Context, id string, rng *blob.Range, ifNoneMatch string) (*DownloadResult, error) {
	file, err := s.db.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case file.Status == models.StatusDeleted:
		return nil, models.ErrFileGone
	case file.SoftDeleted():
		return nil, models.ErrFileNotFound
	}

	if file.OptStatus().InFlight() {
		file, err = s.waitForOptimization(ctx, file)
		if err != nil {
			return nil, err
		}
	}

	if file.Status == models.StatusFailed {
		if file.OptimizationError != "" {
			return nil, fmt.Errorf("%w: %s", ErrOptimizationFailed, file.OptimizationError)
		}
		return nil, models.ErrNotReady
	}
	if file.Status != models.StatusReady || file.S3Key == "" {
		return nil, models.ErrNotReady
	}

	etag := ""
	if file.Checksum != nil {
		etag = blob.ChecksumHex(*file.Checksum)
	}
	if etag != "" && etagMatches(ifNoneMatch, etag) {
		s.metrics.RecordDownload("not_modified")
		return &DownloadResult{File: file, ETag: etag, NotModified: true}, nil
	}

	if rng != nil {
		if rng.Start < 0 || (rng.End != nil && *rng.End < rng.Start) {
			return nil, ErrInvalidRange
		}
		if file.Size != nil && rng.Start >= *file.Size {
			return nil, ErrInvalidRange
		}
	}

	obj, err := s.blobs.Get(ctx, file.S3Key, rng)
	if err != nil {
		if errors.Is(err, models.ErrBlobNotFound) {
			logger.ErrorCtx(ctx, "ready file has no blob",
				logger.KeyFileID, id, logger.KeyS3Key, file.S3Key)
			return nil, models.ErrFileNotFound
		}
		return nil, err
	}

	if rng != nil {
		s.metrics.RecordDownload("range")
	} else {
		s.metrics.RecordDownload("full")
	}
	return &DownloadResult{File: file, Object: obj, ETag: etag}, nil
}

// Exif returns the stored EXIF document, or nil when none was extracted.
func (s *Service) Exif(ctx context.Context, id string) (map[string]any, error) {
	file, err := s.db.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if file.SoftDeleted() {
		return nil, models.ErrFileNotFound
	}
	return file.GetExif()
}

// etagMatches implements If-None-Match comparison: a list of quoted
// validators or the * wildcard.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == etag {
			return true
		}
	}
	return false
}
