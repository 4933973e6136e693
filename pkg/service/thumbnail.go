package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/internal/mediatype"
	"github.com/bozonx/mediastore/pkg/imageproc"
	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/store/blob"
)

// Thumbnail returns a cached rendition for the requested parameters,
// generating and caching it on a miss. Dimensions are clamped into the
// configured window; quality defaults from policy. The returned object
// streams the thumbnail bytes.
func (s *Service) Thumbnail(ctx context.Context, id string, width, height, quality int) (*models.Thumbnail, *blob.Object, error) {
	file, err := s.db.GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if file.SoftDeleted() {
		return nil, nil, models.ErrFileNotFound
	}
	if !mediatype.IsImage(file.MimeType) && !mediatype.IsImage(file.OriginalMimeType) {
		return nil, nil, ErrNotImage
	}

	policy := s.config.Thumbnail
	width = clampDimension(width, policy.MinWidth, policy.MaxWidth)
	height = clampDimension(height, policy.MinHeight, policy.MaxHeight)
	if quality <= 0 {
		quality = policy.Quality
	}
	if quality > 100 {
		quality = 100
	}

	paramsHash := models.ThumbnailParamsHash(width, height, quality, policy.Format)

	thumb, err := s.db.GetThumbnail(ctx, id, paramsHash)
	if err == nil {
		obj, gerr := s.blobs.Get(ctx, thumb.S3Key, nil)
		if gerr == nil {
			if terr := s.db.TouchThumbnail(ctx, thumb.ID); terr != nil {
				logger.Warn("failed to touch thumbnail",
					logger.KeyThumbnailID, thumb.ID, logger.KeyError, terr)
			}
			s.metrics.RecordThumbnail("hit")
			return thumb, obj, nil
		}
		// The cached blob is gone (reclaimed or lost). Drop the stale row
		// and fall through to regeneration.
		logger.Warn("thumbnail blob missing, regenerating",
			logger.KeyThumbnailID, thumb.ID, logger.KeyS3Key, thumb.S3Key)
		_ = s.db.HardDeleteThumbnails(ctx, []string{thumb.ID})
	} else if !errors.Is(err, models.ErrThumbnailNotFound) {
		return nil, nil, err
	}

	if file.OptStatus().InFlight() {
		if file, err = s.waitForOptimization(ctx, file); err != nil {
			return nil, nil, err
		}
	}
	if file.Status != models.StatusReady || file.S3Key == "" {
		return nil, nil, models.ErrNotReady
	}

	src, err := s.blobs.Get(ctx, file.S3Key, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch source image: %w", err)
	}
	defer func() { _ = src.Body.Close() }()

	result, err := s.proc.Process(ctx, src.Body, file.Filename, &imageproc.Params{
		Priority:  "high", // an interactive request is waiting
		Transform: &imageproc.Transform{Width: width, Height: height, AutoOrient: true},
		Output: &imageproc.Output{
			Format:  policy.Format,
			Quality: quality,
			Effort:  policy.Effort,
		},
	})
	if err != nil {
		s.metrics.RecordThumbnail("failed")
		return nil, nil, err
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		s.metrics.RecordThumbnail("failed")
		return nil, nil, fmt.Errorf("failed to read thumbnail: %w", err)
	}

	contentType := mediatype.Normalize(result.ContentType)
	key := blob.ThumbKey(id, paramsHash, policy.Format)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		s.metrics.RecordThumbnail("failed")
		return nil, nil, fmt.Errorf("failed to cache thumbnail: %w", err)
	}

	// CreateThumbnail returns the existing row when a concurrent request
	// generated the same rendition first; both wrote the same key.
	thumb, err = s.db.CreateThumbnail(ctx, &models.Thumbnail{
		FileID:     id,
		Width:      width,
		Height:     height,
		Quality:    quality,
		ParamsHash: paramsHash,
		S3Key:      key,
		S3Bucket:   s.blobs.Bucket(),
		Size:       int64(len(data)),
		MimeType:   contentType,
	})
	if err != nil {
		return nil, nil, err
	}

	s.metrics.RecordThumbnail("generated")
	return thumb, &blob.Object{
		Body:        io.NopCloser(bytes.NewReader(data)),
		Size:        int64(len(data)),
		TotalSize:   int64(len(data)),
		ContentType: contentType,
	}, nil
}

func clampDimension(v, low, high int) int {
	switch {
	case v <= 0:
		return high
	case v < low:
		return low
	case v > high:
		return high
	default:
		return v
	}
}
