package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/internal/mediatype"
	"github.com/bozonx/mediastore/pkg/imageproc"
	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/store/blob"
)

// errCollapsed signals that the record was deduplicated away during
// optimization. Not a failure.
var errCollapsed = errors.New("record collapsed into existing sibling")

// enqueueOptimization starts a background worker for the file. The
// worker claims the pending slot itself, so racing enqueues are safe.
func (s *Service) enqueueOptimization(id string) {
	s.spawn(func() {
		// The budget covers the processor round trip plus storage work.
		ctx, cancel := context.WithTimeout(context.Background(),
			s.config.ImageProcessing.BodyTimeout+time.Minute)
		defer cancel()
		s.runOptimization(ctx, id)
	})
}

// runOptimization claims and executes one optimization end to end.
func (s *Service) runOptimization(ctx context.Context, id string) {
	claimed, err := s.db.CASOptimizationStatus(ctx, id,
		models.OptimizationPending, models.OptimizationProcessing,
		map[string]any{"optimization_started_at": time.Now()})
	if err != nil {
		logger.Error("failed to claim optimization",
			logger.KeyFileID, id, logger.KeyError, err)
		return
	}
	if !claimed {
		return
	}

	start := time.Now()
	if err := s.optimize(ctx, id); err != nil {
		if errors.Is(err, errCollapsed) {
			s.metrics.RecordOptimization("deduplicated", time.Since(start))
			return
		}
		logger.Error("optimization failed",
			logger.KeyFileID, id, logger.KeyError, err)

		// A failed optimization fails the file: the served variant never
		// existed and the original is about to be reclaimed.
		uerr := s.db.UpdateFileFields(ctx, id, map[string]any{
			"status":              models.StatusFailed,
			"status_changed_at":   time.Now(),
			"optimization_status": models.OptimizationFailed,
			"optimization_error":  err.Error(),
		})
		if uerr != nil {
			logger.Error("failed to record optimization failure",
				logger.KeyFileID, id, logger.KeyError, uerr)
		}
		s.metrics.RecordOptimization("failed", time.Since(start))
		return
	}
	s.metrics.RecordOptimization("ready", time.Since(start))
}

func (s *Service) optimize(ctx context.Context, id string) error {
	file, err := s.db.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if file.OriginalS3Key == "" {
		return errors.New("no original blob to optimize")
	}

	obj, err := s.blobs.Get(ctx, file.OriginalS3Key, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch original: %w", err)
	}
	original, err := io.ReadAll(obj.Body)
	_ = obj.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read original: %w", err)
	}

	// EXIF comes from the original, which is about to be reclaimed.
	s.storeExif(ctx, id, file.Filename, bytes.NewReader(original))

	params := s.resolveOptimizeParams(file)
	result, err := s.proc.Process(ctx, bytes.NewReader(original), file.Filename, params)
	if err != nil {
		return err
	}
	defer func() { _ = result.Body.Close() }()

	// The optimized variant is buffered so it can be hashed before its
	// content-addressed key is known.
	optimized, err := io.ReadAll(io.LimitReader(result.Body, int64(s.config.Upload.ImageMaxBytes)+1))
	if err != nil {
		return fmt.Errorf("failed to read processed image: %w", err)
	}
	if int64(len(optimized)) > int64(s.config.Upload.ImageMaxBytes) {
		return fmt.Errorf("%w: processed image exceeds image ceiling", ErrTooLarge)
	}

	resultMime := mediatype.Normalize(result.ContentType)
	if resultMime == "" {
		resultMime = file.OriginalMimeType
	}

	hasher := blob.NewHasher()
	_, _ = hasher.Write(optimized)
	checksum := blob.Checksum(hasher.Sum(nil))
	size := int64(len(optimized))

	// Same optimized content may already be live under another record.
	if sibling, err := s.db.FindReadySibling(ctx, checksum, resultMime, id); err == nil {
		return s.collapseOptimized(ctx, file, sibling)
	} else if !errors.Is(err, models.ErrFileNotFound) {
		return err
	}

	finalKey := blob.ContentKey(blob.ChecksumHex(checksum), resultMime)
	if err := s.blobs.Put(ctx, finalKey, bytes.NewReader(optimized), resultMime); err != nil {
		return fmt.Errorf("failed to store optimized blob: %w", err)
	}

	err = s.db.UpdateFileFields(ctx, id, map[string]any{
		"s3_key":                    finalKey,
		"mime_type":                 resultMime,
		"size":                      size,
		"checksum":                  checksum,
		"optimization_status":       models.OptimizationReady,
		"optimization_completed_at": time.Now(),
	})
	if errors.Is(err, models.ErrDuplicateFile) {
		// Lost a concurrent race to the same content. finalKey is shared
		// with the winner now, so only our original goes.
		if sibling, qerr := s.db.FindReadySibling(ctx, checksum, resultMime, id); qerr == nil {
			return s.collapseOptimized(ctx, file, sibling)
		}
		return err
	}
	if err != nil {
		return err
	}

	// The original is no longer referenced once the optimized variant is
	// the served one.
	if err := s.blobs.Delete(ctx, file.OriginalS3Key); err != nil {
		logger.Warn("failed to delete original after optimization",
			logger.KeyFileID, id, logger.KeyS3Key, file.OriginalS3Key, logger.KeyError, err)
	} else if uerr := s.db.UpdateFileFields(ctx, id, map[string]any{"original_s3_key": ""}); uerr != nil {
		logger.Warn("failed to clear original key",
			logger.KeyFileID, id, logger.KeyError, uerr)
	}

	logger.Info("optimization complete",
		logger.KeyFileID, id,
		logger.KeyChecksum, checksum,
		logger.KeySize, size,
		logger.KeyMimeType, resultMime)
	return nil
}

// collapseOptimized deduplicates a record whose optimized content already
// exists: its original blob and its row are removed, the sibling keeps
// serving the content.
func (s *Service) collapseOptimized(ctx context.Context, file *models.File, winner *models.File) error {
	if err := s.blobs.Delete(ctx, file.OriginalS3Key); err != nil {
		logger.Warn("failed to delete original of deduplicated record",
			logger.KeyFileID, file.ID, logger.KeyError, err)
	}
	if err := s.db.HardDeleteFile(ctx, file.ID); err != nil {
		return err
	}
	logger.Info("optimization deduplicated",
		logger.KeyFileID, file.ID,
		logger.KeyChecksum, stringOrEmpty(winner.Checksum))
	return errCollapsed
}

// resolveOptimizeParams merges the caller's stored preferences with the
// compression policy. Forced compression ignores caller preferences.
func (s *Service) resolveOptimizeParams(file *models.File) *imageproc.Params {
	policy := s.config.Compression

	transform := &imageproc.Transform{
		MaxDimension:  policy.MaxDimension,
		AutoOrient:    policy.AutoOrient,
		StripMetadata: policy.StripMetadata,
	}
	output := &imageproc.Output{
		Format:            policy.Format,
		Quality:           policy.Quality,
		Effort:            policy.Effort,
		Lossless:          policy.Lossless,
		ChromaSubsampling: policy.ChromaSubsampling,
	}

	if !policy.ForceEnabled && file.OptimizationParams != "" {
		var req OptimizeParams
		if err := json.Unmarshal([]byte(file.OptimizationParams), &req); err == nil {
			if req.Format != "" {
				output.Format = req.Format
			}
			// Caller values are clamped by the policy ceilings.
			if req.MaxDimension > 0 && req.MaxDimension < policy.MaxDimension {
				transform.MaxDimension = req.MaxDimension
			}
			if req.Quality > 0 && req.Quality < policy.Quality {
				output.Quality = req.Quality
			}
			if req.Effort > 0 {
				output.Effort = req.Effort
			}
			output.Lossless = req.Lossless
			transform.AutoOrient = req.AutoOrient || policy.AutoOrient
			transform.StripMetadata = req.StripMetadata || policy.StripMetadata
		}
	}

	return &imageproc.Params{
		Priority:  "normal",
		Transform: transform,
		Output:    output,
	}
}

// waitForOptimization blocks until the file's in-flight optimization
// settles, polling the record. A pending file gets a worker kicked first
// in case its original enqueue was lost.
func (s *Service) waitForOptimization(ctx context.Context, file *models.File) (*models.File, error) {
	if !file.OptStatus().InFlight() {
		return file, nil
	}

	if file.OptStatus() == models.OptimizationPending {
		s.enqueueOptimization(file.ID)
	}

	deadline := time.Now().Add(s.config.Compression.WaitTimeout)
	ticker := time.NewTicker(optimizationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		current, err := s.db.GetFile(ctx, file.ID)
		if err != nil {
			// The record may have been deduplicated away mid-wait.
			return nil, err
		}
		switch current.OptStatus() {
		case models.OptimizationReady:
			return current, nil
		case models.OptimizationFailed:
			return nil, fmt.Errorf("%w: %s", ErrOptimizationFailed, current.OptimizationError)
		}

		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}
	}
}

// extractExifLater schedules an opportunistic EXIF extraction from the
// blob at key. Failures are logged and swallowed; EXIF is best effort by
// contract.
func (s *Service) extractExifLater(id, key string) {
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			s.config.ImageProcessing.BodyTimeout)
		defer cancel()

		obj, err := s.blobs.Get(ctx, key, nil)
		if err != nil {
			logger.Debug("exif extraction skipped, blob gone",
				logger.KeyFileID, id, logger.KeyS3Key, key)
			return
		}
		defer func() { _ = obj.Body.Close() }()

		file, err := s.db.GetFile(ctx, id)
		if err != nil {
			return
		}
		s.storeExif(ctx, id, file.Filename, obj.Body)
	})
}

// storeExif asks the processor for the EXIF bag and persists it. Best
// effort: every failure is swallowed.
func (s *Service) storeExif(ctx context.Context, id, filename string, src io.Reader) {
	exif, err := s.proc.Exif(ctx, src, filename)
	if err != nil {
		logger.Debug("exif extraction failed",
			logger.KeyFileID, id, logger.KeyError, err)
		return
	}
	if exif == nil {
		return
	}

	data, err := json.Marshal(exif)
	if err != nil {
		return
	}
	if err := s.db.UpdateFileFields(ctx, id, map[string]any{"exif": string(data)}); err != nil {
		logger.Debug("failed to store exif",
			logger.KeyFileID, id, logger.KeyError, err)
	}
}
