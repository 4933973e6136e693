package metadata

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/bozonx/mediastore/pkg/models"
)

// Queries used by the cleanup reconciler. Each returns a bounded batch;
// the reconciler converges over repeated cycles rather than scanning
// everything at once.

// FindSoftDeleted returns soft-deleted records whose deletion is due for
// a (re)try: deleted_at older than retryCutoff, oldest first.
func (s *Store) FindSoftDeleted(ctx context.Context, retryCutoff time.Time, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL AND deleted_at < ? AND status <> ?", retryCutoff, models.StatusDeleted).
		Order("deleted_at ASC").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// FindCorrupted returns records violating structural invariants:
// deleting without deleted_at, or ready with an empty served identity.
// A ready record with an in-flight optimization is excluded: an empty
// s3_key is its normal state until the optimized blob lands.
func (s *Store) FindCorrupted(ctx context.Context, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("(status = ? AND deleted_at IS NULL) OR (status = ? AND (s3_key = '' OR mime_type = '') AND (optimization_status IS NULL OR optimization_status NOT IN ?))",
			models.StatusDeleting, models.StatusReady,
			[]models.OptimizationStatus{models.OptimizationPending, models.OptimizationProcessing}).
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// FindBadStatus returns records stuck in a non-servable status since
// before cutoff.
func (s *Store) FindBadStatus(ctx context.Context, statuses []models.FileStatus, cutoff time.Time, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("status IN ? AND status_changed_at < ?", statuses, cutoff).
		Order("status_changed_at ASC").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// FindOrphanedTemp returns records that will never finish: uploads started
// before uploadCutoff that never progressed, and failed records whose keys
// still sit under the reclaimable tmp/ or originals/ prefixes.
func (s *Store) FindOrphanedTemp(ctx context.Context, uploadCutoff time.Time, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("(status = ? AND created_at < ?) OR (status = ? AND (s3_key LIKE 'tmp/%' OR original_s3_key LIKE 'tmp/%' OR s3_key LIKE 'originals/%' OR original_s3_key LIKE 'originals/%'))",
			models.StatusUploading, uploadCutoff, models.StatusFailed).
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// FindStuckOptimizations returns records claimed by an optimization
// worker before cutoff that never reached a terminal state. The worker
// is single-flight, so a processing row older than the claim window
// means its worker died.
func (s *Store) FindStuckOptimizations(ctx context.Context, cutoff time.Time, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("optimization_status = ? AND optimization_started_at IS NOT NULL AND optimization_started_at < ?",
			models.OptimizationProcessing, cutoff).
		Order("optimization_started_at ASC").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// FindProblemCandidates returns visible records that could carry operator
// problems: any non-ready status, failed or in-flight optimization, or a
// ready record with missing served identity.
func (s *Store) FindProblemCandidates(ctx context.Context, limit int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("status <> ? OR optimization_status IN ? OR checksum IS NULL OR s3_key = ''",
			models.StatusReady,
			[]models.OptimizationStatus{models.OptimizationFailed, models.OptimizationPending, models.OptimizationProcessing}).
		Order("created_at ASC").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// CountKeyReferences returns how many records still point at the blob
// key, through either the served or the original slot. Used by the
// storage sweep before it removes an unreferenced object.
func (s *Store) CountKeyReferences(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("s3_key = ? OR original_s3_key = ?", key, key).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// FinalizeReclaim runs the post-blob-delete bookkeeping of reconciler
// pass (a) in one transaction: hard-delete the thumbnail rows whose blobs
// were confirmed gone, and hard-delete the File row itself only when all
// of its own blob keys and all thumbnails were reclaimed.
func (s *Store) FinalizeReclaim(ctx context.Context, fileID string, deletedThumbIDs []string, deleteFile bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(deletedThumbIDs) > 0 {
			if err := tx.Where("id IN ?", deletedThumbIDs).Delete(&models.Thumbnail{}).Error; err != nil {
				return err
			}
		}
		if deleteFile {
			if err := tx.Where("id = ?", fileID).Delete(&models.File{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
