package metadata

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bozonx/mediastore/pkg/models"
)

// CreateThumbnail inserts a thumbnail row. When another request generated
// the same rendition concurrently, the existing row is returned instead.
func (s *Store) CreateThumbnail(ctx context.Context, thumb *models.Thumbnail) (*models.Thumbnail, error) {
	if thumb.ID == "" {
		thumb.ID = uuid.New().String()
	}
	if thumb.LastAccessedAt.IsZero() {
		thumb.LastAccessedAt = time.Now()
	}

	err := s.db.WithContext(ctx).Create(thumb).Error
	if err == nil {
		return thumb, nil
	}
	if !isUniqueConstraintError(err) {
		return nil, err
	}

	return s.GetThumbnail(ctx, thumb.FileID, thumb.ParamsHash)
}

// GetThumbnail returns the cached rendition for (fileID, paramsHash).
func (s *Store) GetThumbnail(ctx context.Context, fileID, paramsHash string) (*models.Thumbnail, error) {
	var thumb models.Thumbnail
	err := s.db.WithContext(ctx).
		Where("file_id = ? AND params_hash = ?", fileID, paramsHash).
		First(&thumb).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrThumbnailNotFound)
	}
	return &thumb, nil
}

// TouchThumbnail refreshes last_accessed_at so the TTL eviction pass
// keeps recently-served renditions.
func (s *Store) TouchThumbnail(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&models.Thumbnail{}).
		Where("id = ?", id).
		Update("last_accessed_at", time.Now()).Error
}

// ListThumbnailsForFile returns every cached rendition of a file.
func (s *Store) ListThumbnailsForFile(ctx context.Context, fileID string) ([]*models.Thumbnail, error) {
	var thumbs []*models.Thumbnail
	err := s.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Find(&thumbs).Error
	if err != nil {
		return nil, err
	}
	return thumbs, nil
}

// FindOldThumbnails returns thumbnails not accessed since cutoff, oldest
// first, up to limit.
func (s *Store) FindOldThumbnails(ctx context.Context, cutoff time.Time, limit int) ([]*models.Thumbnail, error) {
	var thumbs []*models.Thumbnail
	err := s.db.WithContext(ctx).
		Where("last_accessed_at < ?", cutoff).
		Order("last_accessed_at ASC").
		Limit(limit).
		Find(&thumbs).Error
	if err != nil {
		return nil, err
	}
	return thumbs, nil
}

// HardDeleteThumbnails removes thumbnail rows by ID.
func (s *Store) HardDeleteThumbnails(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Thumbnail{}).Error
}

// HardDeleteThumbnailIfStillOld removes a thumbnail row only when its
// last_accessed_at is still older than cutoff. Returns true when the row
// was removed; false means a concurrent access resurrected it.
func (s *Store) HardDeleteThumbnailIfStillOld(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("id = ? AND last_accessed_at < ?", id, cutoff).
		Delete(&models.Thumbnail{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
