package metadata

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bozonx/mediastore/pkg/models"
)

// CreateFile inserts a new File record. A missing ID is generated; a
// unique-constraint violation on the live (checksum, mime_type) index is
// normalized to models.ErrDuplicateFile.
func (s *Store) CreateFile(ctx context.Context, file *models.File) (string, error) {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	now := time.Now()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	if file.StatusChangedAt.IsZero() {
		file.StatusChangedAt = now
	}

	if err := s.db.WithContext(ctx).Create(file).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", models.ErrDuplicateFile
		}
		return "", err
	}
	return file.ID, nil
}

// GetFile returns a File by ID, including soft-deleted records. Visibility
// policy belongs to the service layer.
func (s *Store) GetFile(ctx context.Context, id string) (*models.File, error) {
	var file models.File
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// UpdateFileFields applies a partial update to a File record.
func (s *Store) UpdateFileFields(ctx context.Context, id string, fields map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return models.ErrDuplicateFile
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

// PromoteReady performs the upload write-through: flips the record to
// ready with its final content identity in one conditional update. The
// partial unique index on (checksum, mime_type) is the dedup conflict
// point; a violation surfaces as models.ErrDuplicateFile so the caller
// can collapse into the winning sibling.
func (s *Store) PromoteReady(ctx context.Context, id, s3Key, checksum string, size int64) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND status = ?", id, models.StatusUploading).
		Updates(map[string]any{
			"s3_key":            s3Key,
			"checksum":          checksum,
			"size":              size,
			"status":            models.StatusReady,
			"status_changed_at": now,
			"uploaded_at":       now,
		})
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return models.ErrDuplicateFile
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrClaimLost
	}
	return nil
}

// FindReadySibling returns the live ready record with the given content
// identity, excluding excludeID, or models.ErrFileNotFound.
func (s *Store) FindReadySibling(ctx context.Context, checksum, mimeType, excludeID string) (*models.File, error) {
	var file models.File
	q := s.db.WithContext(ctx).
		Where("checksum = ? AND mime_type = ? AND status = ? AND deleted_at IS NULL",
			checksum, mimeType, models.StatusReady)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	err := q.First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// CountLiveReferences counts non-soft-deleted records sharing the given
// content identity, excluding excludeID. Zero means the blob at the
// content-addressed key has no remaining owners.
func (s *Store) CountLiveReferences(ctx context.Context, checksum, mimeType, excludeID string) (int64, error) {
	var count int64
	q := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("checksum = ? AND mime_type = ? AND deleted_at IS NULL", checksum, mimeType)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CASStatus transitions a record's status only when it currently holds one
// of the expected statuses, optionally requiring status_changed_at older
// than cutoff. The affected-row count is the lock: false means the claim
// was lost to a concurrent writer.
func (s *Store) CASStatus(
	ctx context.Context,
	id string,
	expected []models.FileStatus,
	to models.FileStatus,
	cutoff *time.Time,
	extra map[string]any,
) (bool, error) {
	now := time.Now()
	updates := map[string]any{
		"status":            to,
		"status_changed_at": now,
	}
	for k, v := range extra {
		updates[k] = v
	}

	q := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND status IN ?", id, expected)
	if cutoff != nil {
		q = q.Where("status_changed_at < ?", *cutoff)
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CASOptimizationStatus transitions the optimization state machine with a
// conditional update on the current optimization status.
func (s *Store) CASOptimizationStatus(
	ctx context.Context,
	id string,
	expected models.OptimizationStatus,
	to models.OptimizationStatus,
	extra map[string]any,
) (bool, error) {
	updates := map[string]any{
		"optimization_status": to,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND optimization_status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return false, models.ErrDuplicateFile
		}
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SoftDelete sets deleted_at on a live record. Returns true when this call
// performed the transition, false when the record was already soft-deleted
// (idempotent success).
func (s *Store) SoftDelete(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", time.Now())
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// Distinguish "already soft-deleted" from "no such record".
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, models.ErrFileNotFound
	}
	return false, nil
}

// TagFilter is the tag triple used by bulk operations. At least one field
// must be non-empty.
type TagFilter struct {
	AppID   string
	UserID  string
	Purpose string
}

// Empty reports whether no tag is set.
func (f TagFilter) Empty() bool {
	return f.AppID == "" && f.UserID == "" && f.Purpose == ""
}

func (f TagFilter) apply(q *gorm.DB) *gorm.DB {
	if f.AppID != "" {
		q = q.Where("app_id = ?", f.AppID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Purpose != "" {
		q = q.Where("purpose = ?", f.Purpose)
	}
	return q
}

// BulkSoftDelete counts ready live records matching the tags (oldest
// first, up to limit) and, unless dryRun, soft-deletes them. Rows that
// lose a race and get soft-deleted concurrently are simply not counted in
// deleted.
func (s *Store) BulkSoftDelete(ctx context.Context, tags TagFilter, limit int, dryRun bool) (matched, deleted int64, err error) {
	base := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("status = ? AND deleted_at IS NULL", models.StatusReady)
	base = tags.apply(base)

	var ids []string
	if err := base.Order("created_at ASC").Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, 0, err
	}
	matched = int64(len(ids))

	if dryRun || matched == 0 {
		return matched, 0, nil
	}

	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id IN ? AND deleted_at IS NULL", ids).
		Update("deleted_at", time.Now())
	if result.Error != nil {
		return matched, 0, result.Error
	}
	return matched, result.RowsAffected, nil
}

// ListFilter controls ListFiles.
type ListFilter struct {
	Query    string // substring match on filename
	MimeType string // exact match or prefix match when ending in "/"
	Tags     TagFilter
	SortBy   string // created_at, size, filename
	Order    string // asc, desc
	Limit    int
	Offset   int
}

var listSortColumns = map[string]string{
	"created_at": "created_at",
	"createdAt":  "created_at",
	"size":       "size",
	"filename":   "filename",
}

// ListFiles returns visible (non-soft-deleted) files matching the filter
// plus the total match count before pagination.
func (s *Store) ListFiles(ctx context.Context, filter ListFilter) ([]*models.File, int64, error) {
	q := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("deleted_at IS NULL")
	q = filter.Tags.apply(q)

	if filter.Query != "" {
		q = q.Where(`filename LIKE ? ESCAPE '\'`, "%"+escapeLike(filter.Query)+"%")
	}
	if filter.MimeType != "" {
		if strings.HasSuffix(filter.MimeType, "/") {
			q = q.Where(`mime_type LIKE ? ESCAPE '\'`, escapeLike(filter.MimeType)+"%")
		} else {
			q = q.Where("mime_type = ?", filter.MimeType)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	column, ok := listSortColumns[filter.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(filter.Order, "asc") {
		direction = "ASC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var files []*models.File
	err := q.Order(column + " " + direction).
		Limit(limit).
		Offset(filter.Offset).
		Find(&files).Error
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

// HardDeleteFile removes a File row permanently. Used for dedup collapse
// and by the reconciler after blob reclamation.
func (s *Store) HardDeleteFile(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.File{}).Error
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
