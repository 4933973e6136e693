package models

import (
	"encoding/json"
	"time"
)

// FileStatus is the lifecycle state of a stored file.
type FileStatus string

const (
	// StatusUploading marks a record whose bytes are still streaming in.
	StatusUploading FileStatus = "uploading"

	// StatusReady marks a fully stored, servable file.
	StatusReady FileStatus = "ready"

	// StatusDeleting marks a record claimed by the cleanup reconciler.
	StatusDeleting FileStatus = "deleting"

	// StatusDeleted is the terminal state after physical reclamation.
	StatusDeleted FileStatus = "deleted"

	// StatusFailed marks an upload or optimization that did not complete.
	StatusFailed FileStatus = "failed"

	// StatusMissing is reserved for records whose blob was found absent
	// from storage by an out-of-band audit. Nothing transitions into it
	// today; the cleanup reconciler still ages such records out.
	StatusMissing FileStatus = "missing"
)

// Valid reports whether s is a known file status.
func (s FileStatus) Valid() bool {
	switch s {
	case StatusUploading, StatusReady, StatusDeleting, StatusDeleted, StatusFailed, StatusMissing:
		return true
	}
	return false
}

// OptimizationStatus is the state of the async image optimization machine.
type OptimizationStatus string

const (
	OptimizationPending    OptimizationStatus = "pending"
	OptimizationProcessing OptimizationStatus = "processing"
	OptimizationReady      OptimizationStatus = "ready"
	OptimizationFailed     OptimizationStatus = "failed"
)

// Valid reports whether s is a known optimization status.
func (s OptimizationStatus) Valid() bool {
	switch s {
	case OptimizationPending, OptimizationProcessing, OptimizationReady, OptimizationFailed:
		return true
	}
	return false
}

// InFlight reports whether the optimization is still running.
func (s OptimizationStatus) InFlight() bool {
	return s == OptimizationPending || s == OptimizationProcessing
}

// File is the central metadata record for one stored object.
//
// The blob at S3Key is shared by reference count across all non-soft-deleted
// records with the same (Checksum, MimeType). The blob at OriginalS3Key,
// when present, is owned solely by this record.
//
// The partial unique index on (checksum, mime_type) enforces that at most
// one live ready record exists per content/type pair; upload and
// optimization use the constraint violation as their dedup conflict point.
type File struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	Filename string `gorm:"size:255;not null" json:"filename"`

	// Free-form tag triple used for listing filters and bulk operations.
	AppID   string `gorm:"size:255;index" json:"app_id,omitempty"`
	UserID  string `gorm:"size:255;index" json:"user_id,omitempty"`
	Purpose string `gorm:"size:255;index" json:"purpose,omitempty"`

	// Identity of the currently-served blob. Checksum and Size are null
	// until the record reaches ready.
	MimeType string  `gorm:"size:255;not null;uniqueIndex:ux_files_content,where:status = 'ready' AND deleted_at IS NULL" json:"mime_type"`
	Size     *int64  `json:"size,omitempty"`
	Checksum *string `gorm:"size:128;uniqueIndex:ux_files_content,where:status = 'ready' AND deleted_at IS NULL" json:"checksum,omitempty"`
	S3Key    string  `gorm:"size:512" json:"s3_key"`
	S3Bucket string  `gorm:"size:255" json:"s3_bucket"`

	// Pre-optimization identity, set only when optimization applies.
	OriginalMimeType string  `gorm:"size:255" json:"original_mime_type,omitempty"`
	OriginalSize     *int64  `json:"original_size,omitempty"`
	OriginalChecksum *string `gorm:"size:128" json:"original_checksum,omitempty"`
	OriginalS3Key    string  `gorm:"size:512" json:"original_s3_key,omitempty"`

	Status FileStatus `gorm:"size:32;not null;index" json:"status"`

	OptimizationStatus      *OptimizationStatus `gorm:"size:32;index" json:"optimization_status,omitempty"`
	OptimizationParams      string              `gorm:"type:text" json:"-"`
	OptimizationError       string              `gorm:"type:text" json:"optimization_error,omitempty"`
	OptimizationStartedAt   *time.Time          `json:"optimization_started_at,omitempty"`
	OptimizationCompletedAt *time.Time          `json:"optimization_completed_at,omitempty"`

	// Opaque key/value bags, stored as JSON text.
	Metadata string `gorm:"type:text" json:"-"`
	Exif     string `gorm:"type:text" json:"-"`

	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	StatusChangedAt time.Time  `gorm:"not null;index" json:"status_changed_at"`
	UploadedAt      *time.Time `json:"uploaded_at,omitempty"`
	DeletedAt       *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName returns the table name for File.
func (File) TableName() string {
	return "files"
}

// SoftDeleted reports whether the record is invisible to normal reads.
func (f *File) SoftDeleted() bool {
	return f.DeletedAt != nil
}

// OptStatus returns the optimization status, or "" when optimization
// was never requested.
func (f *File) OptStatus() OptimizationStatus {
	if f.OptimizationStatus == nil {
		return ""
	}
	return *f.OptimizationStatus
}

// BlobKeys returns every storage key this record owns or references:
// the served blob key and, when set, the pre-optimization original.
func (f *File) BlobKeys() []string {
	var keys []string
	if f.S3Key != "" {
		keys = append(keys, f.S3Key)
	}
	if f.OriginalS3Key != "" && f.OriginalS3Key != f.S3Key {
		keys = append(keys, f.OriginalS3Key)
	}
	return keys
}

// GetMetadata returns the caller-supplied metadata bag.
func (f *File) GetMetadata() (map[string]string, error) {
	return unmarshalBag(f.Metadata)
}

// SetMetadata stores the caller-supplied metadata bag.
func (f *File) SetMetadata(m map[string]string) error {
	s, err := marshalBag(m)
	if err != nil {
		return err
	}
	f.Metadata = s
	return nil
}

// GetExif returns the extracted EXIF bag, or nil when absent.
func (f *File) GetExif() (map[string]any, error) {
	if f.Exif == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(f.Exif), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SetExif stores the extracted EXIF bag.
func (f *File) SetExif(m map[string]any) error {
	if m == nil {
		f.Exif = ""
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f.Exif = string(data)
	return nil
}

func unmarshalBag(s string) (map[string]string, error) {
	if s == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalBag(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AllModels returns every model registered for schema migration.
func AllModels() []any {
	return []any{
		&File{},
		&Thumbnail{},
	}
}
