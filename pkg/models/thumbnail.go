package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Thumbnail is a cached derived rendition of an image File.
//
// Thumbnails exist only while their parent File exists and are never
// shared between files, so their blobs are always deletable without a
// reference-count check.
type Thumbnail struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	FileID     string `gorm:"size:36;not null;index;uniqueIndex:ux_thumbnails_params" json:"file_id"`
	Width      int    `gorm:"not null" json:"width"`
	Height     int    `gorm:"not null" json:"height"`
	Quality    int    `gorm:"not null" json:"quality"`
	ParamsHash string `gorm:"size:64;not null;uniqueIndex:ux_thumbnails_params" json:"params_hash"`
	S3Key      string `gorm:"size:512;not null" json:"s3_key"`
	S3Bucket   string `gorm:"size:255;not null" json:"s3_bucket"`
	Size       int64  `json:"size"`
	MimeType   string `gorm:"size:255;not null" json:"mime_type"`

	LastAccessedAt time.Time `gorm:"not null;index" json:"last_accessed_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Thumbnail.
func (Thumbnail) TableName() string {
	return "thumbnails"
}

// ThumbnailParamsHash derives the cache key for one rendition:
// sha256 over "<width>x<height>q<quality>f<format>".
func ThumbnailParamsHash(width, height, quality int, format string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%dx%dq%df%s", width, height, quality, format))
	return hex.EncodeToString(sum[:])
}
