package models

import "errors"

// Common errors for file and thumbnail metadata operations.
var (
	// File errors
	ErrFileNotFound  = errors.New("file not found")
	ErrFileGone      = errors.New("file deleted")
	ErrDuplicateFile = errors.New("file with same content already exists")
	ErrNotReady      = errors.New("file is not ready")
	ErrClaimLost     = errors.New("record state changed concurrently")

	// Thumbnail errors
	ErrThumbnailNotFound = errors.New("thumbnail not found")

	// Blob errors (normalized by the blob store adapter)
	ErrBlobNotFound = errors.New("blob not found")
)
