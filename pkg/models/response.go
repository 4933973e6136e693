package models

import "time"

// FileResponse is the API projection of a File record.
type FileResponse struct {
	ID                 string             `json:"id"`
	Filename           string             `json:"filename"`
	MimeType           string             `json:"mime_type"`
	Size               *int64             `json:"size,omitempty"`
	Checksum           *string            `json:"checksum,omitempty"`
	Status             FileStatus         `json:"status"`
	OptimizationStatus OptimizationStatus `json:"optimization_status,omitempty"`
	OptimizationError  string             `json:"optimization_error,omitempty"`
	AppID              string             `json:"app_id,omitempty"`
	UserID             string             `json:"user_id,omitempty"`
	Purpose            string             `json:"purpose,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UploadedAt         *time.Time         `json:"uploaded_at,omitempty"`
}

// ToResponse converts a File record to its API projection.
// Storage keys and buckets are internal and never exposed.
func (f *File) ToResponse() FileResponse {
	meta, err := f.GetMetadata()
	if err != nil {
		// A corrupt bag should not fail a read; expose what we can.
		meta = nil
	}
	if len(meta) == 0 {
		meta = nil
	}
	return FileResponse{
		ID:                 f.ID,
		Filename:           f.Filename,
		MimeType:           f.MimeType,
		Size:               f.Size,
		Checksum:           f.Checksum,
		Status:             f.Status,
		OptimizationStatus: f.OptStatus(),
		OptimizationError:  f.OptimizationError,
		AppID:              f.AppID,
		UserID:             f.UserID,
		Purpose:            f.Purpose,
		Metadata:           meta,
		CreatedAt:          f.CreatedAt,
		UploadedAt:         f.UploadedAt,
	}
}
