package logger

// Standard field keys for structured logging.
// Use these consistently so log aggregation can query by key.
const (
	// Request correlation
	KeyRequestID = "request_id"
	KeyClientIP  = "client_ip"

	// File lifecycle
	KeyFileID      = "file_id"
	KeyFilename    = "filename"
	KeyStatus      = "status"
	KeyOptStatus   = "optimization_status"
	KeyChecksum    = "checksum"
	KeyMimeType    = "mime_type"
	KeySize        = "size"
	KeyThumbnailID = "thumbnail_id"

	// Blob storage
	KeyBucket = "bucket"
	KeyS3Key  = "s3_key"
	KeyKeys   = "keys"

	// Reconciler
	KeyPass    = "pass"
	KeyBatch   = "batch"
	KeyDeleted = "deleted"
	KeyFailed  = "failed"

	// Operation metadata
	KeyOperation  = "operation"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyURL        = "url"
)
