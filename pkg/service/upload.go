package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/internal/mediatype"
	"github.com/bozonx/mediastore/internal/sanitize"
	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/store/blob"
)

// sniffLen is how many leading bytes are buffered for MIME detection.
const sniffLen = 3072

// OptimizeParams are the caller-supplied compression preferences. They
// are clamped against the configured compression policy before reaching
// the image processor.
type OptimizeParams struct {
	Format        string `json:"format,omitempty"`
	MaxDimension  int    `json:"maxDimension,omitempty"`
	Quality       int    `json:"quality,omitempty"`
	Effort        int    `json:"effort,omitempty"`
	Lossless      bool   `json:"lossless,omitempty"`
	StripMetadata bool   `json:"stripMetadata,omitempty"`
	AutoOrient    bool   `json:"autoOrient,omitempty"`
}

// UploadInput describes one incoming upload.
type UploadInput struct {
	Reader   io.Reader
	Filename string
	MimeType string // declared by the client, advisory
	AppID    string
	UserID   string
	Purpose  string
	Metadata map[string]string
	Optimize *OptimizeParams
}

// URLUploadInput describes an ingestion from an external URL.
type URLUploadInput struct {
	URL      string
	AppID    string
	UserID   string
	Purpose  string
	Metadata map[string]string
	Optimize *OptimizeParams
}

// Upload runs the upload pipeline: stream, hash, store, promote to the
// content-addressed key, and collapse into an existing record when the
// same content is already live. The returned File is ready (its
// optimization may still be pending).
func (s *Service) Upload(ctx context.Context, in UploadInput) (*models.File, error) {
	return s.upload(ctx, in, "direct")
}

// UploadFromURL fetches the URL under the SSRF policy and feeds the
// stream through the upload pipeline.
func (s *Service) UploadFromURL(ctx context.Context, in URLUploadInput) (*models.File, error) {
	dl, err := s.fetcher.Fetch(ctx, in.URL)
	if err != nil {
		s.metrics.RecordUpload("url", "rejected", 0)
		return nil, err
	}
	defer func() { _ = dl.Body.Close() }()

	logger.InfoCtx(ctx, "downloading external url",
		logger.KeyURL, dl.FinalURL,
		logger.KeyMimeType, dl.ContentType)

	return s.upload(ctx, UploadInput{
		Reader:   dl.Body,
		Filename: dl.Filename,
		MimeType: dl.ContentType,
		AppID:    in.AppID,
		UserID:   in.UserID,
		Purpose:  in.Purpose,
		Metadata: in.Metadata,
		Optimize: in.Optimize,
	}, "url")
}

func (s *Service) upload(ctx context.Context, in UploadInput, source string) (*models.File, error) {
	br := bufio.NewReaderSize(in.Reader, sniffLen)
	head, _ := br.Peek(sniffLen)
	mime := effectiveMime(in.MimeType, head)

	if err := s.checkBlocked(in.MimeType, mime); err != nil {
		s.metrics.RecordUpload(source, "rejected", 0)
		return nil, err
	}

	filename := sanitize.Filename(in.Filename)
	ceiling := s.ceilingFor(mime)

	wantsOptimization := mediatype.IsImage(mime) &&
		(s.config.Compression.ForceEnabled || in.Optimize != nil)
	if wantsOptimization {
		// Fail fast before spending bandwidth on an original nobody
		// will process.
		if _, err := s.proc.Healthy(ctx); err != nil {
			logger.WarnCtx(ctx, "image processor down, storing without optimization",
				logger.KeyError, err)
			s.metrics.RecordOptimization("declined", 0)
			wantsOptimization = false
		}
	}

	file := &models.File{
		Filename: filename,
		MimeType: mime,
		S3Bucket: s.blobs.Bucket(),
		Status:   models.StatusUploading,
		AppID:    in.AppID,
		UserID:   in.UserID,
		Purpose:  in.Purpose,
	}
	if err := file.SetMetadata(in.Metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	var key string
	if wantsOptimization {
		key = blob.OriginalKey()
		pending := models.OptimizationPending
		file.OriginalMimeType = mime
		file.OriginalS3Key = key
		file.OptimizationStatus = &pending
		if in.Optimize != nil {
			data, err := json.Marshal(in.Optimize)
			if err != nil {
				return nil, fmt.Errorf("invalid optimize params: %w", err)
			}
			file.OptimizationParams = string(data)
		}
	} else {
		key = blob.TempKey()
		file.S3Key = key
	}

	if _, err := s.db.CreateFile(ctx, file); err != nil {
		return nil, err
	}

	meter := &meterReader{src: br, hash: blob.NewHasher(), limit: ceiling}
	if err := s.blobs.Put(ctx, key, meter, mime); err != nil {
		s.abortUpload(ctx, file.ID, key)
		if meter.tooLarge {
			s.metrics.RecordUpload(source, "rejected", 0)
			return nil, fmt.Errorf("%w: ceiling %d bytes for %s", ErrTooLarge, ceiling, mime)
		}
		s.metrics.RecordUpload(source, "failed", 0)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	checksum := blob.Checksum(meter.hash.Sum(nil))
	size := meter.n

	logger.InfoCtx(ctx, "upload streamed",
		logger.KeyFileID, file.ID,
		logger.KeyChecksum, checksum,
		logger.KeySize, size,
		logger.KeyMimeType, mime)

	if wantsOptimization {
		return s.finishOptimizedUpload(ctx, file.ID, key, checksum, size, source)
	}
	return s.finishPlainUpload(ctx, file, key, checksum, size, source)
}

// finishOptimizedUpload records the original's identity, flips the file
// to ready and hands it to the optimization engine.
func (s *Service) finishOptimizedUpload(ctx context.Context, id, originalKey, checksum string, size int64, source string) (*models.File, error) {
	now := time.Now()
	err := s.db.UpdateFileFields(ctx, id, map[string]any{
		"original_checksum": checksum,
		"original_size":     size,
		"status":            models.StatusReady,
		"status_changed_at": now,
		"uploaded_at":       now,
	})
	if err != nil {
		s.abortUpload(ctx, id, originalKey)
		return nil, err
	}

	s.metrics.RecordUpload(source, "ok", size)
	// EXIF is extracted by the optimization worker from the original.
	s.enqueueOptimization(id)

	return s.db.GetFile(ctx, id)
}

// finishPlainUpload promotes the temp blob to its content-addressed key
// and the record to ready, collapsing into a live sibling on dedup.
func (s *Service) finishPlainUpload(ctx context.Context, file *models.File, tempKey, checksum string, size int64, source string) (*models.File, error) {
	finalKey := blob.ContentKey(blob.ChecksumHex(checksum), file.MimeType)

	// Cheap pre-check: an existing live sibling makes the copy pointless.
	sibling, err := s.db.FindReadySibling(ctx, checksum, file.MimeType, file.ID)
	if err == nil {
		return s.collapseUpload(ctx, file.ID, tempKey, sibling, source)
	}
	if !errors.Is(err, models.ErrFileNotFound) {
		return nil, err
	}

	if err := s.blobs.Copy(ctx, tempKey, finalKey); err != nil {
		s.abortUpload(ctx, file.ID, tempKey)
		s.metrics.RecordUpload(source, "failed", 0)
		return nil, fmt.Errorf("failed to promote upload: %w", err)
	}
	_ = s.blobs.Delete(ctx, tempKey)

	err = s.db.PromoteReady(ctx, file.ID, finalKey, checksum, size)
	switch {
	case err == nil:

	case errors.Is(err, models.ErrDuplicateFile):
		// Lost the write-through race. The final key is shared with the
		// winner, so only the row goes.
		sibling, qerr := s.db.FindReadySibling(ctx, checksum, file.MimeType, file.ID)
		if qerr != nil {
			return nil, err
		}
		return s.collapseUpload(ctx, file.ID, "", sibling, source)

	default:
		s.metrics.RecordUpload(source, "failed", 0)
		return nil, err
	}

	s.metrics.RecordUpload(source, "ok", size)
	if mediatype.IsImage(file.MimeType) {
		s.extractExifLater(file.ID, finalKey)
	}

	return s.db.GetFile(ctx, file.ID)
}

// collapseUpload deduplicates a losing upload into the winning sibling:
// the loser's temp blob (when still private) and row are removed and the
// winner is returned.
func (s *Service) collapseUpload(ctx context.Context, loserID, tempKey string, winner *models.File, source string) (*models.File, error) {
	if tempKey != "" {
		_ = s.blobs.Delete(ctx, tempKey)
	}
	if err := s.db.HardDeleteFile(ctx, loserID); err != nil {
		logger.WarnCtx(ctx, "failed to remove deduplicated record",
			logger.KeyFileID, loserID, logger.KeyError, err)
	}

	logger.InfoCtx(ctx, "upload deduplicated",
		logger.KeyFileID, winner.ID,
		logger.KeyChecksum, stringOrEmpty(winner.Checksum))
	s.metrics.RecordUpload(source, "deduplicated", 0)
	return winner, nil
}

// abortUpload reclaims a partial blob and fails the record.
func (s *Service) abortUpload(ctx context.Context, id, key string) {
	// Use a fresh context: the request's may already be canceled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.blobs.Delete(cleanupCtx, key); err != nil {
		logger.WarnCtx(cleanupCtx, "failed to delete partial blob",
			logger.KeyS3Key, key, logger.KeyError, err)
	}
	if _, err := s.db.CASStatus(cleanupCtx, id,
		[]models.FileStatus{models.StatusUploading}, models.StatusFailed, nil, nil); err != nil {
		logger.WarnCtx(cleanupCtx, "failed to mark upload failed",
			logger.KeyFileID, id, logger.KeyError, err)
	}
}

// checkBlocked rejects MIME types on the deny lists. Both the declared
// and the detected type are checked so neither can smuggle the other.
func (s *Service) checkBlocked(declared, detected string) error {
	for _, mime := range []string{mediatype.Normalize(declared), detected} {
		if mime == "" {
			continue
		}
		if s.config.Upload.BlockExecutables && mediatype.IsExecutable(mime) {
			return fmt.Errorf("%w: executable type %s", ErrBlockedMime, mime)
		}
		if s.config.Upload.BlockArchives && mediatype.IsArchive(mime) {
			return fmt.Errorf("%w: archive type %s", ErrBlockedMime, mime)
		}
		for _, blocked := range s.config.Upload.BlockedMimeTypes {
			if mime == mediatype.Normalize(blocked) {
				return fmt.Errorf("%w: %s", ErrBlockedMime, mime)
			}
		}
	}
	return nil
}

// ceilingFor returns the size ceiling for a MIME family.
func (s *Service) ceilingFor(mime string) int64 {
	switch mediatype.FamilyOf(mime) {
	case mediatype.FamilyImage:
		return int64(s.config.Upload.ImageMaxBytes)
	case mediatype.FamilyVideo:
		return int64(s.config.Upload.VideoMaxBytes)
	case mediatype.FamilyAudio:
		return int64(s.config.Upload.AudioMaxBytes)
	default:
		return int64(s.config.Upload.DocumentMaxBytes)
	}
}

// effectiveMime picks the served MIME type: a specific sniffed type wins
// over the client's declaration, which is advisory.
func effectiveMime(declared string, head []byte) string {
	declared = mediatype.Normalize(declared)
	sniffed := mediatype.Sniff(head)
	if sniffed != "" && sniffed != "application/octet-stream" {
		return sniffed
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

// meterReader feeds the content hash, counts bytes and enforces the size
// ceiling while the stream is forwarded to storage.
type meterReader struct {
	src      io.Reader
	hash     hash.Hash
	limit    int64
	n        int64
	tooLarge bool
}

func (r *meterReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		_, _ = r.hash.Write(p[:n])
		r.n += int64(n)
		if r.limit > 0 && r.n > r.limit {
			r.tooLarge = true
			return n, ErrTooLarge
		}
	}
	return n, err
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
