// Package cleanup is the background reconciler. It converges stored
// state toward the metadata records in bounded batches: reclaiming
// soft-deleted files, repairing corrupted records, failing abandoned
// optimization claims, aging out dead statuses, sweeping orphaned
// staging objects and expiring cold thumbnails. Blobs are always
// deleted before the rows that reference them, so a crash mid-pass
// leaves retryable records, never orphaned rows pointing at reclaimed
// storage.
package cleanup

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/pkg/config"
	"github.com/bozonx/mediastore/pkg/metrics"
	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/store/blob"
	"github.com/bozonx/mediastore/pkg/store/metadata"
)

// claimable are the statuses a soft-deleted record may be claimed from.
var claimable = []models.FileStatus{
	models.StatusUploading,
	models.StatusReady,
	models.StatusDeleting,
	models.StatusFailed,
	models.StatusMissing,
}

// Reconciler runs the cleanup passes on a cron schedule.
type Reconciler struct {
	config  config.CleanupConfig
	db      *metadata.Store
	blobs   blob.Store
	metrics *metrics.Metrics

	cron    *cron.Cron
	running atomic.Bool
}

// New creates a reconciler. metrics may be nil.
func New(cfg config.CleanupConfig, db *metadata.Store, blobs blob.Store, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		config:  cfg,
		db:      db,
		blobs:   blobs,
		metrics: m,
	}
}

// Start schedules periodic runs. No-op when cleanup is disabled.
func (r *Reconciler) Start() error {
	if !r.config.Enabled {
		logger.Info("cleanup reconciler disabled")
		return nil
	}

	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.config.Cron, func() {
		r.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	logger.Info("cleanup reconciler started", "schedule", r.config.Cron)
	return nil
}

// Stop cancels the schedule and waits for a run in progress.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunOnce executes all passes. Overlapping invocations are skipped, not
// queued: each pass re-derives its batch, so a skipped run loses nothing.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		logger.Warn("cleanup run still in progress, skipping")
		return
	}
	defer r.running.Store(false)

	passes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"soft_deleted", r.reclaimSoftDeleted},
		{"corrupted", r.repairCorrupted},
		{"stuck_optimization", r.ageStuckOptimizations},
		{"bad_status", r.ageBadStatus},
		{"orphaned_temp", r.sweepOrphanedTemp},
		{"thumbnails", r.expireThumbnails},
	}
	for _, pass := range passes {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := pass.fn(ctx); err != nil {
			logger.Error("cleanup pass failed",
				logger.KeyPass, pass.name, logger.KeyError, err)
		}
		r.metrics.ObserveCleanupPass(pass.name, time.Since(start))
	}
}

// reclaimSoftDeleted physically reclaims records whose soft deletion is
// due. The served blob is reference counted across records sharing its
// content; originals and thumbnails are owned exclusively. The row is
// removed only when every blob is confirmed gone, otherwise the record
// stays for a later retry.
func (r *Reconciler) reclaimSoftDeleted(ctx context.Context) error {
	cutoff := time.Now().Add(-r.config.SoftDeletedRetryDelay)
	files, err := r.db.FindSoftDeleted(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return err
	}

	for _, file := range files {
		claimed, err := r.db.CASStatus(ctx, file.ID, claimable, models.StatusDeleting, nil, nil)
		if err != nil || !claimed {
			continue
		}

		allGone := true

		// Thumbnails first: they are derived data, losing them is safe.
		thumbs, err := r.db.ListThumbnailsForFile(ctx, file.ID)
		if err != nil {
			continue
		}
		var deletedThumbIDs []string
		if len(thumbs) > 0 {
			keys := make([]string, 0, len(thumbs))
			for _, t := range thumbs {
				keys = append(keys, t.S3Key)
			}
			result, err := r.blobs.DeleteBatch(ctx, keys)
			if err != nil {
				continue
			}
			for _, t := range thumbs {
				if result.WasDeleted(t.S3Key) {
					deletedThumbIDs = append(deletedThumbIDs, t.ID)
				} else {
					allGone = false
				}
			}
		}

		if !r.deleteOwnBlobs(ctx, file) {
			allGone = false
		}

		if err := r.db.FinalizeReclaim(ctx, file.ID, deletedThumbIDs, allGone); err != nil {
			logger.Error("failed to finalize reclaim",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}

		r.metrics.AddReclaimed("thumbnail", len(deletedThumbIDs))
		if allGone {
			r.metrics.AddReclaimed("file", 1)
			logger.Info("file reclaimed", logger.KeyFileID, file.ID)
		} else {
			logger.Warn("file reclaim incomplete, will retry",
				logger.KeyFileID, file.ID)
		}
	}
	return nil
}

// deleteOwnBlobs removes the record's served and original blobs. The
// served blob survives while other live records still reference the same
// content. Reports whether every blob this record must release is gone.
func (r *Reconciler) deleteOwnBlobs(ctx context.Context, file *models.File) bool {
	gone := true

	if file.S3Key != "" {
		shared := false
		if file.Checksum != nil && !blob.IsReclaimableKey(file.S3Key) {
			refs, err := r.db.CountLiveReferences(ctx, *file.Checksum, file.MimeType, file.ID)
			if err != nil {
				return false
			}
			shared = refs > 0
		}
		if !shared {
			if err := r.blobs.Delete(ctx, file.S3Key); err != nil {
				logger.Warn("failed to delete blob",
					logger.KeyS3Key, file.S3Key, logger.KeyError, err)
				gone = false
			}
		}
	}

	if file.OriginalS3Key != "" {
		if err := r.blobs.Delete(ctx, file.OriginalS3Key); err != nil {
			logger.Warn("failed to delete original blob",
				logger.KeyS3Key, file.OriginalS3Key, logger.KeyError, err)
			gone = false
		}
	}
	return gone
}

// repairCorrupted fixes records violating structural invariants so the
// other passes can pick them up: a deleting record without deleted_at
// gets one, a ready record without a served identity is failed.
func (r *Reconciler) repairCorrupted(ctx context.Context) error {
	files, err := r.db.FindCorrupted(ctx, r.config.BatchSize)
	if err != nil {
		return err
	}

	for _, file := range files {
		switch {
		case file.Status == models.StatusDeleting && !file.SoftDeleted():
			err = r.db.UpdateFileFields(ctx, file.ID, map[string]any{
				"deleted_at": time.Now(),
			})
		case file.Status == models.StatusReady:
			_, err = r.db.CASStatus(ctx, file.ID,
				[]models.FileStatus{models.StatusReady}, models.StatusFailed, nil, nil)
		default:
			continue
		}
		if err != nil {
			logger.Error("failed to repair record",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		logger.Warn("repaired corrupted record",
			logger.KeyFileID, file.ID, logger.KeyStatus, string(file.Status))
	}
	return nil
}

// ageStuckOptimizations fails optimizations whose worker died after the
// pending->processing claim. The row itself is the task, so nothing else
// will ever touch it: readers only re-enqueue pending rows. Failing it
// makes the outcome visible to clients and hands the record to the
// bad-status pass; the original blob stays until then.
func (r *Reconciler) ageStuckOptimizations(ctx context.Context) error {
	cutoff := time.Now().Add(-r.config.StuckOptimizationTimeout)
	files, err := r.db.FindStuckOptimizations(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return err
	}

	for _, file := range files {
		claimed, err := r.db.CASOptimizationStatus(ctx, file.ID,
			models.OptimizationProcessing, models.OptimizationFailed,
			map[string]any{
				"status":             models.StatusFailed,
				"status_changed_at":  time.Now(),
				"optimization_error": "optimization timed out",
			})
		if err != nil {
			logger.Error("failed to age stuck optimization",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		if claimed {
			logger.Warn("failed stuck optimization",
				logger.KeyFileID, file.ID)
		}
	}
	return nil
}

// ageBadStatus soft-deletes records stuck in a dead status longer than
// the TTL, handing them to the reclaim pass.
func (r *Reconciler) ageBadStatus(ctx context.Context) error {
	cutoff := time.Now().Add(-r.config.BadStatusTTL)
	files, err := r.db.FindBadStatus(ctx,
		[]models.FileStatus{models.StatusFailed, models.StatusMissing},
		cutoff, r.config.BatchSize)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.SoftDeleted() {
			continue
		}
		if _, err := r.db.SoftDelete(ctx, file.ID); err != nil {
			logger.Error("failed to age out record",
				logger.KeyFileID, file.ID, logger.KeyError, err)
			continue
		}
		logger.Info("aged out dead record",
			logger.KeyFileID, file.ID, logger.KeyStatus, string(file.Status))
	}
	return nil
}

// sweepOrphanedTemp reclaims staging leftovers from two directions. From
// the database: uploads that never finished are claimed and removed
// outright with their staging blobs, and failed records still holding
// staging keys get those blobs deleted. From storage: tmp/ and
// originals/ objects past their TTL with no record referencing them are
// removed.
func (r *Reconciler) sweepOrphanedTemp(ctx context.Context) error {
	uploadCutoff := time.Now().Add(-r.config.StuckUploadTimeout)
	files, err := r.db.FindOrphanedTemp(ctx, uploadCutoff, r.config.BatchSize)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.Status == models.StatusUploading {
			r.reclaimStuckUpload(ctx, file)
			continue
		}

		// Failed record still holding staging blobs.
		updates := map[string]any{}
		if blob.IsReclaimableKey(file.S3Key) {
			if err := r.blobs.Delete(ctx, file.S3Key); err == nil {
				updates["s3_key"] = ""
			}
		}
		if blob.IsReclaimableKey(file.OriginalS3Key) {
			if err := r.blobs.Delete(ctx, file.OriginalS3Key); err == nil {
				updates["original_s3_key"] = ""
			}
		}
		if len(updates) > 0 {
			if err := r.db.UpdateFileFields(ctx, file.ID, updates); err != nil {
				logger.Error("failed to clear staging keys",
					logger.KeyFileID, file.ID, logger.KeyError, err)
			}
		}
	}

	if err := r.sweepPrefix(ctx, blob.TempPrefix, r.config.TmpTTL); err != nil {
		return err
	}
	return r.sweepPrefix(ctx, blob.OriginalsPrefix, r.config.OriginalsTTL)
}

// reclaimStuckUpload removes a dead upload and its staging blobs in one
// cycle. Staleness was established by the selection on created_at; the
// claim only needs the status guard, so an upload that completed between
// the two loses nothing. The claim moves the record onto the deletion
// path, so a blob delete failure just leaves it for the soft-deleted
// retry pass.
func (r *Reconciler) reclaimStuckUpload(ctx context.Context, file *models.File) {
	claimed, err := r.db.CASStatus(ctx, file.ID,
		[]models.FileStatus{models.StatusUploading}, models.StatusDeleting,
		nil, map[string]any{"deleted_at": time.Now()})
	if err != nil || !claimed {
		if err != nil {
			logger.Error("failed to claim stuck upload",
				logger.KeyFileID, file.ID, logger.KeyError, err)
		}
		return
	}

	if !r.deleteOwnBlobs(ctx, file) {
		logger.Warn("stuck upload reclaim incomplete, will retry",
			logger.KeyFileID, file.ID)
		return
	}
	if err := r.db.HardDeleteFile(ctx, file.ID); err != nil {
		logger.Error("failed to delete stuck upload record",
			logger.KeyFileID, file.ID, logger.KeyError, err)
		return
	}
	r.metrics.AddReclaimed("file", 1)
	logger.Info("reclaimed stuck upload", logger.KeyFileID, file.ID)
}

// sweepPrefix deletes objects under a staging prefix that are older than
// ttl and referenced by no record. The reference check keeps a slow but
// live upload or optimization safe.
func (r *Reconciler) sweepPrefix(ctx context.Context, prefix string, ttl time.Duration) error {
	cutoff := time.Now().Add(-ttl)
	var orphans []string

	err := r.blobs.List(ctx, prefix, int32(r.config.S3ListPageSize), func(info blob.Info) error {
		if !info.LastModified.Before(cutoff) {
			return nil
		}
		refs, err := r.db.CountKeyReferences(ctx, info.Key)
		if err != nil {
			return err
		}
		if refs == 0 {
			orphans = append(orphans, info.Key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	result, err := r.blobs.DeleteBatch(ctx, orphans)
	if err != nil {
		return err
	}
	r.metrics.AddReclaimed("staging", len(result.Deleted))
	logger.Info("swept orphaned staging objects",
		logger.KeyKeys, len(result.Deleted),
		"prefix", strings.TrimSuffix(prefix, "/"))
	return nil
}

// expireThumbnails removes cached renditions not accessed within the
// TTL. The row goes only if it is still cold at delete time, so a
// request that touched it mid-pass wins.
func (r *Reconciler) expireThumbnails(ctx context.Context) error {
	cutoff := time.Now().Add(-r.config.ThumbnailsTTL)
	thumbs, err := r.db.FindOldThumbnails(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return err
	}

	reclaimed := 0
	for _, thumb := range thumbs {
		if err := r.blobs.Delete(ctx, thumb.S3Key); err != nil {
			logger.Warn("failed to delete thumbnail blob",
				logger.KeyThumbnailID, thumb.ID, logger.KeyError, err)
			continue
		}
		deleted, err := r.db.HardDeleteThumbnailIfStillOld(ctx, thumb.ID, cutoff)
		if err != nil {
			logger.Error("failed to delete thumbnail row",
				logger.KeyThumbnailID, thumb.ID, logger.KeyError, err)
			continue
		}
		if deleted {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		r.metrics.AddReclaimed("thumbnail", reclaimed)
		logger.Info("expired cold thumbnails", logger.KeyDeleted, reclaimed)
	}
	return nil
}
