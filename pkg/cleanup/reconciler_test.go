package cleanup

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozonx/mediastore/pkg/config"
	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/store/blob"
	"github.com/bozonx/mediastore/pkg/store/metadata"
)

func testConfig() config.CleanupConfig {
	return config.CleanupConfig{
		Enabled:               true,
		BatchSize:             100,
		S3ListPageSize:        1000,
		SoftDeletedRetryDelay: 10 * time.Minute,
		BadStatusTTL:          7 * 24 * time.Hour,
		ThumbnailsTTL:         30 * 24 * time.Hour,
		TmpTTL:                24 * time.Hour,
		OriginalsTTL:          24 * time.Hour,
		StuckUploadTimeout:    time.Hour,
	}
}

func newTestReconciler(t *testing.T, cfg config.CleanupConfig) (*Reconciler, *metadata.Store, *blob.MemoryStore) {
	t.Helper()

	db, err := metadata.New(&metadata.Config{
		Type:   metadata.DatabaseTypeSQLite,
		SQLite: metadata.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs := blob.NewMemoryStore("cleanup-test")
	return New(cfg, db, blobs, nil), db, blobs
}

// seedReadyFile creates a ready record with its content blob in place.
func seedReadyFile(t *testing.T, db *metadata.Store, blobs *blob.MemoryStore, content, mimeType string) *models.File {
	t.Helper()
	ctx := context.Background()

	hasher := blob.NewHasher()
	hasher.Write([]byte(content))
	checksum := blob.Checksum(hasher.Sum(nil))
	key := blob.ContentKey(blob.ChecksumHex(checksum), mimeType)

	file := &models.File{
		Filename: "seed.bin",
		MimeType: mimeType,
		S3Key:    blob.TempKey(),
		S3Bucket: blobs.Bucket(),
		Status:   models.StatusUploading,
	}
	id, err := db.CreateFile(ctx, file)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, key, bytes.NewReader([]byte(content)), mimeType))
	require.NoError(t, db.PromoteReady(ctx, id, key, checksum, int64(len(content))))

	out, err := db.GetFile(ctx, id)
	require.NoError(t, err)
	return out
}

// softDeleteBackdated soft-deletes the record and moves deleted_at past
// the retry cutoff.
func softDeleteBackdated(t *testing.T, db *metadata.Store, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := db.SoftDelete(ctx, id)
	require.NoError(t, err)
	require.NoError(t, db.UpdateFileFields(ctx, id, map[string]any{
		"deleted_at": time.Now().Add(-time.Hour),
	}))
}

func TestReclaimSoftDeleted(t *testing.T) {
	r, db, blobs := newTestReconciler(t, testConfig())
	ctx := context.Background()

	file := seedReadyFile(t, db, blobs, "reclaim-me", "image/png")

	thumbKey := blob.ThumbKey(file.ID, "abcd", "webp")
	require.NoError(t, blobs.Put(ctx, thumbKey, bytes.NewReader([]byte("thumb")), "image/webp"))
	_, err := db.CreateThumbnail(ctx, &models.Thumbnail{
		FileID: file.ID, Width: 100, Height: 100, Quality: 75,
		ParamsHash: "abcd", S3Key: thumbKey, S3Bucket: blobs.Bucket(),
		Size: 5, MimeType: "image/webp",
	})
	require.NoError(t, err)

	softDeleteBackdated(t, db, file.ID)
	r.RunOnce(ctx)

	assert.False(t, blobs.Exists(file.S3Key))
	assert.False(t, blobs.Exists(thumbKey))
	_, err = db.GetFile(ctx, file.ID)
	assert.ErrorIs(t, err, models.ErrFileNotFound)
}

func TestReclaimKeepsSharedBlob(t *testing.T) {
	r, db, blobs := newTestReconciler(t, testConfig())
	ctx := context.Background()

	old := seedReadyFile(t, db, blobs, "shared-bytes", "image/png")
	softDeleteBackdated(t, db, old.ID)

	// A fresh upload of the same content reuses the content key while the
	// old record awaits reclamation.
	fresh := seedReadyFile(t, db, blobs, "shared-bytes", "image/png")
	require.Equal(t, old.S3Key, fresh.S3Key)

	r.RunOnce(ctx)

	_, err := db.GetFile(ctx, old.ID)
	assert.ErrorIs(t, err, models.ErrFileNotFound)
	assert.True(t, blobs.Exists(fresh.S3Key), "shared blob must survive")
}

func TestReclaimRetriesAfterBlobFailure(t *testing.T) {
	r, db, blobs := newTestReconciler(t, testConfig())
	ctx := context.Background()

	file := seedReadyFile(t, db, blobs, "flaky-delete", "image/png")
	softDeleteBackdated(t, db, file.ID)

	blobs.FailDeletes = map[string]bool{file.S3Key: true}
	r.RunOnce(ctx)

	// The row must survive for a retry while the blob is stuck.
	kept, err := db.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeleting, kept.Status)
	assert.True(t, blobs.Exists(file.S3Key))

	blobs.FailDeletes = nil
	r.RunOnce(ctx)

	assert.False(t, blobs.Exists(file.S3Key))
	_, err = db.GetFile(ctx, file.ID)
	assert.ErrorIs(t, err, models.ErrFileNotFound)
}

func TestRepairCorrupted(t *testing.T) {
	r, db, _ := newTestReconciler(t, testConfig())
	ctx := context.Background()

	stuck := &models.File{
		Filename: "stuck.bin", MimeType: "image/png",
		Status: models.StatusDeleting,
	}
	stuckID, err := db.CreateFile(ctx, stuck)
	require.NoError(t, err)

	hollow := &models.File{
		Filename: "hollow.bin", MimeType: "image/png",
		Status: models.StatusReady, // ready without a served blob
	}
	hollowID, err := db.CreateFile(ctx, hollow)
	require.NoError(t, err)

	r.RunOnce(ctx)

	repaired, err := db.GetFile(ctx, stuckID)
	require.NoError(t, err)
	assert.NotNil(t, repaired.DeletedAt, "deleting record must gain deleted_at")

	failed, err := db.GetFile(ctx, hollowID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
}

func TestRepairCorruptedSparesInFlightOptimization(t *testing.T) {
	r, db, blobs := newTestReconciler(t, testConfig())
	ctx := context.Background()

	// A ready record with an empty served key is the normal shape of an
	// upload whose optimization has not finished yet.
	originalKey := blob.OriginalKey()
	require.NoError(t, blobs.Put(ctx, originalKey, bytes.NewReader([]byte("raw")), "image/png"))
	pending := models.OptimizationPending
	inFlight := &models.File{
		Filename: "optimizing.png", MimeType: "image/png",
		Status:             models.StatusReady,
		OptimizationStatus: &pending,
		OriginalS3Key:      originalKey,
	}
	id, err := db.CreateFile(ctx, inFlight)
	require.NoError(t, err)

	r.RunOnce(ctx)

	kept, err := db.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, kept.Status)
	assert.Equal(t, models.OptimizationPending, kept.OptStatus())
	assert.True(t, blobs.Exists(originalKey))
}

func TestAgeStuckOptimizations(t *testing.T) {
	cfg := testConfig()
	cfg.StuckOptimizationTimeout = time.Hour
	r, db, _ := newTestReconciler(t, cfg)
	ctx := context.Background()

	startedLongAgo := time.Now().Add(-2 * time.Hour)
	processing := models.OptimizationProcessing
	stuck := &models.File{
		Filename: "abandoned.png", MimeType: "image/png",
		Status:                models.StatusReady,
		OptimizationStatus:    &processing,
		OptimizationStartedAt: &startedLongAgo,
		OriginalS3Key:         blob.OriginalKey(),
	}
	stuckID, err := db.CreateFile(ctx, stuck)
	require.NoError(t, err)

	startedNow := time.Now()
	fresh := &models.File{
		Filename: "working.png", MimeType: "image/png",
		Status:                models.StatusReady,
		OptimizationStatus:    &processing,
		OptimizationStartedAt: &startedNow,
		OriginalS3Key:         blob.OriginalKey(),
	}
	freshID, err := db.CreateFile(ctx, fresh)
	require.NoError(t, err)

	r.RunOnce(ctx)

	failed, err := db.GetFile(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, models.OptimizationFailed, failed.OptStatus())
	assert.NotEmpty(t, failed.OptimizationError)

	kept, err := db.GetFile(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, kept.Status)
	assert.Equal(t, models.OptimizationProcessing, kept.OptStatus())
}

func TestAgeBadStatus(t *testing.T) {
	cfg := testConfig()
	cfg.BadStatusTTL = -time.Second // everything is instantly overdue
	r, db, blobs := newTestReconciler(t, cfg)
	ctx := context.Background()

	file := seedReadyFile(t, db, blobs, "doomed", "image/png")
	require.NoError(t, db.UpdateFileFields(ctx, file.ID, map[string]any{
		"status": models.StatusFailed,
	}))

	r.RunOnce(ctx)

	aged, err := db.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.True(t, aged.SoftDeleted(), "dead record must be handed to the reclaim pass")
}

func TestSweepOrphanedTemp(t *testing.T) {
	cfg := testConfig()
	cfg.TmpTTL = -time.Second
	cfg.OriginalsTTL = -time.Second
	r, db, blobs := newTestReconciler(t, cfg)
	ctx := context.Background()

	// A stalled upload: record plus its staging blob, past the stuck
	// cutoff. One cycle must remove both.
	old := time.Now().Add(-2 * time.Hour)
	stalled := &models.File{
		Filename: "stalled.bin", MimeType: "image/png",
		S3Key: blob.TempKey(), Status: models.StatusUploading,
		CreatedAt: old, StatusChangedAt: old,
	}
	stalledID, err := db.CreateFile(ctx, stalled)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, stalled.S3Key, bytes.NewReader([]byte("partial")), "image/png"))

	// A live upload started just now.
	live := &models.File{
		Filename: "live.bin", MimeType: "image/png",
		S3Key: blob.TempKey(), Status: models.StatusUploading,
	}
	liveID, err := db.CreateFile(ctx, live)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, live.S3Key, bytes.NewReader([]byte("streaming")), "image/png"))

	// A staging object nothing references.
	orphanKey := blob.TempKey()
	require.NoError(t, blobs.Put(ctx, orphanKey, bytes.NewReader([]byte("orphan")), "application/octet-stream"))

	r.RunOnce(ctx)

	_, err = db.GetFile(ctx, stalledID)
	assert.ErrorIs(t, err, models.ErrFileNotFound, "stuck upload must be reclaimed in one cycle")
	assert.False(t, blobs.Exists(stalled.S3Key))

	assert.False(t, blobs.Exists(orphanKey), "unreferenced staging object must be swept")

	kept, err := db.GetFile(ctx, liveID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, kept.Status)
	assert.True(t, blobs.Exists(live.S3Key), "referenced staging object must survive the sweep")
}

func TestSweepClearsFailedStagingKeys(t *testing.T) {
	r, db, blobs := newTestReconciler(t, testConfig())
	ctx := context.Background()

	originalKey := blob.OriginalKey()
	failed := &models.File{
		Filename: "half-optimized.png", MimeType: "image/png",
		OriginalS3Key: originalKey, Status: models.StatusFailed,
	}
	failedID, err := db.CreateFile(ctx, failed)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, originalKey, bytes.NewReader([]byte("original")), "image/png"))

	r.RunOnce(ctx)

	cleared, err := db.GetFile(ctx, failedID)
	require.NoError(t, err)
	assert.Empty(t, cleared.OriginalS3Key)
	assert.False(t, blobs.Exists(originalKey))
}

func TestExpireThumbnails(t *testing.T) {
	cfg := testConfig()
	cfg.ThumbnailsTTL = -time.Second
	r, db, blobs := newTestReconciler(t, cfg)
	ctx := context.Background()

	file := seedReadyFile(t, db, blobs, "thumb-owner", "image/png")
	thumbKey := blob.ThumbKey(file.ID, "ffff", "webp")
	require.NoError(t, blobs.Put(ctx, thumbKey, bytes.NewReader([]byte("cold")), "image/webp"))
	thumb, err := db.CreateThumbnail(ctx, &models.Thumbnail{
		FileID: file.ID, Width: 64, Height: 64, Quality: 75,
		ParamsHash: "ffff", S3Key: thumbKey, S3Bucket: blobs.Bucket(),
		Size: 4, MimeType: "image/webp",
	})
	require.NoError(t, err)

	r.RunOnce(ctx)

	assert.False(t, blobs.Exists(thumbKey))
	_, err = db.GetThumbnail(ctx, file.ID, thumb.ParamsHash)
	assert.ErrorIs(t, err, models.ErrThumbnailNotFound)
}

func TestRunOnceSkipsOverlap(t *testing.T) {
	r, _, _ := newTestReconciler(t, testConfig())

	r.running.Store(true)
	done := make(chan struct{})
	go func() {
		r.RunOnce(context.Background()) // must return immediately
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("overlapping run did not return")
	}
	r.running.Store(false)
}
