package service

import (
	"context"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/pkg/store/metadata"
)

// Delete soft-deletes a file. Blob reclamation is deferred to the
// reconciler, which resolves shared content references. Deleting an
// already-deleted file is a no-op success.
func (s *Service) Delete(ctx context.Context, id string) error {
	transitioned, err := s.db.SoftDelete(ctx, id)
	if err != nil {
		return err
	}
	if transitioned {
		logger.InfoCtx(ctx, "file soft-deleted", logger.KeyFileID, id)
	}
	return nil
}

// BulkDeleteResult reports a bulk soft-delete run.
type BulkDeleteResult struct {
	Matched int64 `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dryRun"`
}

// BulkDelete soft-deletes every live file matching the tags, up to
// limit. At least one tag is required so an empty filter can never wipe
// the store. dryRun only counts.
func (s *Service) BulkDelete(ctx context.Context, tags metadata.TagFilter, limit int, dryRun bool) (*BulkDeleteResult, error) {
	if tags.Empty() {
		return nil, ErrMissingTag
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	matched, deleted, err := s.db.BulkSoftDelete(ctx, tags, limit, dryRun)
	if err != nil {
		return nil, err
	}

	if !dryRun && deleted > 0 {
		logger.InfoCtx(ctx, "bulk soft-delete",
			logger.KeyDeleted, deleted)
	}
	return &BulkDeleteResult{Matched: matched, Deleted: deleted, DryRun: dryRun}, nil
}
