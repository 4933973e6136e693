// Package problems classifies File records that violate structural
// invariants into operator-readable findings. It is read-only: detection
// never mutates records, it only reports what the reconciler and the
// operators should look at.
package problems

import (
	"fmt"
	"time"

	"github.com/bozonx/mediastore/pkg/models"
)

// Problem codes.
const (
	CodeStatusFailed       = "status_failed"
	CodeStatusMissing      = "status_missing"
	CodeUploadStuck        = "upload_stuck"
	CodeDeleteStuck        = "delete_stuck"
	CodeDeletedAtMismatch  = "deleted_at_mismatch"
	CodeDeletedAtMissing   = "deleted_at_missing"
	CodeS3KeyMissing       = "s3_key_missing"
	CodeChecksumMissing    = "checksum_missing"
	CodeSizeMissing        = "size_missing"
	CodeUploadedAtMissing  = "uploaded_at_missing"
	CodeOptimizationFailed = "optimization_failed"
	CodeOptimizationStuck  = "optimization_stuck"
)

// Problem is one operator finding on a record.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Config sets the aging cutoffs for the stuck-state checks.
type Config struct {
	StuckUploadTimeout       time.Duration
	StuckDeleteTimeout       time.Duration
	StuckOptimizationTimeout time.Duration
}

// Detector inspects File records against the structural invariants.
type Detector struct {
	config Config
}

// New creates a problem detector.
func New(config Config) *Detector {
	return &Detector{config: config}
}

// Inspect returns every problem found on the record, in stable order.
// An empty slice means the record is structurally sound.
func (d *Detector) Inspect(file *models.File, now time.Time) []Problem {
	var found []Problem

	switch file.Status {
	case models.StatusFailed:
		msg := "upload or optimization failed"
		if file.OptimizationError != "" {
			msg = fmt.Sprintf("failed: %s", file.OptimizationError)
		}
		found = append(found, Problem{Code: CodeStatusFailed, Message: msg})

	case models.StatusMissing:
		found = append(found, Problem{
			Code:    CodeStatusMissing,
			Message: "blob reported absent from storage",
		})

	case models.StatusUploading:
		if d.config.StuckUploadTimeout > 0 && now.Sub(file.StatusChangedAt) > d.config.StuckUploadTimeout {
			found = append(found, Problem{
				Code:    CodeUploadStuck,
				Message: fmt.Sprintf("uploading since %s", file.StatusChangedAt.Format(time.RFC3339)),
			})
		}

	case models.StatusDeleting:
		if d.config.StuckDeleteTimeout > 0 && now.Sub(file.StatusChangedAt) > d.config.StuckDeleteTimeout {
			found = append(found, Problem{
				Code:    CodeDeleteStuck,
				Message: fmt.Sprintf("deleting since %s", file.StatusChangedAt.Format(time.RFC3339)),
			})
		}
		if file.DeletedAt == nil {
			found = append(found, Problem{
				Code:    CodeDeletedAtMissing,
				Message: "status is deleting but deleted_at is not set",
			})
		}
	}

	// A soft-deleted record must be on the deletion path.
	if file.DeletedAt != nil &&
		file.Status != models.StatusDeleting && file.Status != models.StatusDeleted {
		found = append(found, Problem{
			Code:    CodeDeletedAtMismatch,
			Message: fmt.Sprintf("deleted_at is set but status is %s", file.Status),
		})
	}

	// Ready records must carry their full served identity. While an
	// optimization is in flight the identity is legitimately empty: the
	// record is promoted to ready before the optimized blob lands.
	if file.Status == models.StatusReady && !file.OptStatus().InFlight() {
		if file.S3Key == "" {
			found = append(found, Problem{Code: CodeS3KeyMissing, Message: "ready record has no storage key"})
		}
		if file.Checksum == nil || *file.Checksum == "" {
			found = append(found, Problem{Code: CodeChecksumMissing, Message: "ready record has no checksum"})
		}
		if file.Size == nil {
			found = append(found, Problem{Code: CodeSizeMissing, Message: "ready record has no size"})
		}
		if file.UploadedAt == nil {
			found = append(found, Problem{Code: CodeUploadedAtMissing, Message: "ready record has no upload timestamp"})
		}
	}

	switch file.OptStatus() {
	case models.OptimizationFailed:
		msg := "optimization failed"
		if file.OptimizationError != "" {
			msg = fmt.Sprintf("optimization failed: %s", file.OptimizationError)
		}
		found = append(found, Problem{Code: CodeOptimizationFailed, Message: msg})

	case models.OptimizationPending, models.OptimizationProcessing:
		since := file.StatusChangedAt
		if file.OptimizationStartedAt != nil {
			since = *file.OptimizationStartedAt
		}
		if d.config.StuckOptimizationTimeout > 0 && now.Sub(since) > d.config.StuckOptimizationTimeout {
			found = append(found, Problem{
				Code:    CodeOptimizationStuck,
				Message: fmt.Sprintf("optimization %s since %s", file.OptStatus(), since.Format(time.RFC3339)),
			})
		}
	}

	return found
}
