package service

import "errors"

// Typed errors returned by service operations. The HTTP layer maps them
// to status codes; background workers log them.
var (
	// ErrTooLarge means the payload exceeded its MIME-family size ceiling.
	ErrTooLarge = errors.New("file exceeds size limit")

	// ErrBlockedMime means the detected MIME type is on a deny list.
	ErrBlockedMime = errors.New("file type is not allowed")

	// ErrMissingTag means a bulk operation was called without any tag.
	ErrMissingTag = errors.New("at least one of appId, userId, purpose is required")

	// ErrNotImage means a thumbnail was requested for a non-image file.
	ErrNotImage = errors.New("file is not an image")

	// ErrWaitTimeout means the optimization wait loop exhausted its budget.
	ErrWaitTimeout = errors.New("timed out waiting for optimization")

	// ErrOptimizationFailed means the file's optimization ended in failure
	// and the file cannot be served.
	ErrOptimizationFailed = errors.New("optimization failed")

	// ErrInvalidRange means the requested byte range cannot be satisfied.
	ErrInvalidRange = errors.New("invalid byte range")
)
