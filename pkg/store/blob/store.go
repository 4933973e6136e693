// Package blob provides access to the S3-compatible blob backend and the
// storage key layout shared by the upload pipeline, the optimization
// engine, and the cleanup reconciler.
package blob

import (
	"context"
	"io"
	"time"
)

// Range is a byte range request against a blob, inclusive on both ends
// like an HTTP Range header. A nil *Range means the whole object.
type Range struct {
	Start int64
	// End is the inclusive last byte, or nil for "to the end".
	End *int64
}

// Object is an open blob stream plus the metadata needed to serve it.
// Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64 // bytes in Body (the range size for range reads)
	TotalSize   int64 // full object size
	ContentType string
	ETag        string
}

// Info describes a blob without opening it.
type Info struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// BatchResult reports the per-key outcome of a batch delete. A key absent
// from storage counts as deleted.
type BatchResult struct {
	Deleted []string
	Errors  map[string]error
}

// AllDeleted reports whether every requested key was reclaimed.
func (r *BatchResult) AllDeleted() bool {
	return len(r.Errors) == 0
}

// WasDeleted reports whether a specific key was reclaimed.
func (r *BatchResult) WasDeleted(key string) bool {
	_, failed := r.Errors[key]
	return !failed
}

// Store is the blob backend contract.
//
// Put streams content of unknown length; Get honors byte ranges; Delete
// and DeleteBatch are idempotent (absent keys are success). Copy is a
// server-side copy used for content-addressed promotion.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, key string, rng *Range) (*Object, error)
	Head(ctx context.Context, key string) (*Info, error)
	Delete(ctx context.Context, key string) error
	DeleteBatch(ctx context.Context, keys []string) (*BatchResult, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	List(ctx context.Context, prefix string, pageSize int32, fn func(info Info) error) error
	Bucket() string
	Healthy(ctx context.Context) error
}
