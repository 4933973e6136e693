package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bozonx/mediastore/pkg/models"
)

// MemoryStore is an in-memory Store used by unit tests and local
// development. It mirrors the S3 store's semantics: idempotent deletes,
// inclusive byte ranges, server-side copy.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]*memObject

	// Optional failure injection for tests: keys in FailDeletes make
	// Delete/DeleteBatch report an error for that key.
	FailDeletes map[string]bool
}

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]*memObject),
	}
}

// Bucket returns the configured bucket name.
func (s *MemoryStore) Bucket() string {
	return s.bucket
}

// Put stores the full body under key.
func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.objects[key] = &memObject{
		data:        data,
		contentType: contentType,
		modified:    time.Now(),
	}
	s.mu.Unlock()
	return nil
}

// Get opens the blob at key, honoring an optional byte range.
func (s *MemoryStore) Get(ctx context.Context, key string, rng *Range) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrBlobNotFound
	}

	data := obj.data
	total := int64(len(data))
	if rng != nil {
		start := rng.Start
		if start < 0 || start >= total {
			return nil, models.ErrBlobNotFound
		}
		end := total - 1
		if rng.End != nil && *rng.End < end {
			end = *rng.End
		}
		data = data[start : end+1]
	}

	return &Object{
		Body:        io.NopCloser(bytes.NewReader(data)),
		Size:        int64(len(data)),
		TotalSize:   total,
		ContentType: obj.contentType,
		ETag:        etagOf(obj.data),
	}, nil
}

// Head describes the blob at key.
func (s *MemoryStore) Head(ctx context.Context, key string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrBlobNotFound
	}

	return &Info{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		ETag:         etagOf(obj.data),
		LastModified: obj.modified,
	}, nil
}

// Delete removes the blob at key. Absent keys are success.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDeletes[key] {
		return errInjectedDelete
	}
	delete(s.objects, key)
	return nil
}

// DeleteBatch removes all keys, collecting per-key failures.
func (s *MemoryStore) DeleteBatch(ctx context.Context, keys []string) (*BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &BatchResult{Errors: make(map[string]error)}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if s.FailDeletes[key] {
			result.Errors[key] = errInjectedDelete
			continue
		}
		delete(s.objects, key)
		result.Deleted = append(result.Deleted, key)
	}
	return result, nil
}

// Copy duplicates srcKey to dstKey.
func (s *MemoryStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.objects[srcKey]
	if !ok {
		return models.ErrBlobNotFound
	}
	s.objects[dstKey] = &memObject{
		data:        append([]byte(nil), src.data...),
		contentType: src.contentType,
		modified:    time.Now(),
	}
	return nil
}

// List walks keys under prefix in lexical order.
func (s *MemoryStore) List(ctx context.Context, prefix string, _ int32, fn func(info Info) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		info, err := s.Head(ctx, key)
		if err != nil {
			continue // deleted concurrently
		}
		if err := fn(*info); err != nil {
			return err
		}
	}
	return nil
}

// Healthy always succeeds for the in-memory store.
func (s *MemoryStore) Healthy(ctx context.Context) error {
	return ctx.Err()
}

// Exists reports whether a key is present. Test helper.
func (s *MemoryStore) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// Keys returns every stored key, sorted. Test helper.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

var errInjectedDelete = &injectedDeleteError{}

type injectedDeleteError struct{}

func (*injectedDeleteError) Error() string { return "injected delete failure" }
