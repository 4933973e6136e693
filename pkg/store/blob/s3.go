package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/pkg/models"
)

// deleteBatchMax is the S3 DeleteObjects per-request limit.
const deleteBatchMax = 1000

// S3Store implements Store against Amazon S3 or an S3-compatible backend
// (MinIO, localstack, Ceph RGW).
//
// Uploads of unknown length go through the SDK upload manager, which
// switches to multipart automatically above the part size. All other
// operations are single SDK calls. The store is safe for concurrent use.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// S3Config configures an S3Store.
type S3Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket is the bucket name. It must already exist.
	Bucket string

	// PartSize controls the upload manager's multipart threshold and part
	// size. Must be at least 5MB. Default: 5MB.
	PartSize int64

	// Concurrency is the number of parallel part uploads. Default: 4.
	Concurrency int
}

// NewClient creates an S3 client from flat configuration parameters.
// This is the helper used when wiring the store from YAML configuration.
func NewClient(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"", // session token (empty for static credentials)
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// NewS3Store creates a new S3-backed blob store and verifies bucket access.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = 5 * 1024 * 1024 // S3 minimum
	}
	if partSize < 5*1024*1024 {
		return nil, fmt.Errorf("part size must be at least 5MB, got %d bytes", partSize)
	}

	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = 4
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	uploader := manager.NewUploader(cfg.Client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})

	return &S3Store{
		client:   cfg.Client,
		uploader: uploader,
		bucket:   cfg.Bucket,
	}, nil
}

// Bucket returns the bucket name this store writes to.
func (s *S3Store) Bucket() string {
	return s.bucket
}

// Put streams body to the given key. The length does not need to be known
// in advance; the upload manager buffers one part at a time and switches
// to multipart for bodies larger than the part size. On context
// cancellation the manager aborts any outstanding multipart upload.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %q: %w", key, err)
	}
	return nil
}

// Get opens the blob at key, optionally restricted to a byte range.
func (s *S3Store) Get(ctx context.Context, key string, rng *Range) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		input.Range = aws.String(rng.header())
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, models.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}

	obj := &Object{
		Body:        out.Body,
		Size:        aws.ToInt64(out.ContentLength),
		TotalSize:   aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
	}

	// For range reads the total size comes from Content-Range: "bytes a-b/total".
	if cr := aws.ToString(out.ContentRange); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if total, perr := strconv.ParseInt(cr[i+1:], 10, 64); perr == nil {
				obj.TotalSize = total
			}
		}
	}

	return obj, nil
}

// Head describes the blob at key without opening it.
func (s *S3Store) Head(ctx context.Context, key string) (*Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, models.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to head %q: %w", key, err)
	}

	return &Info{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Delete removes the blob at key. Deleting an absent key is success.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// DeleteBatch removes up to thousands of keys using DeleteObjects in
// chunks of 1000. Keys already absent count as deleted. Per-key failures
// are collected in the result rather than aborting the batch.
func (s *S3Store) DeleteBatch(ctx context.Context, keys []string) (*BatchResult, error) {
	result := &BatchResult{Errors: make(map[string]error)}
	if len(keys) == 0 {
		return result, nil
	}

	for start := 0; start < len(keys); start += deleteBatchMax {
		end := min(start+deleteBatchMax, len(keys))
		chunk := keys[start:end]

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		objects := make([]types.ObjectIdentifier, len(chunk))
		for i, key := range chunk {
			objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			// Whole-request failure: every key in the chunk is unresolved.
			for _, key := range chunk {
				result.Errors[key] = err
			}
			logger.Warn("batch delete request failed",
				logger.KeyBucket, s.bucket,
				logger.KeyBatch, len(chunk),
				logger.KeyError, err)
			continue
		}

		for _, deleted := range out.Deleted {
			result.Deleted = append(result.Deleted, aws.ToString(deleted.Key))
		}
		for _, derr := range out.Errors {
			key := aws.ToString(derr.Key)
			code := aws.ToString(derr.Code)
			if code == "NoSuchKey" || code == "NotFound" {
				// Already gone counts as reclaimed.
				result.Deleted = append(result.Deleted, key)
				continue
			}
			result.Errors[key] = fmt.Errorf("delete %q: %s: %s", key, code, aws.ToString(derr.Message))
		}
	}

	return result, nil
}

// Copy performs a server-side copy from srcKey to dstKey within the bucket.
func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	source := s.bucket + "/" + srcKey
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(source)),
	})
	if err != nil {
		if isNotFound(err) {
			return models.ErrBlobNotFound
		}
		return fmt.Errorf("failed to copy %q to %q: %w", srcKey, dstKey, err)
	}
	return nil
}

// List walks every blob under prefix, invoking fn per object. Returning an
// error from fn stops the walk.
func (s *S3Store) List(ctx context.Context, prefix string, pageSize int32, fn func(info Info) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(pageSize),
	})

	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			info := Info{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				LastModified: aws.ToTime(obj.LastModified),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}

	return nil
}

// Healthy verifies bucket access with a HeadBucket call.
func (s *S3Store) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %q not accessible: %w", s.bucket, err)
	}
	return nil
}

// header renders the range as an HTTP Range header value.
func (r *Range) header() string {
	if r.End != nil {
		return fmt.Sprintf("bytes=%d-%d", r.Start, *r.End)
	}
	return fmt.Sprintf("bytes=%d-", r.Start)
}

// isNotFound reports whether err is any of the S3 "object absent" shapes.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
