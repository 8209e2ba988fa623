// Package s3fs implements objfs.Backend on top of S3 compatible object
// storage. Buckets are containers; directories are "name/" marker objects
// or common prefixes.
package s3fs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/jpillora/sftpcloudfs/objfs"
)

// Config holds configuration for the S3 backend.
type Config struct {
	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string `yaml:"endpoint"`
	// Region is the signing region.
	Region string `yaml:"region"`
	// PathStyle forces path-style addressing (required for MinIO/Localstack).
	PathStyle bool `yaml:"path-style"`
	// PartSize is the multipart upload part size in bytes.
	PartSize int64 `yaml:"part-size"`
	// Timeout bounds each API call (0 disables).
	Timeout time.Duration `yaml:"timeout"`
	// Metrics observes API calls. May be nil.
	Metrics Metrics `yaml:"-"`
}

// minimum S3 multipart part size
const minPartSize = 5 << 20

// Metrics observes S3 operations.
type Metrics interface {
	ObserveOperation(operation string, duration time.Duration, err error)
	RecordBytes(operation string, bytes int64)
}

// API is the subset of *s3.Client used by this package.
type API interface {
	ListBuckets(ctx context.Context, in *s3.ListBucketsInput, opts ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, opts ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ API = (*s3.Client)(nil)

// Backend authenticates users as S3 access keys.
type Backend struct {
	config Config
	dial   func(ctx context.Context, user, secret string) (API, error)
}

// New creates a Backend. The username is used as the access key id and the
// password as the secret access key.
func New(c Config) *Backend {
	if c.PartSize < minPartSize {
		c.PartSize = minPartSize
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	b := &Backend{config: c}
	b.dial = b.newClient
	return b
}

func (b *Backend) newClient(ctx context.Context, user, secret string) (API, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(b.config.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(user, secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if b.config.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(b.config.Endpoint)
		})
	}
	if b.config.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Authenticate implements objfs.Backend. Credentials are verified with a
// ListBuckets call.
func (b *Backend) Authenticate(ctx context.Context, user, secret string) (objfs.FS, error) {
	if user == "" || secret == "" {
		return nil, fmt.Errorf("empty credentials: %w", objfs.ErrAuth)
	}
	api, err := b.dial(ctx, user, secret)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	_, err = api.ListBuckets(ctx, &s3.ListBucketsInput{})
	observe(b.config.Metrics, "ListBuckets", start, err)
	if err != nil {
		if k := objfs.KindOf(classify("auth", user, err)); k == objfs.KindAuth || k == objfs.KindPermission {
			return nil, fmt.Errorf("user %q: %w", user, objfs.ErrAuth)
		}
		return nil, fmt.Errorf("s3 list buckets: %w", err)
	}
	return NewFS(api, b.config), nil
}

func observe(m Metrics, op string, start time.Time, err error) {
	if m != nil {
		m.ObserveOperation(op, time.Since(start), err)
	}
}

func recordBytes(m Metrics, op string, n int) {
	if m != nil && n > 0 {
		m.RecordBytes(op, int64(n))
	}
}

// classify maps S3 API errors onto objfs error kinds.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
		ownedByYou   *types.BucketAlreadyOwnedByYou
		exists       *types.BucketAlreadyExists
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound), errors.As(err, &noSuchBucket):
		return objfs.PathErr(op, path, objfs.ErrNotFound)
	case errors.As(err, &ownedByYou), errors.As(err, &exists):
		return objfs.PathErr(op, path, objfs.ErrExists)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "404":
			return objfs.PathErr(op, path, objfs.ErrNotFound)
		case "AccessDenied", "Forbidden", "403":
			return objfs.PathErr(op, path, objfs.ErrPermission)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return objfs.PathErr(op, path, objfs.ErrAuth)
		case "BucketNotEmpty":
			return objfs.PathErr(op, path, objfs.ErrNotEmpty)
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return objfs.PathErr(op, path, objfs.ErrExists)
		case "InvalidBucketName":
			return objfs.PathErr(op, path, objfs.ErrInvalid)
		}
	}
	if strings.Contains(err.Error(), "StatusCode: 404") {
		return objfs.PathErr(op, path, objfs.ErrNotFound)
	}
	return fmt.Errorf("s3 %s %s: %w", op, path, err)
}
