package s3fs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 is an in-memory API used by tests.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	uploads map[string]map[int32][]byte
	calls   []string
	nextID  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets: map[string]map[string][]byte{},
		uploads: map[string]map[int32][]byte{},
	}
}

func (f *fakeS3) record(op string) {
	f.calls = append(f.calls, op)
}

func (f *fakeS3) called(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeS3) bucket(name string) (map[string][]byte, error) {
	b, ok := f.buckets[name]
	if !ok {
		return nil, &types.NoSuchBucket{Message: aws.String(name)}
	}
	return b, nil
}

func (f *fakeS3) ListBuckets(ctx context.Context, in *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListBuckets")
	out := &s3.ListBucketsOutput{}
	for name := range f.buckets {
		out.Buckets = append(out.Buckets, types.Bucket{Name: aws.String(name), CreationDate: aws.Time(time.Unix(0, 0))})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("HeadBucket")
	if _, ok := f.buckets[aws.ToString(in.Bucket)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateBucket")
	name := aws.ToString(in.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, &types.BucketAlreadyOwnedByYou{}
	}
	f.buckets[name] = map[string][]byte{}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteBucket")
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	if len(b) > 0 {
		return nil, &smithy.GenericAPIError{Code: "BucketNotEmpty"}
	}
	delete(f.buckets, aws.ToString(in.Bucket))
	return &s3.DeleteBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("HeadObject")
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	data, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), LastModified: aws.Time(time.Unix(0, 0))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetObject")
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	data, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if r := aws.ToString(in.Range); r != "" {
		var start int
		if _, err := fmt.Sscanf(r, "bytes=%d-", &start); err != nil || start > len(data) {
			return nil, &smithy.GenericAPIError{Code: "InvalidRange"}
		}
		data = data[start:]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutObject")
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	b[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CopyObject")
	srcBucket, escaped, _ := strings.Cut(aws.ToString(in.CopySource), "/")
	srcKey, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, err
	}
	src, err := f.bucket(srcBucket)
	if err != nil {
		return nil, err
	}
	data, ok := src[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	dst, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	dst[aws.ToString(in.Key)] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteObject")
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	delete(b, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListObjectsV2")
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	prefix, delim := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	prefixes := map[string]bool{}
	limit := int(aws.ToInt32(in.MaxKeys))
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		if limit > 0 && len(out.Contents)+len(out.CommonPrefixes) >= limit {
			break
		}
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !prefixes[cp] {
					prefixes[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(b[k]))),
			LastModified: aws.Time(time.Unix(0, 0)),
		})
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateMultipartUpload")
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UploadPart")
	parts, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	num := aws.ToInt32(in.PartNumber)
	parts[num] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", num))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CompleteMultipartUpload")
	id := aws.ToString(in.UploadId)
	parts, ok := f.uploads[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	var data []byte
	for _, p := range in.MultipartUpload.Parts {
		data = append(data, parts[aws.ToInt32(p.PartNumber)]...)
	}
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	b[aws.ToString(in.Key)] = data
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AbortMultipartUpload")
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

var _ API = (*fakeS3)(nil)
