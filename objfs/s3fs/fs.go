package s3fs

import (
	"bytes"
	"context"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jpillora/sftpcloudfs/objfs"
)

type s3FS struct {
	api     API
	config  Config
	metrics Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewFS wraps an already authenticated client.
func NewFS(api API, c Config) objfs.FS {
	if c.PartSize < minPartSize {
		c.PartSize = minPartSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &s3FS{api: api, config: c, metrics: c.Metrics, ctx: ctx, cancel: cancel}
}

// call bounds one API call and records it.
func (f *s3FS) call(op string, fn func(ctx context.Context) error) error {
	ctx := f.ctx
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	observe(f.metrics, op, start, err)
	return err
}

func (f *s3FS) Stat(p string) (fs.FileInfo, error) {
	bucket, key := objfs.Split(p)
	if bucket == "" {
		return objfs.NewInfo("/", 0, true, time.Time{}), nil
	}
	if key == "" {
		err := f.call("HeadBucket", func(ctx context.Context) error {
			_, err := f.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
			return err
		})
		if err != nil {
			return nil, classify("stat", p, err)
		}
		return objfs.NewInfo(bucket, 0, true, time.Time{}), nil
	}
	name := path.Base(key)
	var head *s3.HeadObjectOutput
	err := f.call("HeadObject", func(ctx context.Context) (err error) {
		head, err = f.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		return err
	})
	if err == nil {
		return objfs.NewInfo(name, aws.ToInt64(head.ContentLength), false, aws.ToTime(head.LastModified)), nil
	}
	if err = classify("stat", p, err); objfs.KindOf(err) != objfs.KindNotFound {
		return nil, err
	}
	// pseudo-directory: a marker object or any key below the prefix
	var out *s3.ListObjectsV2Output
	err = f.call("ListObjectsV2", func(ctx context.Context) (err error) {
		out, err = f.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(bucket),
			Prefix:  aws.String(key + "/"),
			MaxKeys: aws.Int32(1),
		})
		return err
	})
	if err != nil {
		return nil, classify("stat", p, err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return nil, objfs.PathErr("stat", p, objfs.ErrNotFound)
	}
	var mtime time.Time
	if len(out.Contents) > 0 {
		mtime = aws.ToTime(out.Contents[0].LastModified)
	}
	return objfs.NewInfo(name, 0, true, mtime), nil
}

func (f *s3FS) IsDir(p string) bool {
	fi, err := f.Stat(p)
	return err == nil && fi.IsDir()
}

func (f *s3FS) IsFile(p string) bool {
	fi, err := f.Stat(p)
	return err == nil && !fi.IsDir()
}

func (f *s3FS) ListWithStat(p string) ([]fs.FileInfo, error) {
	fi, err := f.Stat(p)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, objfs.PathErr("list", p, objfs.ErrNotDir)
	}
	bucket, key := objfs.Split(p)
	if bucket == "" {
		var out *s3.ListBucketsOutput
		err := f.call("ListBuckets", func(ctx context.Context) (err error) {
			out, err = f.api.ListBuckets(ctx, &s3.ListBucketsInput{})
			return err
		})
		if err != nil {
			return nil, classify("list", p, err)
		}
		list := make([]fs.FileInfo, 0, len(out.Buckets))
		for _, b := range out.Buckets {
			list = append(list, objfs.NewInfo(aws.ToString(b.Name), 0, true, aws.ToTime(b.CreationDate)))
		}
		sortInfos(list)
		return list, nil
	}
	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	seen := map[string]fs.FileInfo{}
	paginator := s3.NewListObjectsV2Paginator(f.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := f.call("ListObjectsV2", func(ctx context.Context) (err error) {
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, classify("list", p, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				seen[name] = objfs.NewInfo(name, 0, true, time.Time{})
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			if _, isDir := seen[name]; !isDir {
				seen[name] = objfs.NewInfo(name, aws.ToInt64(obj.Size), false, aws.ToTime(obj.LastModified))
			}
		}
	}
	list := make([]fs.FileInfo, 0, len(seen))
	for _, fi := range seen {
		list = append(list, fi)
	}
	sortInfos(list)
	return list, nil
}

func sortInfos(list []fs.FileInfo) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
}

func (f *s3FS) Mkdir(p string) error {
	bucket, key := objfs.Split(p)
	if bucket == "" {
		return objfs.PathErr("mkdir", p, objfs.ErrExists)
	}
	if key == "" {
		err := f.call("CreateBucket", func(ctx context.Context) error {
			_, err := f.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
			return err
		})
		return classify("mkdir", p, err)
	}
	if _, err := f.Stat(p); err == nil {
		return objfs.PathErr("mkdir", p, objfs.ErrExists)
	} else if objfs.KindOf(err) != objfs.KindNotFound {
		return err
	}
	if err := f.checkParent("mkdir", p); err != nil {
		return err
	}
	err := f.call("PutObject", func(ctx context.Context) error {
		_, err := f.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key + "/"),
			Body:   bytes.NewReader(nil),
		})
		return err
	})
	return classify("mkdir", p, err)
}

func (f *s3FS) Rmdir(p string) error {
	bucket, key := objfs.Split(p)
	if bucket == "" {
		return objfs.PathErr("rmdir", p, objfs.ErrPermission)
	}
	fi, err := f.Stat(p)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return objfs.PathErr("rmdir", p, objfs.ErrNotDir)
	}
	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	var out *s3.ListObjectsV2Output
	err = f.call("ListObjectsV2", func(ctx context.Context) (err error) {
		out, err = f.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(2),
		})
		return err
	})
	if err != nil {
		return classify("rmdir", p, err)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != prefix {
			return objfs.PathErr("rmdir", p, objfs.ErrNotEmpty)
		}
	}
	if key == "" {
		err = f.call("DeleteBucket", func(ctx context.Context) error {
			_, err := f.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
			return err
		})
		return classify("rmdir", p, err)
	}
	return f.deleteObject("rmdir", p, bucket, prefix)
}

func (f *s3FS) Remove(p string) error {
	bucket, key := objfs.Split(p)
	fi, err := f.Stat(p)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return objfs.PathErr("remove", p, objfs.ErrIsDir)
	}
	return f.deleteObject("remove", p, bucket, key)
}

func (f *s3FS) deleteObject(op, p, bucket, key string) error {
	err := f.call("DeleteObject", func(ctx context.Context) error {
		_, err := f.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		return err
	})
	return classify(op, p, err)
}

// Rename copies then deletes. Only objects can be renamed.
func (f *s3FS) Rename(oldpath, newpath string) error {
	ob, okey := objfs.Split(oldpath)
	nb, nkey := objfs.Split(newpath)
	if okey == "" || nkey == "" {
		return objfs.PathErr("rename", oldpath, objfs.ErrUnsupported)
	}
	fi, err := f.Stat(oldpath)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return objfs.PathErr("rename", oldpath, objfs.ErrUnsupported)
	}
	if f.IsDir(newpath) {
		return objfs.PathErr("rename", newpath, objfs.ErrIsDir)
	}
	if err := f.checkParent("rename", newpath); err != nil {
		return err
	}
	err = f.call("CopyObject", func(ctx context.Context) error {
		_, err := f.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(nb),
			Key:        aws.String(nkey),
			CopySource: aws.String(copySource(ob, okey)),
		})
		return err
	})
	if err != nil {
		return classify("rename", oldpath, err)
	}
	return f.deleteObject("rename", oldpath, ob, okey)
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func (f *s3FS) Open(p string, mode objfs.Mode) (objfs.File, error) {
	bucket, key := objfs.Split(p)
	if key == "" {
		// objects live inside a container
		if bucket == "" || mode.Write {
			return nil, objfs.PathErr("open", p, objfs.ErrContainerRequired)
		}
		if _, err := f.Stat(p); err != nil {
			return nil, err
		}
		return nil, objfs.PathErr("open", p, objfs.ErrIsDir)
	}
	if mode.Read && mode.Write || mode.Append {
		return nil, objfs.PathErr("open", p, objfs.ErrUnsupported)
	}
	fi, err := f.Stat(p)
	if err == nil && fi.IsDir() {
		return nil, objfs.PathErr("open", p, objfs.ErrIsDir)
	}
	if !mode.Write {
		if err != nil {
			return nil, err
		}
		return &reader{fs: f, path: p, bucket: bucket, key: key, size: fi.Size()}, nil
	}
	if err != nil && objfs.KindOf(err) != objfs.KindNotFound {
		return nil, err
	}
	if err := f.checkParent("open", p); err != nil {
		return nil, err
	}
	return &writer{fs: f, path: p, bucket: bucket, key: key}, nil
}

func (f *s3FS) checkParent(op, p string) error {
	parent := objfs.Dir(p)
	fi, err := f.Stat(parent)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return objfs.PathErr(op, parent, objfs.ErrNotDir)
	}
	return nil
}

func (f *s3FS) Abspath(p string) string {
	return objfs.Clean(p)
}

func (f *s3FS) Normpath(p string) string {
	return path.Clean(p)
}

func (f *s3FS) Close() error {
	f.cancel()
	return nil
}
