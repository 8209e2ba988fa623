package s3fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	mu    sync.Mutex
	ops   map[string]int
	bytes map[string]int64
}

func (m *recordingMetrics) ObserveOperation(op string, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
}

func (m *recordingMetrics) RecordBytes(op string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes[op] += n
}

func newTestFS(t *testing.T) (*fakeS3, objfs.FS, *recordingMetrics) {
	t.Helper()
	fake := newFakeS3()
	m := &recordingMetrics{ops: map[string]int{}, bytes: map[string]int64{}}
	fsys := NewFS(fake, Config{Metrics: m})
	t.Cleanup(func() { fsys.Close() })
	return fake, fsys, m
}

func writeFile(t *testing.T, fsys objfs.FS, p string, data []byte) {
	t.Helper()
	f, err := fsys.Open(p, objfs.Mode{Write: true})
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want objfs.Kind
	}{
		{&types.NoSuchKey{}, objfs.KindNotFound},
		{&types.NotFound{}, objfs.KindNotFound},
		{&types.NoSuchBucket{}, objfs.KindNotFound},
		{&types.BucketAlreadyOwnedByYou{}, objfs.KindExists},
		{&smithy.GenericAPIError{Code: "AccessDenied"}, objfs.KindPermission},
		{&smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, objfs.KindAuth},
		{&smithy.GenericAPIError{Code: "BucketNotEmpty"}, objfs.KindNotEmpty},
		{errors.New("connection reset"), objfs.KindOther},
	}
	for _, tt := range tests {
		got := objfs.KindOf(classify("op", "/b/k", tt.err))
		assert.Equal(t, tt.want, got, "classify(%v)", tt.err)
	}
	assert.NoError(t, classify("op", "/b/k", nil))
}

func TestAuthenticate(t *testing.T) {
	fake := newFakeS3()
	b := New(Config{})
	b.dial = func(ctx context.Context, user, secret string) (API, error) {
		if secret != "good" {
			return &denyingAPI{fake}, nil
		}
		return fake, nil
	}
	ctx := context.Background()
	_, err := b.Authenticate(ctx, "key", "")
	assert.ErrorIs(t, err, objfs.ErrAuth)
	_, err = b.Authenticate(ctx, "key", "bad")
	assert.ErrorIs(t, err, objfs.ErrAuth)
	fsys, err := b.Authenticate(ctx, "key", "good")
	require.NoError(t, err)
	require.NoError(t, fsys.Close())
}

type denyingAPI struct{ *fakeS3 }

func (d *denyingAPI) ListBuckets(context.Context, *s3.ListBucketsInput, ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	return nil, &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}
}

func TestDirectoriesAndListing(t *testing.T) {
	_, fsys, _ := newTestFS(t)
	require.NoError(t, fsys.Mkdir("/bucket"))
	assert.ErrorIs(t, fsys.Mkdir("/bucket"), objfs.ErrExists)
	require.NoError(t, fsys.Mkdir("/bucket/dir"))
	assert.ErrorIs(t, fsys.Mkdir("/bucket/dir"), objfs.ErrExists)
	assert.ErrorIs(t, fsys.Mkdir("/bucket/nope/sub"), objfs.ErrNotFound)

	writeFile(t, fsys, "/bucket/dir/a.txt", []byte("abcde"))
	writeFile(t, fsys, "/bucket/top", []byte("x"))

	assert.True(t, fsys.IsDir("/bucket/dir"))
	assert.True(t, fsys.IsFile("/bucket/dir/a.txt"))

	list, err := fsys.ListWithStat("/bucket")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "dir", list[0].Name())
	assert.True(t, list[0].IsDir())
	assert.Equal(t, "top", list[1].Name())
	assert.EqualValues(t, 1, list[1].Size())

	list, err = fsys.ListWithStat("/bucket/dir")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a.txt", list[0].Name())

	root, err := fsys.ListWithStat("/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "bucket", root[0].Name())

	_, err = fsys.ListWithStat("/bucket/top")
	assert.ErrorIs(t, err, objfs.ErrNotDir)

	assert.ErrorIs(t, fsys.Rmdir("/bucket/dir"), objfs.ErrNotEmpty)
	assert.ErrorIs(t, fsys.Remove("/bucket/dir"), objfs.ErrIsDir)
	require.NoError(t, fsys.Remove("/bucket/dir/a.txt"))
	require.NoError(t, fsys.Rmdir("/bucket/dir"))
	assert.False(t, fsys.IsDir("/bucket/dir"))
	assert.ErrorIs(t, fsys.Rmdir("/bucket"), objfs.ErrNotEmpty)
	require.NoError(t, fsys.Remove("/bucket/top"))
	require.NoError(t, fsys.Rmdir("/bucket"))
	_, err = fsys.Stat("/bucket")
	assert.ErrorIs(t, err, objfs.ErrNotFound)
}

func TestReadSeek(t *testing.T) {
	fake, fsys, m := newTestFS(t)
	require.NoError(t, fsys.Mkdir("/b"))
	writeFile(t, fsys, "/b/obj", []byte("Hello world"))

	f, err := fsys.Open("/b/obj", objfs.Mode{Read: true})
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(buf))

	_, err = f.(io.Seeker).Seek(6, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "world", string(rest))
	require.NoError(t, f.Close())
	assert.Equal(t, 2, fake.called("GetObject"))
	assert.EqualValues(t, 10, m.bytes["read"])
	assert.NotZero(t, m.ops["HeadObject"])

	_, err = fsys.Open("/b/missing", objfs.Mode{Read: true})
	assert.ErrorIs(t, err, objfs.ErrNotFound)
	_, err = fsys.Open("/b", objfs.Mode{Read: true})
	assert.ErrorIs(t, err, objfs.ErrIsDir)
	_, err = fsys.Open("/obj", objfs.Mode{Write: true})
	assert.ErrorIs(t, err, objfs.ErrContainerRequired)
	_, err = fsys.Open("/b", objfs.Mode{Write: true})
	assert.ErrorIs(t, err, objfs.ErrContainerRequired)
	_, err = fsys.Open("/nope", objfs.Mode{Read: true})
	assert.ErrorIs(t, err, objfs.ErrNotFound)
	_, err = fsys.Open("/b/obj", objfs.Mode{Read: true, Write: true})
	assert.ErrorIs(t, err, objfs.ErrUnsupported)
}

func TestMultipartUpload(t *testing.T) {
	fake, fsys, _ := newTestFS(t)
	require.NoError(t, fsys.Mkdir("/b"))
	data := bytes.Repeat([]byte("0123456789"), (2*minPartSize+minPartSize/2)/10)

	f, err := fsys.Open("/b/big", objfs.Mode{Write: true})
	require.NoError(t, err)
	for chunk := data; len(chunk) > 0; {
		n := min(len(chunk), 64<<10)
		_, err := f.Write(chunk[:n])
		require.NoError(t, err)
		chunk = chunk[n:]
	}
	require.NoError(t, f.Close())

	assert.Equal(t, 1, fake.called("CreateMultipartUpload"))
	assert.Equal(t, 3, fake.called("UploadPart"))
	assert.Equal(t, 1, fake.called("CompleteMultipartUpload"))
	assert.Equal(t, 0, fake.called("PutObject"))

	fi, err := fsys.Stat("/b/big")
	require.NoError(t, err)
	assert.EqualValues(t, len(data), fi.Size())
	assert.True(t, bytes.Equal(data, fake.buckets["b"]["big"]))
}

func TestAbort(t *testing.T) {
	fake, fsys, _ := newTestFS(t)
	require.NoError(t, fsys.Mkdir("/b"))
	f, err := fsys.Open("/b/partial", objfs.Mode{Write: true})
	require.NoError(t, err)
	_, err = f.Write(make([]byte, minPartSize+1))
	require.NoError(t, err)
	require.NoError(t, f.(objfs.Aborter).Abort())
	require.NoError(t, f.Close())
	assert.Equal(t, 1, fake.called("AbortMultipartUpload"))
	assert.Equal(t, 0, fake.called("CompleteMultipartUpload"))
	assert.False(t, fsys.IsFile("/b/partial"))
}

func TestRename(t *testing.T) {
	_, fsys, _ := newTestFS(t)
	require.NoError(t, fsys.Mkdir("/b"))
	require.NoError(t, fsys.Mkdir("/b/d"))
	writeFile(t, fsys, "/b/my file", []byte("A"))

	require.NoError(t, fsys.Rename("/b/my file", "/b/d/renamed"))
	assert.False(t, fsys.IsFile("/b/my file"))
	assert.True(t, fsys.IsFile("/b/d/renamed"))
	assert.ErrorIs(t, fsys.Rename("/b/d", "/b/e"), objfs.ErrUnsupported)
	assert.ErrorIs(t, fsys.Rename("/b/none", "/b/e"), objfs.ErrNotFound)
	assert.Equal(t, "b/my%20file", copySource("b", "my file"))
}
