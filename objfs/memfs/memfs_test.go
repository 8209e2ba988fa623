package memfs

import (
	"context"
	"io"
	"testing"

	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFS(t *testing.T) (*Store, objfs.FS) {
	t.Helper()
	s := New()
	s.AddUser("alice", "secret")
	fsys, err := s.Authenticate(context.Background(), "alice", "secret")
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Close() })
	return s, fsys
}

func TestAuthenticate(t *testing.T) {
	s := New()
	s.AddUser("alice", "secret")
	ctx := context.Background()

	_, err := s.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, objfs.ErrAuth)
	_, err = s.Authenticate(ctx, "bob", "secret")
	assert.ErrorIs(t, err, objfs.ErrAuth)
	_, err = s.Authenticate(ctx, "alice", "")
	assert.ErrorIs(t, err, objfs.ErrAuth)

	fsys, err := s.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Sessions())
	require.NoError(t, fsys.Close())
	require.NoError(t, fsys.Close())
	assert.Equal(t, 0, s.Sessions())
}

func TestWriteReadSeek(t *testing.T) {
	s, fsys := newFS(t)
	require.NoError(t, fsys.Mkdir("/c"))

	w, err := fsys.Open("/c/foo", objfs.Mode{Write: true})
	require.NoError(t, err)
	_, err = io.WriteString(w, "Hello\n")
	require.NoError(t, err)
	_, ok := s.Get("/c/foo")
	assert.False(t, ok, "object must not be visible before close")
	require.NoError(t, w.Close())

	data, ok := s.Get("/c/foo")
	require.True(t, ok)
	assert.Equal(t, "Hello\n", string(data))

	r, err := fsys.Open("/c/foo", objfs.Mode{Read: true})
	require.NoError(t, err)
	seeker, ok := r.(io.Seeker)
	require.True(t, ok)
	_, err = seeker.Seek(2, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "llo\n", string(rest))
	require.NoError(t, r.Close())

	a, err := fsys.Open("/c/foo", objfs.Mode{Write: true, Append: true})
	require.NoError(t, err)
	_, err = io.WriteString(a, "again")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	data, _ = s.Get("/c/foo")
	assert.Equal(t, "Hello\nagain", string(data))
}

func TestAbort(t *testing.T) {
	s, fsys := newFS(t)
	require.NoError(t, s.Put("/c/keep", []byte("old")))
	w, err := fsys.Open("/c/keep", objfs.Mode{Write: true})
	require.NoError(t, err)
	_, err = w.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, w.(objfs.Aborter).Abort())
	require.NoError(t, w.Close())
	data, _ := s.Get("/c/keep")
	assert.Equal(t, "old", string(data))
}

func TestOpenErrors(t *testing.T) {
	s, fsys := newFS(t)
	require.NoError(t, s.Put("/c/dir/file", []byte("x")))

	_, err := fsys.Open("/foo", objfs.Mode{Write: true})
	assert.ErrorIs(t, err, objfs.ErrContainerRequired)
	_, err = fsys.Open("/", objfs.Mode{Write: true})
	assert.ErrorIs(t, err, objfs.ErrContainerRequired)
	_, err = fsys.Open("/c/dir", objfs.Mode{Read: true})
	assert.ErrorIs(t, err, objfs.ErrIsDir)
	// an existing container cannot be written as an object
	_, err = fsys.Open("/c", objfs.Mode{Write: true})
	assert.ErrorIs(t, err, objfs.ErrContainerRequired)
	_, err = fsys.Open("/c", objfs.Mode{Read: true})
	assert.ErrorIs(t, err, objfs.ErrIsDir)
	_, err = fsys.Open("/c/missing", objfs.Mode{Read: true})
	assert.ErrorIs(t, err, objfs.ErrNotFound)
	_, err = fsys.Open("/c/nodir/x", objfs.Mode{Write: true})
	assert.ErrorIs(t, err, objfs.ErrNotFound)
	_, err = fsys.Open("/c/dir/file/x", objfs.Mode{Write: true})
	assert.ErrorIs(t, err, objfs.ErrNotDir)
}

func TestDirectories(t *testing.T) {
	s, fsys := newFS(t)
	require.NoError(t, fsys.Mkdir("/c"))
	assert.ErrorIs(t, fsys.Mkdir("/c"), objfs.ErrExists)
	require.NoError(t, fsys.Mkdir("/c/d"))
	assert.ErrorIs(t, fsys.Mkdir("/c/x/y"), objfs.ErrNotFound)
	require.NoError(t, s.Put("/c/d/a.txt", []byte("abcde")))
	require.NoError(t, s.Put("/c/implied/deep/b", []byte("b")))

	assert.True(t, fsys.IsDir("/c/d"))
	assert.True(t, fsys.IsDir("/c/implied"))
	assert.True(t, fsys.IsFile("/c/d/a.txt"))
	assert.False(t, fsys.IsFile("/c/d"))

	list, err := fsys.ListWithStat("/c")
	require.NoError(t, err)
	var names []string
	for _, fi := range list {
		names = append(names, fi.Name())
		assert.True(t, fi.IsDir())
	}
	assert.Equal(t, []string{"d", "implied"}, names)

	list, err = fsys.ListWithStat("/c/d")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a.txt", list[0].Name())
	assert.EqualValues(t, 5, list[0].Size())

	_, err = fsys.ListWithStat("/c/d/a.txt")
	assert.ErrorIs(t, err, objfs.ErrNotDir)

	assert.ErrorIs(t, fsys.Rmdir("/c/d"), objfs.ErrNotEmpty)
	assert.ErrorIs(t, fsys.Remove("/c/d"), objfs.ErrIsDir)
	require.NoError(t, fsys.Remove("/c/d/a.txt"))
	require.NoError(t, fsys.Rmdir("/c/d"))
	assert.False(t, fsys.IsDir("/c/d"))
	assert.ErrorIs(t, fsys.Rmdir("/"), objfs.ErrPermission)

	root, err := fsys.ListWithStat("/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "c", root[0].Name())
}

func TestRename(t *testing.T) {
	s, fsys := newFS(t)
	require.NoError(t, s.Put("/c/a", []byte("A")))
	require.NoError(t, fsys.Mkdir("/c/d"))

	require.NoError(t, fsys.Rename("/c/a", "/c/d/b"))
	_, ok := s.Get("/c/a")
	assert.False(t, ok)
	data, ok := s.Get("/c/d/b")
	require.True(t, ok)
	assert.Equal(t, "A", string(data))

	assert.ErrorIs(t, fsys.Rename("/c/missing", "/c/x"), objfs.ErrNotFound)
	assert.ErrorIs(t, fsys.Rename("/c/d/b", "/c/d"), objfs.ErrIsDir)
	assert.ErrorIs(t, fsys.Rename("/c/d", "/c/e"), objfs.ErrUnsupported)
}

func TestPaths(t *testing.T) {
	_, fsys := newFS(t)
	assert.Equal(t, "/", fsys.Abspath(fsys.Normpath(".")))
	assert.Equal(t, "/c/d", fsys.Abspath(fsys.Normpath("c/x/../d/")))
	assert.Equal(t, "/c", fsys.Abspath("/c/"))
}
