package memfs

import (
	"io"

	"github.com/jpillora/sftpcloudfs/objfs"
)

// file buffers an object. Writable files replace the stored object on Close.
type file struct {
	store  *Store
	path   string
	mode   objfs.Mode
	data   []byte
	off    int64
	closed bool
}

func (f *file) Read(b []byte) (int, error) {
	if f.closed {
		return 0, objfs.PathErr("read", f.path, objfs.ErrInvalid)
	}
	if !f.mode.Read {
		return 0, objfs.PathErr("read", f.path, objfs.ErrPermission)
	}
	if f.off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.data[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *file) Write(b []byte) (int, error) {
	if f.closed {
		return 0, objfs.PathErr("write", f.path, objfs.ErrInvalid)
	}
	if !f.mode.Write {
		return 0, objfs.PathErr("write", f.path, objfs.ErrPermission)
	}
	if f.mode.Append {
		f.off = int64(len(f.data))
	}
	end := f.off + int64(len(b))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[f.off:], b)
	f.off = end
	return len(b), nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.off + offset
	case io.SeekEnd:
		abs = int64(len(f.data)) + offset
	default:
		return 0, objfs.PathErr("seek", f.path, objfs.ErrInvalid)
	}
	if abs < 0 {
		return 0, objfs.PathErr("seek", f.path, objfs.ErrInvalid)
	}
	f.off = abs
	return abs, nil
}

// Abort discards pending writes.
func (f *file) Abort() error {
	f.closed = true
	f.data = nil
	return nil
}

func (f *file) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if !f.mode.Write {
		return nil
	}
	return f.store.Put(f.path, f.data)
}

var (
	_ io.Seeker     = (*file)(nil)
	_ objfs.Aborter = (*file)(nil)
)
