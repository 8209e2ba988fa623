package objfs

import (
	"io/fs"
	"time"
)

const (
	FileMode fs.FileMode = 0o644
	DirMode  fs.FileMode = fs.ModeDir | 0o755
)

// Info is a fs.FileInfo for objects and pseudo-directories.
type Info struct {
	FileName string
	FileSize int64
	Dir      bool
	Modified time.Time
}

// NewInfo returns a fs.FileInfo for an object or directory.
func NewInfo(name string, size int64, dir bool, modified time.Time) *Info {
	return &Info{FileName: name, FileSize: size, Dir: dir, Modified: modified}
}

func (i *Info) Name() string       { return i.FileName }
func (i *Info) Size() int64        { return i.FileSize }
func (i *Info) ModTime() time.Time { return i.Modified }
func (i *Info) IsDir() bool        { return i.Dir }
func (i *Info) Sys() any           { return nil }

func (i *Info) Mode() fs.FileMode {
	if i.Dir {
		return DirMode
	}
	return FileMode
}

var _ fs.FileInfo = (*Info)(nil)
