// Package objfs defines the narrow filesystem contract that the SFTP and SCP
// front-ends consume. Implementations map a hierarchical path space onto an
// object store: the first path segment is a container, the rest is an object
// key. Directories below the container level are pseudo-directories.
package objfs

import (
	"context"
	"io"
	"io/fs"
)

// Backend verifies credentials and hands out a per-session FS.
type Backend interface {
	// Authenticate returns a connected FS for the given credentials.
	// It must return an error wrapping ErrAuth when the credentials are
	// rejected by the store.
	Authenticate(ctx context.Context, user, secret string) (FS, error)
}

// FS is an authenticated view of the object store for one session.
// Paths are slash separated and absolute ("/container/dir/object").
type FS interface {
	Stat(path string) (fs.FileInfo, error)
	Open(path string, mode Mode) (File, error)
	// ListWithStat returns the children of a directory in listing order.
	ListWithStat(path string) ([]fs.FileInfo, error)
	IsDir(path string) bool
	IsFile(path string) bool
	Mkdir(path string) error
	Rmdir(path string) error
	Remove(path string) error
	Rename(oldpath, newpath string) error
	Abspath(path string) string
	Normpath(path string) string
	// Close releases the backend connection. It is called exactly once
	// when the session ends.
	Close() error
}

// File is an open object. Readers may additionally implement io.Seeker.
// Writers commit on Close.
type File interface {
	io.Reader
	io.Writer
	io.Closer
}

// Aborter is implemented by writable files that can discard pending data
// instead of committing it on Close.
type Aborter interface {
	Abort() error
}
