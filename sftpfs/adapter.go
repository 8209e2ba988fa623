// Package sftpfs exposes an objfs.FS through the pkg/sftp request server.
package sftpfs

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/pkg/sftp"
)

// Metrics observes adapter operations.
type Metrics interface {
	ObserveRequest(method string, duration time.Duration, err error)
}

// Adapter implements the pkg/sftp handler interfaces on top of an objfs.FS.
type Adapter struct {
	fs          objfs.FS
	logger      *slog.Logger
	remote      string
	metrics     Metrics
	reorderWait time.Duration
}

// DefaultReorderWait is how long a request ahead of a handle's offset
// waits for the requests before it.
const DefaultReorderWait = 2 * time.Second

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRemote sets the peer address used in log messages.
func WithRemote(addr string) Option {
	return func(a *Adapter) { a.remote = addr }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithReorderWait sets how long out of order reads and writes wait for the
// preceding requests. Zero rejects them at once.
func WithReorderWait(d time.Duration) Option {
	return func(a *Adapter) { a.reorderWait = d }
}

// NewAdapter creates an Adapter for fsys.
func NewAdapter(fsys objfs.FS, opts ...Option) *Adapter {
	a := &Adapter{fs: fsys, logger: noLogger, reorderWait: DefaultReorderWait}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handlers returns the request server handlers backed by a.
func (a *Adapter) Handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: a, FilePut: a, FileCmd: a, FileList: a}
}

var (
	_ sftp.FileReader           = (*Adapter)(nil)
	_ sftp.OpenFileWriter       = (*Adapter)(nil)
	_ sftp.FileCmder            = (*Adapter)(nil)
	_ sftp.PosixRenameFileCmder = (*Adapter)(nil)
	_ sftp.FileLister           = (*Adapter)(nil)
	_ sftp.LstatFileLister      = (*Adapter)(nil)
	_ sftp.RealPathFileLister   = (*Adapter)(nil)
	_ sftp.ReadlinkFileLister   = (*Adapter)(nil)
)

func (a *Adapter) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	return a.Open(r.Filepath, r.Pflags())
}

func (a *Adapter) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	return a.Open(r.Filepath, r.Pflags())
}

func (a *Adapter) OpenFile(r *sftp.Request) (sftp.WriterAtReaderAt, error) {
	return a.Open(r.Filepath, r.Pflags())
}

// Open opens path and returns a sequential Handle. Creation, truncation and
// exclusivity flags are left to the backend.
func (a *Adapter) Open(path string, flags sftp.FileOpenFlags) (*Handle, error) {
	return invoke(a, "open", []any{path, flags}, func() (*Handle, error) {
		if !flags.Read && !writeFlags(flags) {
			return nil, objfs.PathErr("open", path, objfs.ErrUnsupported)
		}
		mode, err := objfs.ModeFromFlags(osFlags(flags))
		if err != nil {
			return nil, objfs.PathErr("open", path, err)
		}
		// a truncated object has nothing to read, so open it write-only
		if flags.Trunc {
			mode.Read = false
		}
		// stat before opening so a write does not hide the size
		var size int64
		if fi, err := a.fs.Stat(path); err == nil {
			size = fi.Size()
		}
		f, err := a.fs.Open(path, mode)
		if err != nil {
			return nil, err
		}
		return newHandle(a, path, f, size), nil
	})
}

// writeFlags reports whether f asks for write access. Creating or
// truncating implies it.
func writeFlags(f sftp.FileOpenFlags) bool {
	return f.Write || f.Append || f.Creat || f.Trunc
}

// osFlags converts SFTP open flags to os.O_* flags.
func osFlags(f sftp.FileOpenFlags) int {
	var flags int
	switch {
	case f.Read && writeFlags(f):
		flags = os.O_RDWR
	case writeFlags(f):
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if f.Append {
		flags |= os.O_APPEND
	}
	if f.Creat {
		flags |= os.O_CREATE
	}
	if f.Trunc {
		flags |= os.O_TRUNC
	}
	if f.Excl {
		flags |= os.O_EXCL
	}
	return flags
}

func (a *Adapter) Filecmd(r *sftp.Request) error {
	_, err := invoke(a, r.Method, []any{r.Filepath, r.Target}, func() (struct{}, error) {
		switch r.Method {
		case "Rename", "PosixRename":
			return struct{}{}, a.fs.Rename(r.Filepath, r.Target)
		case "Mkdir":
			return struct{}{}, a.fs.Mkdir(r.Filepath)
		case "Rmdir":
			return struct{}{}, a.fs.Rmdir(r.Filepath)
		case "Remove":
			return struct{}{}, a.fs.Remove(r.Filepath)
		}
		// Setstat, Link, Symlink
		return struct{}{}, objfs.PathErr(r.Method, r.Filepath, objfs.ErrUnsupported)
	})
	return err
}

func (a *Adapter) PosixRename(r *sftp.Request) error {
	return a.Filecmd(r)
}

func (a *Adapter) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		return invoke(a, "list", []any{r.Filepath}, func() (sftp.ListerAt, error) {
			infos, err := a.fs.ListWithStat(r.Filepath)
			if err != nil {
				return nil, err
			}
			return listerAt(infos), nil
		})
	case "Stat", "Lstat":
		return a.Lstat(r)
	}
	_, err := invoke(a, r.Method, []any{r.Filepath}, func() (sftp.ListerAt, error) {
		return nil, objfs.PathErr(r.Method, r.Filepath, objfs.ErrUnsupported)
	})
	return nil, err
}

// Lstat is Stat; the backend has no links.
func (a *Adapter) Lstat(r *sftp.Request) (sftp.ListerAt, error) {
	fi, err := a.Stat(r.Filepath)
	if err != nil {
		return nil, err
	}
	return listerAt{fi}, nil
}

// Stat returns the attributes of path.
func (a *Adapter) Stat(path string) (fs.FileInfo, error) {
	return invoke(a, "stat", []any{path}, func() (fs.FileInfo, error) {
		return a.fs.Stat(path)
	})
}

func (a *Adapter) RealPath(path string) (string, error) {
	return invoke(a, "canonicalize", []any{path}, func() (string, error) {
		return a.fs.Abspath(a.fs.Normpath(path)), nil
	})
}

func (a *Adapter) Readlink(path string) (string, error) {
	return invoke(a, "readlink", []any{path}, func() (string, error) {
		return "", objfs.PathErr("readlink", path, objfs.ErrUnsupported)
	})
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}
