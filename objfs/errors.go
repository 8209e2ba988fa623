package objfs

import (
	"errors"
	"io/fs"
)

// Error kinds returned by backends. Backends wrap these (usually in a
// *PathError) so callers can classify failures with errors.Is.
var (
	ErrNotFound          = fs.ErrNotExist
	ErrPermission        = fs.ErrPermission
	ErrExists            = fs.ErrExist
	ErrNotDir            = errors.New("not a directory")
	ErrIsDir             = errors.New("is a directory")
	ErrNotEmpty          = errors.New("directory not empty")
	ErrContainerRequired = errors.New("container required")
	ErrUnsupported       = errors.New("operation not supported")
	ErrAuth              = errors.New("authentication failed")
	ErrInvalid           = fs.ErrInvalid
)

// PathError records the failed operation and path.
type PathError = fs.PathError

// PathErr builds a *PathError.
func PathErr(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// Kind is the classification of a backend error.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindPermission
	KindExists
	KindNotDir
	KindIsDir
	KindNotEmpty
	KindContainerRequired
	KindUnsupported
	KindAuth
	KindInvalid
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrPermission, KindPermission},
	{ErrExists, KindExists},
	{ErrNotDir, KindNotDir},
	{ErrIsDir, KindIsDir},
	{ErrNotEmpty, KindNotEmpty},
	{ErrContainerRequired, KindContainerRequired},
	{ErrUnsupported, KindUnsupported},
	{ErrAuth, KindAuth},
	{ErrInvalid, KindInvalid},
}

// KindOf classifies err. Unknown errors are KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindOther
}

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "no such file or directory"
	case KindPermission:
		return "permission denied"
	case KindExists:
		return "file exists"
	case KindNotDir:
		return "not a directory"
	case KindIsDir:
		return "is a directory"
	case KindNotEmpty:
		return "directory not empty"
	case KindContainerRequired:
		return "container required"
	case KindUnsupported:
		return "operation not supported"
	case KindAuth:
		return "authentication failed"
	case KindInvalid:
		return "invalid argument"
	}
	return "I/O error"
}
