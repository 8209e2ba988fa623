package sftpfs

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jpillora/sftpcloudfs/objfs"
)

// Handle is an open SFTP file. Object stores stream, so reads may jump
// only where the backend can seek, and writes must be sequential.
//
// The request server runs several workers per channel, so requests for
// consecutive offsets can arrive slightly out of order. A request ahead of
// the current offset waits, up to the adapter's reorder wait, for the
// requests before it.
type Handle struct {
	mu      sync.Mutex
	moved   *sync.Cond // tell advanced, or the handle closed or failed
	adapter *Adapter
	path    string
	file    objfs.File
	tell    int64
	size    int64
	closed  bool
	failed  bool
}

func newHandle(a *Adapter, path string, f objfs.File, size int64) *Handle {
	h := &Handle{adapter: a, path: path, file: f, size: size}
	h.moved = sync.NewCond(&h.mu)
	return h
}

// awaitOffset blocks until tell reaches off, the handle closes or fails, or
// the reorder wait passes. Must hold h.mu.
func (h *Handle) awaitOffset(off int64) {
	if off <= h.tell || h.adapter.reorderWait <= 0 {
		return
	}
	expired := false
	t := time.AfterFunc(h.adapter.reorderWait, func() {
		h.mu.Lock()
		expired = true
		h.mu.Unlock()
		h.moved.Broadcast()
	})
	defer t.Stop()
	for off > h.tell && !h.closed && !h.failed && !expired {
		h.moved.Wait()
	}
}

// ReadAt reads len(p) bytes at off. Reading past the end reports io.EOF.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return invoke(h.adapter, "read", []any{h.path, off, len(p)}, func() (int, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return 0, objfs.PathErr("read", h.path, os.ErrClosed)
		}
		if off != h.tell {
			if off > h.size {
				return 0, io.EOF
			}
			if _, seekable := h.file.(io.Seeker); !seekable {
				h.awaitOffset(off)
				if h.closed {
					return 0, objfs.PathErr("read", h.path, os.ErrClosed)
				}
			}
		}
		if off != h.tell {
			s, ok := h.file.(io.Seeker)
			if !ok {
				return 0, objfs.PathErr("read", h.path, objfs.ErrUnsupported)
			}
			if _, err := s.Seek(off, io.SeekStart); err != nil {
				return 0, err
			}
			h.tell = off
		}
		n, err := io.ReadFull(h.file, p)
		h.tell += int64(n)
		h.moved.Broadcast()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return n, err
	})
}

// WriteAt appends p; off must equal the current write position.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	return invoke(h.adapter, "write", []any{h.path, off, len(p)}, func() (int, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.awaitOffset(off)
		if h.closed {
			return 0, objfs.PathErr("write", h.path, os.ErrClosed)
		}
		if off != h.tell {
			return 0, objfs.PathErr("write", h.path, objfs.ErrUnsupported)
		}
		n, err := h.file.Write(p)
		h.tell += int64(n)
		h.size = max(h.size, h.tell)
		if err != nil {
			h.failed = true
		}
		h.moved.Broadcast()
		return n, err
	})
}

// Close commits the object. Closing twice is a no-op.
func (h *Handle) Close() error {
	_, err := invoke(h.adapter, "close", []any{h.path}, func() (struct{}, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return struct{}{}, nil
		}
		h.closed = true
		h.moved.Broadcast()
		return struct{}{}, h.file.Close()
	})
	return err
}

// TransferError is called by the request server when a transfer on this
// handle fails; pending writes are discarded.
func (h *Handle) TransferError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.failed = true
	h.moved.Broadcast()
	if a, ok := h.file.(objfs.Aborter); ok {
		h.adapter.logger.Info("aborting transfer", "path", h.path, "remote", h.adapter.remote, "error", err)
		a.Abort()
	}
}

// Stat returns the attributes of the underlying object.
func (h *Handle) Stat() (os.FileInfo, error) {
	return h.adapter.Stat(h.path)
}
