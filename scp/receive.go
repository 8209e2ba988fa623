package scp

import (
	"context"
	"io"
	"path"

	"github.com/jpillora/sftpcloudfs/objfs"
)

// frame is a directory being received. name overrides the record name of
// the top-level entry.
type frame struct {
	dir  string
	name string
}

func (f frame) target(r Record) string {
	name := r.Name
	if f.name != "" {
		name = f.name
	}
	return objfs.Join(f.dir, name)
}

// receive handles "scp -t": one file, or one directory tree when the
// peer sends D records.
func (e *Engine) receive(ctx context.Context) error {
	if err := e.ack(); err != nil {
		return err
	}
	dir, name := e.opts.Path, ""
	if !e.opts.DirTarget {
		dir, name = path.Split(e.opts.Path)
	}
	dir = objfs.Clean(dir)
	if !e.fs.IsDir(dir) {
		return errorf(StatusFailure, "%s is not a directory", dir)
	}
	stack := []frame{{dir: dir, name: name}}
	for {
		r, err := e.readRecord(ctx)
		if err == io.EOF && len(stack) == 1 {
			return nil
		} else if err == io.EOF {
			return io.ErrUnexpectedEOF
		} else if err != nil {
			return err
		}
		top := stack[len(stack)-1]
		switch r.Kind {
		case KindTime:
			if err := e.ack(); err != nil {
				return err
			}
		case KindFile:
			if err := e.receiveFile(ctx, top.target(r), r); err != nil {
				return err
			}
			if len(stack) == 1 {
				return nil
			}
		case KindDir:
			target := top.target(r)
			if err := e.receiveDir(target); err != nil {
				return err
			}
			stack = append(stack, frame{dir: target})
		case KindEnd:
			if len(stack) == 1 {
				return errorf(StatusFailure, "unexpected end of directory")
			}
			if err := e.ack(); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 1 {
				return nil
			}
		}
	}
}

func (e *Engine) receiveFile(ctx context.Context, target string, r Record) error {
	if e.fs.IsDir(target) {
		return errorf(StatusFailure, "%s: directory exists", target)
	}
	// objects live inside a container, never at the root
	if container, key := objfs.Split(target); container == "" || key == "" {
		return errorf(StatusFailure, "%s: container required", target)
	}
	if err := e.ack(); err != nil {
		return err
	}
	f, err := e.fs.Open(target, objfs.Mode{Write: true})
	if err != nil {
		return err
	}
	if err := e.copyIn(ctx, f, r.Size); err != nil {
		if a, ok := f.(objfs.Aborter); ok {
			if aerr := a.Abort(); aerr != nil {
				e.logger.Debug("scp: abort failed", "path", target, "error", aerr)
			}
		}
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	e.logger.Debug("scp: received", "path", target, "size", r.Size)
	e.observe(r.Size)
	return e.ack()
}

// copyIn copies exactly size bytes of file data from the peer to w.
func (e *Engine) copyIn(ctx context.Context, w io.Writer, size int64) error {
	for remaining := size; remaining > 0; {
		if len(e.buf) == 0 {
			if err := e.fillMore(ctx); err != nil {
				return err
			}
		}
		n := int(min(int64(len(e.buf)), remaining, chunkSize))
		if _, err := w.Write(e.buf[:n]); err != nil {
			return err
		}
		e.buf = e.buf[n:]
		remaining -= int64(n)
	}
	return nil
}

func (e *Engine) receiveDir(target string) error {
	if e.fs.IsFile(target) {
		return errorf(StatusFailure, "%s: file exists", target)
	}
	if err := e.ack(); err != nil {
		return err
	}
	if e.fs.IsDir(target) {
		return nil
	}
	return e.fs.Mkdir(target)
}
