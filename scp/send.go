package scp

import (
	"context"
	"fmt"
	"io"
	"io/fs"

	"github.com/jpillora/sftpcloudfs/objfs"
)

type entry struct {
	path string
	info fs.FileInfo
	// end marks the close of a directory
	end bool
}

// send handles "scp -f". The peer signals it is ready with a zero byte.
func (e *Engine) send(ctx context.Context) error {
	if err := e.readAck(ctx); err != nil {
		return err
	}
	p := objfs.Clean(e.opts.Path)
	fi, err := e.fs.Stat(p)
	if err != nil {
		return err
	}
	if fi.IsDir() && !e.opts.Recursive {
		_, err := fmt.Fprintf(e.ch, "scp: %s is not a regular file\n", p)
		return err
	}
	stack := []entry{{path: p, info: fi}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.end {
			if err := e.sendRecord(ctx, Record{Kind: KindEnd}); err != nil {
				return err
			}
			continue
		}
		if e.opts.Preserve {
			mtime := it.info.ModTime()
			if err := e.sendRecord(ctx, Record{Kind: KindTime, Mtime: mtime, Atime: mtime}); err != nil {
				return err
			}
		}
		if !it.info.IsDir() {
			if err := e.sendFile(ctx, it.path, it.info); err != nil {
				return err
			}
			continue
		}
		if err := e.sendRecord(ctx, Record{Kind: KindDir, Mode: it.info.Mode(), Name: objfs.Base(it.path)}); err != nil {
			return err
		}
		children, err := e.fs.ListWithStat(it.path)
		if err != nil {
			return err
		}
		stack = append(stack, entry{end: true})
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, entry{path: objfs.Join(it.path, children[i].Name()), info: children[i]})
		}
	}
	return nil
}

func (e *Engine) sendRecord(ctx context.Context, r Record) error {
	if _, err := io.WriteString(e.ch, r.String()); err != nil {
		return err
	}
	return e.readAck(ctx)
}

func (e *Engine) sendFile(ctx context.Context, p string, fi fs.FileInfo) error {
	r := Record{Kind: KindFile, Mode: fi.Mode(), Size: fi.Size(), Name: objfs.Base(p)}
	if err := e.sendRecord(ctx, r); err != nil {
		return err
	}
	f, err := e.fs.Open(p, objfs.Mode{Read: true})
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, chunkSize)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := e.ch.Write(buf[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if err := e.ack(); err != nil {
		return err
	}
	if err := e.readAck(ctx); err != nil {
		return err
	}
	e.logger.Debug("scp: sent", "path", p, "size", sent)
	e.observe(sent)
	return nil
}
