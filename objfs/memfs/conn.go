package memfs

import (
	"io/fs"
	"path"
	"sync/atomic"

	"github.com/jpillora/sftpcloudfs/objfs"
)

// conn is one authenticated session on a Store.
type conn struct {
	store  *Store
	user   string
	closed atomic.Bool
}

var _ objfs.FS = (*conn)(nil)

func (c *conn) Stat(p string) (fs.FileInfo, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	kind, info := c.store.lookup(p)
	if kind == missing {
		return nil, objfs.PathErr("stat", p, objfs.ErrNotFound)
	}
	return info, nil
}

func (c *conn) IsDir(p string) bool {
	fi, err := c.Stat(p)
	return err == nil && fi.IsDir()
}

func (c *conn) IsFile(p string) bool {
	fi, err := c.Stat(p)
	return err == nil && !fi.IsDir()
}

func (c *conn) ListWithStat(p string) ([]fs.FileInfo, error) {
	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind, _ := s.lookup(p); kind {
	case missing:
		return nil, objfs.PathErr("list", p, objfs.ErrNotFound)
	case isFile:
		return nil, objfs.PathErr("list", p, objfs.ErrNotDir)
	}
	ct, key := objfs.Split(p)
	if ct == "" {
		m := map[string]fs.FileInfo{}
		for name, ct := range s.containers {
			m[name] = objfs.NewInfo(name, 0, true, ct.created)
		}
		return sorted(m), nil
	}
	return s.containers[ct].children(key), nil
}

func (c *conn) Mkdir(p string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind, _ := s.lookup(p); kind != missing {
		return objfs.PathErr("mkdir", p, objfs.ErrExists)
	}
	name, key := objfs.Split(p)
	if key == "" {
		s.containers[name] = newContainer(s.now())
		return nil
	}
	if err := s.checkParent("mkdir", p); err != nil {
		return err
	}
	s.containers[name].dirs[key] = s.now()
	return nil
}

func (c *conn) Rmdir(p string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	name, key := objfs.Split(p)
	if name == "" {
		return objfs.PathErr("rmdir", p, objfs.ErrPermission)
	}
	switch kind, _ := s.lookup(p); kind {
	case missing:
		return objfs.PathErr("rmdir", p, objfs.ErrNotFound)
	case isFile:
		return objfs.PathErr("rmdir", p, objfs.ErrNotDir)
	}
	ct := s.containers[name]
	if ct.hasChildren(key) {
		return objfs.PathErr("rmdir", p, objfs.ErrNotEmpty)
	}
	if key == "" {
		delete(s.containers, name)
		return nil
	}
	delete(ct.dirs, key)
	return nil
}

func (c *conn) Remove(p string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind, _ := s.lookup(p); kind {
	case missing:
		return objfs.PathErr("remove", p, objfs.ErrNotFound)
	case isDir:
		return objfs.PathErr("remove", p, objfs.ErrIsDir)
	}
	name, key := objfs.Split(p)
	delete(s.containers[name].objects, key)
	return nil
}

func (c *conn) Rename(oldpath, newpath string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, okey := objfs.Split(oldpath)
	nc, nkey := objfs.Split(newpath)
	if okey == "" || nkey == "" {
		return objfs.PathErr("rename", oldpath, objfs.ErrUnsupported)
	}
	kind, _ := s.lookup(oldpath)
	switch kind {
	case missing:
		return objfs.PathErr("rename", oldpath, objfs.ErrNotFound)
	case isDir:
		if s.containers[oc].hasChildren(okey) {
			return objfs.PathErr("rename", oldpath, objfs.ErrUnsupported)
		}
	}
	if k, _ := s.lookup(newpath); k == isDir {
		return objfs.PathErr("rename", newpath, objfs.ErrIsDir)
	} else if k == isFile && kind == isDir {
		return objfs.PathErr("rename", newpath, objfs.ErrExists)
	}
	if err := s.checkParent("rename", newpath); err != nil {
		return err
	}
	src, dst := s.containers[oc], s.containers[nc]
	if kind == isDir {
		dst.dirs[nkey] = src.dirs[okey]
		delete(src.dirs, okey)
		return nil
	}
	dst.objects[nkey] = src.objects[okey]
	delete(src.objects, okey)
	return nil
}

func (c *conn) Open(p string, mode objfs.Mode) (objfs.File, error) {
	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, key := objfs.Split(p)
	if name == "" || key == "" && mode.Write {
		return nil, objfs.PathErr("open", p, objfs.ErrContainerRequired)
	}
	kind, _ := s.lookup(p)
	if kind == isDir {
		return nil, objfs.PathErr("open", p, objfs.ErrIsDir)
	}
	f := &file{store: s, path: p, mode: mode}
	if kind == isFile {
		f.data = append([]byte(nil), s.containers[name].objects[key].data...)
	}
	switch {
	case !mode.Write:
		if kind == missing {
			return nil, objfs.PathErr("open", p, objfs.ErrNotFound)
		}
	case mode.Append:
		f.off = int64(len(f.data))
		fallthrough
	default:
		if err := s.checkParent("open", p); err != nil {
			return nil, err
		}
		if !mode.Read && !mode.Append {
			f.data = nil
		}
	}
	return f, nil
}

func (c *conn) Abspath(p string) string {
	return objfs.Clean(p)
}

func (c *conn) Normpath(p string) string {
	return path.Clean(p)
}

func (c *conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.store.mu.Lock()
		c.store.sessions--
		c.store.mu.Unlock()
	}
	return nil
}

// checkParent verifies the parent of p is an existing directory below the
// root; must hold the lock.
func (s *Store) checkParent(op, p string) error {
	name, key := objfs.Split(p)
	if name == "" || key == "" {
		return objfs.PathErr(op, p, objfs.ErrContainerRequired)
	}
	parent := objfs.Dir(p)
	switch kind, _ := s.lookup(parent); kind {
	case missing:
		return objfs.PathErr(op, parent, objfs.ErrNotFound)
	case isFile:
		return objfs.PathErr(op, parent, objfs.ErrNotDir)
	}
	return nil
}
