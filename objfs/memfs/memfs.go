// Package memfs is an in-memory object store implementing objfs.Backend.
// Containers hold flat object keys; directories are explicit markers or
// implied by key prefixes, as with real object stores.
package memfs

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/sftpcloudfs/objfs"
)

// Store is a thread-safe in-memory object store.
type Store struct {
	mu         sync.RWMutex
	users      map[string]string
	containers map[string]*container
	sessions   int
	now        func() time.Time
}

type container struct {
	created time.Time
	objects map[string]*object
	dirs    map[string]time.Time
}

type object struct {
	data     []byte
	modified time.Time
}

// New creates an empty store with no users.
func New() *Store {
	return &Store{
		users:      map[string]string{},
		containers: map[string]*container{},
		now:        time.Now,
	}
}

// AddUser allows user to authenticate with secret.
func (s *Store) AddUser(user, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = secret
}

// Authenticate implements objfs.Backend.
func (s *Store) Authenticate(ctx context.Context, user, secret string) (objfs.FS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.users[user]
	if !ok || secret == "" || want != secret {
		return nil, fmt.Errorf("user %q: %w", user, objfs.ErrAuth)
	}
	s.sessions++
	return &conn{store: s, user: user}, nil
}

// Sessions returns the number of authenticated connections not yet closed.
func (s *Store) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions
}

// CreateContainer creates a container, ignoring existing ones.
func (s *Store) CreateContainer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[name]; !ok {
		s.containers[name] = newContainer(s.now())
	}
}

// Put stores an object, creating its container if needed.
func (s *Store) Put(p string, data []byte) error {
	c, key := objfs.Split(p)
	if c == "" || key == "" {
		return objfs.PathErr("put", p, objfs.ErrContainerRequired)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.containers[c]
	if !ok {
		ct = newContainer(s.now())
		s.containers[c] = ct
	}
	ct.objects[key] = &object{data: append([]byte(nil), data...), modified: s.now()}
	return nil
}

// Get returns a copy of an object's contents.
func (s *Store) Get(p string) ([]byte, bool) {
	c, key := objfs.Split(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ct, ok := s.containers[c]
	if !ok {
		return nil, false
	}
	o, ok := ct.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

func newContainer(now time.Time) *container {
	return &container{
		created: now,
		objects: map[string]*object{},
		dirs:    map[string]time.Time{},
	}
}

// entry kinds
const (
	missing = iota
	isFile
	isDir
)

// lookup must be called with the lock held.
func (s *Store) lookup(p string) (kind int, info fs.FileInfo) {
	c, key := objfs.Split(p)
	if c == "" {
		return isDir, objfs.NewInfo("/", 0, true, time.Time{})
	}
	ct, ok := s.containers[c]
	if !ok {
		return missing, nil
	}
	if key == "" {
		return isDir, objfs.NewInfo(c, 0, true, ct.created)
	}
	name := path.Base(key)
	if o, ok := ct.objects[key]; ok {
		return isFile, objfs.NewInfo(name, int64(len(o.data)), false, o.modified)
	}
	if t, ok := ct.dirs[key]; ok {
		return isDir, objfs.NewInfo(name, 0, true, t)
	}
	if ct.hasChildren(key) {
		return isDir, objfs.NewInfo(name, 0, true, time.Time{})
	}
	return missing, nil
}

func (ct *container) hasChildren(key string) bool {
	prefix := key + "/"
	if key == "" {
		prefix = ""
	}
	for k := range ct.objects {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	for k := range ct.dirs {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// children lists the immediate entries below key; must hold the lock.
func (ct *container) children(key string) []fs.FileInfo {
	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	seen := map[string]fs.FileInfo{}
	add := func(k string, file *object, dirTime time.Time) {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || rest == "" {
			return
		}
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			if _, ok := seen[name]; !ok {
				seen[name] = objfs.NewInfo(name, 0, true, time.Time{})
			}
			return
		}
		if file != nil {
			seen[name] = objfs.NewInfo(name, int64(len(file.data)), false, file.modified)
		} else {
			seen[name] = objfs.NewInfo(name, 0, true, dirTime)
		}
	}
	for k, o := range ct.objects {
		add(k, o, time.Time{})
	}
	for k, t := range ct.dirs {
		add(k, nil, t)
	}
	return sorted(seen)
}

func sorted(m map[string]fs.FileInfo) []fs.FileInfo {
	out := make([]fs.FileInfo, 0, len(m))
	for _, fi := range m {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
