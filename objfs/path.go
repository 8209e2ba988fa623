package objfs

import (
	"path"
	"strings"
)

// Clean returns the absolute, normalized form of p. The working directory
// of every session is the root.
func Clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Split separates p into its container and object key. The root has an
// empty container; a container has an empty object.
func Split(p string) (container, object string) {
	p = strings.TrimPrefix(Clean(p), "/")
	if p == "" {
		return "", ""
	}
	container, object, _ = strings.Cut(p, "/")
	return container, object
}

// Join is path.Join, rooted.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// Base returns the last element of p, or "/" for the root.
func Base(p string) string {
	return path.Base(Clean(p))
}

// Dir returns all but the last element of p.
func Dir(p string) string {
	return path.Dir(Clean(p))
}
