package scp

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// Kind is the first byte of a control record.
type Kind byte

const (
	KindTime Kind = 'T'
	KindFile Kind = 'C'
	KindDir  Kind = 'D'
	KindEnd  Kind = 'E'
)

// Record is one control line of the protocol, without its newline.
type Record struct {
	Kind  Kind
	Mode  fs.FileMode
	Size  int64
	Name  string
	Mtime time.Time
	Atime time.Time
}

// ParseRecord parses a control line. Peer error lines (0x01 or 0x02) are
// returned as errors.
func ParseRecord(line string) (Record, error) {
	if line == "" {
		return Record{}, errorf(StatusFailure, "empty record")
	}
	r := Record{Kind: Kind(line[0])}
	body := line[1:]
	switch r.Kind {
	case 1, 2:
		return Record{}, errorf(StatusFailure, "%s", strings.TrimPrefix(body, "scp: "))
	case KindEnd:
		if body != "" {
			return Record{}, errorf(StatusFailure, "invalid end record")
		}
	case KindTime:
		f := strings.Fields(body)
		if len(f) != 4 {
			return Record{}, errorf(StatusFailure, "invalid time record")
		}
		var t [4]int64
		for i, s := range f {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				return Record{}, errorf(StatusFailure, "invalid time record")
			}
			t[i] = v
		}
		r.Mtime = time.Unix(t[0], t[1]*int64(time.Microsecond))
		r.Atime = time.Unix(t[2], t[3]*int64(time.Microsecond))
	case KindFile, KindDir:
		f := strings.SplitN(body, " ", 3)
		if len(f) != 3 {
			return Record{}, errorf(StatusFailure, "invalid record %q", line)
		}
		mode, err := strconv.ParseUint(f[0], 8, 32)
		if err != nil {
			return Record{}, errorf(StatusFailure, "invalid mode")
		}
		size, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil || size < 0 {
			return Record{}, errorf(StatusFailure, "invalid size")
		}
		name := f[2]
		if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
			return Record{}, errorf(StatusFailure, "%s: invalid name", name)
		}
		r.Mode = fs.FileMode(mode) & fs.ModePerm
		r.Size = size
		r.Name = name
	default:
		return Record{}, errorf(StatusFailure, "unexpected record %q", line)
	}
	return r, nil
}

// String returns the wire form, newline included.
func (r Record) String() string {
	switch r.Kind {
	case KindTime:
		return fmt.Sprintf("T%d 0 %d 0\n", r.Mtime.Unix(), r.Atime.Unix())
	case KindFile, KindDir:
		return fmt.Sprintf("%c%04o %d %s\n", r.Kind, r.Mode.Perm(), r.Size, r.Name)
	case KindEnd:
		return "E\n"
	}
	return ""
}
