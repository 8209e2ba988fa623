package objfs

import (
	"fmt"
	"os"
)

// Mode is the access mode an object is opened with.
type Mode struct {
	Read   bool
	Write  bool
	Append bool
}

// ModeFromFlags maps os.O_* open flags to a Mode. Creation, truncation and
// exclusivity flags are not represented.
func ModeFromFlags(flags int) (Mode, error) {
	var m Mode
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		m.Read = true
	case os.O_WRONLY:
		m.Write = true
	case os.O_RDWR:
		m.Read, m.Write = true, true
	default:
		return Mode{}, fmt.Errorf("bad open flags %#x: %w", flags, ErrUnsupported)
	}
	m.Append = flags&os.O_APPEND != 0
	return m, nil
}

func (m Mode) String() string {
	s := ""
	if m.Read {
		s += "r"
	}
	if m.Write {
		s += "w"
	}
	if m.Append {
		s += "+"
	}
	return s
}
