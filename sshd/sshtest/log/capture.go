// Package log captures slog records for assertions in tests.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured record. Attrs holds the logger's attributes
// followed by the record's, group prefixed keys joined with dots.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// String formats the entry on one line.
func (e Entry) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", e.Time.Format("15:04:05.000"), e.Level, e.Message)
	for k, v := range e.Attrs {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	return sb.String()
}

// Capture collects log records. It is safe for concurrent use.
type Capture struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewCapture creates an empty capture.
func NewCapture() *Capture {
	return &Capture{}
}

// Logger returns a logger that records every level into c.
func (c *Capture) Logger() *slog.Logger {
	return slog.New(&handler{capture: c})
}

func (c *Capture) add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

// Find returns the first entry whose message contains text.
func (c *Capture) Find(text string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if strings.Contains(e.Message, text) {
			return e, true
		}
	}
	return Entry{}, false
}

// Assert fails unless some message contains text.
func (c *Capture) Assert(text string) error {
	if _, ok := c.Find(text); !ok {
		return fmt.Errorf("no log entry containing %q found in %d entries", text, c.Count())
	}
	return nil
}

// AssertLevel fails unless some message at level contains text.
func (c *Capture) AssertLevel(level slog.Level, text string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.Level == level && strings.Contains(e.Message, text) {
			return nil
		}
	}
	return fmt.Errorf("no %s log entry containing %q found", level, text)
}

// Wait polls until a message containing text is logged or timeout elapses.
// Log lines are often written just after the event a test observes.
func (c *Capture) Wait(text string, timeout time.Duration) (Entry, error) {
	deadline := time.Now().Add(timeout)
	for {
		if e, ok := c.Find(text); ok {
			return e, nil
		}
		if time.Now().After(deadline) {
			return Entry{}, fmt.Errorf("timeout waiting for log entry containing %q", text)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// All returns a copy of the entries.
func (c *Capture) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// Count returns the number of entries.
func (c *Capture) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// String returns every entry, one per line.
func (c *Capture) String() string {
	var sb strings.Builder
	for _, e := range c.All() {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

type handler struct {
	capture *Capture
	attrs   []slog.Attr
	prefix  string
}

func (h *handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: map[string]any{}}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Attrs[h.prefix+a.Key] = a.Value.Any()
		return true
	})
	h.capture.add(e)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &handler{capture: h.capture, prefix: h.prefix}
	next.attrs = append(append(next.attrs, h.attrs...), prefixed(h.prefix, attrs)...)
	return next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &handler{capture: h.capture, attrs: h.attrs, prefix: h.prefix + name + "."}
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}
