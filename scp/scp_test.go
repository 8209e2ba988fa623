package scp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/jpillora/sftpcloudfs/objfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeChannel feeds a scripted peer stream to the engine and records
// everything the engine sends back.
type fakeChannel struct {
	in     io.Reader
	mu     sync.Mutex
	out    bytes.Buffer
	exits  []uint32
	closes int
}

func (c *fakeChannel) Read(b []byte) (int, error) { return c.in.Read(b) }

func (c *fakeChannel) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(b)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	if cl, ok := c.in.(io.Closer); ok {
		cl.Close()
	}
	return nil
}

func (c *fakeChannel) SendRequest(name string, _ bool, payload []byte) (bool, error) {
	if name != "exit-status" {
		return false, fmt.Errorf("unexpected request %q", name)
	}
	var msg exitStatus
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exits = append(c.exits, msg.Status)
	return false, nil
}

func (c *fakeChannel) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

type counters struct {
	mu        sync.Mutex
	transfers map[string]int64
	exits     map[int]int
}

func (m *counters) ObserveTransfer(direction string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[direction] += n
}

func (m *counters) ObserveExit(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits[status]++
}

func newStore(t *testing.T) (*memfs.Store, objfs.FS) {
	t.Helper()
	store := memfs.New()
	store.AddUser("u", "p")
	store.CreateContainer("c")
	fsys, err := store.Authenticate(context.Background(), "u", "p")
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Close() })
	return store, fsys
}

// run executes scp with args against a peer that sends input then EOF.
func run(t *testing.T, fsys objfs.FS, input string, args ...string) (int, *fakeChannel) {
	t.Helper()
	return runReader(t, fsys, strings.NewReader(input), args...)
}

// runReader is run with the peer stream read from r.
func runReader(t *testing.T, fsys objfs.FS, r io.Reader, args ...string) (int, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{in: r}
	status := New(ch, fsys, Config{Timeout: 5 * time.Second}).Run(context.Background(), args)
	require.Equal(t, 1, ch.closes, "channel must be closed once")
	require.Equal(t, []uint32{uint32(status)}, ch.exits, "exit-status must be sent once")
	return status, ch
}

func TestReceiveFile(t *testing.T) {
	store, fsys := newStore(t)
	status, ch := run(t, fsys, "C0644 6 foo\nHello\n", "-t", "/c/foo")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "\x00\x00\x00", ch.output())
	data, ok := store.Get("/c/foo")
	require.True(t, ok)
	assert.Equal(t, "Hello\n", string(data))
}

func TestReceiveChunking(t *testing.T) {
	split := func(parts ...string) io.Reader {
		readers := make([]io.Reader, len(parts))
		for i, p := range parts {
			readers[i] = strings.NewReader(p)
		}
		return io.MultiReader(readers...)
	}
	tests := []struct {
		name  string
		input io.Reader
	}{
		{"one byte", iotest.OneByteReader(strings.NewReader("C0644 6 foo\nHello\n"))},
		{"mid record", split("C06", "44 6 f", "oo\nHello\n")},
		{"mid data", split("C0644 6 foo\nHel", "l", "o\n")},
		{"record and data", split("C0644 6 foo\nHello\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, fsys := newStore(t)
			status, ch := runReader(t, fsys, tt.input, "-t", "/c/foo")
			assert.Equal(t, StatusOK, status)
			assert.Equal(t, "\x00\x00\x00", ch.output())
			data, ok := store.Get("/c/foo")
			require.True(t, ok)
			assert.Equal(t, "Hello\n", string(data))
		})
	}
}

func TestReceiveRecursiveOneByte(t *testing.T) {
	store, fsys := newStore(t)
	input := "D0644 0 dir\n" + "C0644 5 a.txt\n" + "abcde" + "E\n"
	status, ch := runReader(t, fsys, iotest.OneByteReader(strings.NewReader(input)), "-tr", "/c/dir")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "\x00\x00\x00\x00\x00", ch.output())
	data, ok := store.Get("/c/dir/a.txt")
	require.True(t, ok)
	assert.Equal(t, "abcde", string(data))
}

func TestReceiveRenames(t *testing.T) {
	store, fsys := newStore(t)
	status, _ := run(t, fsys, "C0644 2 original\nhi", "-t", "/c/renamed")
	assert.Equal(t, StatusOK, status)
	_, ok := store.Get("/c/original")
	assert.False(t, ok)
	data, _ := store.Get("/c/renamed")
	assert.Equal(t, "hi", string(data))
}

func TestReceiveRecursive(t *testing.T) {
	store, fsys := newStore(t)
	input := "D0644 0 dir\n" + "C0644 5 a.txt\n" + "abcde" + "\x00" +
		"D0755 0 sub\n" + "T1700000000 0 1700000000 0\n" + "C0644 2 b\nbb" + "E\n" + "E\n"
	status, ch := run(t, fsys, input, "-tr", "/c/dir")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, strings.Repeat("\x00", 10), ch.output())

	data, ok := store.Get("/c/dir/a.txt")
	require.True(t, ok)
	assert.Equal(t, "abcde", string(data))
	data, ok = store.Get("/c/dir/sub/b")
	require.True(t, ok)
	assert.Equal(t, "bb", string(data))
	assert.True(t, fsys.IsDir("/c/dir/sub"))
}

func TestReceiveIntoDirectory(t *testing.T) {
	store, fsys := newStore(t)
	status, ch := run(t, fsys, "T1 0 1 0\nC0644 2 x\nhi", "-tpd", "/c")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "\x00\x00\x00\x00", ch.output())
	data, _ := store.Get("/c/x")
	assert.Equal(t, "hi", string(data))
}

func TestReceiveExistingDirectoryIsReused(t *testing.T) {
	store, fsys := newStore(t)
	require.NoError(t, fsys.Mkdir("/c/dir"))
	status, _ := run(t, fsys, "D0755 0 dir\nC0644 1 a\nAE\n", "-tr", "/c/dir")
	assert.Equal(t, StatusOK, status)
	data, _ := store.Get("/c/dir/a")
	assert.Equal(t, "A", string(data))
}

func TestReceiveEmptyStream(t *testing.T) {
	_, fsys := newStore(t)
	status, ch := run(t, fsys, "", "-t", "/c/foo")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "\x00", ch.output())
}

func TestReceiveErrors(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		input string
		out   string
	}{
		{"invalid size", []string{"-t", "/c/foo"}, "C0644 abc foo\n", "\x00\x01scp: invalid size\n"},
		{"negative size", []string{"-t", "/c/foo"}, "C0644 -1 foo\n", "\x00\x01scp: invalid size\n"},
		{"bad name", []string{"-td", "/c"}, "C0644 1 ../x\nx", "\x00\x01scp: ../x: invalid name\n"},
		{"missing parent", []string{"-t", "/nope/foo"}, "C0644 1 foo\nx", "\x00\x01scp: /nope is not a directory\n"},
		{"root", []string{"-t", "/foo"}, "C0644 1 foo\nx", "\x00\x01scp: /foo: container required\n"},
		{"directory exists", []string{"-t", "/c/d"}, "C0644 1 d\nx", "\x00\x01scp: /c/d: directory exists\n"},
		{"file exists", []string{"-tr", "/c/f"}, "D0755 0 f\nE\n", "\x00\x01scp: /c/f: file exists\n"},
		{"stray end", []string{"-t", "/c/foo"}, "E\n", "\x00\x01scp: unexpected end of directory\n"},
		{"unknown record", []string{"-t", "/c/foo"}, "X\n", "\x00\x01scp: unexpected record \"X\"\n"},
		{"peer error", []string{"-t", "/c/foo"}, "\x01scp: local failure\n", "\x00\x01scp: local failure\n"},
		{"truncated", []string{"-tr", "/c/dir"}, "D0755 0 dir\n", "\x00\x00\x01scp: unexpected end of stream\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, fsys := newStore(t)
			require.NoError(t, fsys.Mkdir("/c/d"))
			require.NoError(t, store.Put("/c/f", []byte("f")))
			status, ch := run(t, fsys, tt.input, tt.args...)
			assert.Equal(t, StatusFailure, status)
			assert.Equal(t, tt.out, ch.output())
		})
	}
}

func TestReceiveShortDataAborts(t *testing.T) {
	store, fsys := newStore(t)
	status, ch := run(t, fsys, "C0644 10 foo\nabc", "-t", "/c/foo")
	assert.Equal(t, StatusFailure, status)
	assert.Equal(t, "\x00\x00\x01scp: unexpected end of stream\n", ch.output())
	_, ok := store.Get("/c/foo")
	assert.False(t, ok)
}

func TestArguments(t *testing.T) {
	_, fsys := newStore(t)
	tests := []struct {
		args   []string
		status int
		msg    string
	}{
		{[]string{"-t", "-f", "/c"}, StatusArgs, "-t and -f can't be combined"},
		{[]string{"-tf", "/c"}, StatusArgs, "-t and -f can't be combined"},
		{[]string{"/c"}, StatusArgs, "missing -t or -f argument"},
		{[]string{"-t"}, StatusArgs, "scp takes exactly one path"},
		{[]string{"-t", "/a", "/b"}, StatusArgs, "scp takes exactly one path"},
		{[]string{"-E", "-t", "/c"}, StatusUsage, ""},
	}
	for _, tt := range tests {
		status, ch := run(t, fsys, "", tt.args...)
		assert.Equal(t, tt.status, status, "%v", tt.args)
		assert.True(t, strings.HasPrefix(ch.output(), "\x01scp: "+tt.msg), "%v: %q", tt.args, ch.output())
	}
}

func TestParseArgs(t *testing.T) {
	o, err := ParseArgs([]string{"-rpv", "-v", "-f", "--", "/c/a b"})
	require.NoError(t, err)
	assert.True(t, o.From)
	assert.False(t, o.To)
	assert.True(t, o.Recursive)
	assert.True(t, o.Preserve)
	assert.Equal(t, 2, o.Verbose)
	assert.Equal(t, "/c/a b", o.Path)
	assert.Equal(t, "download", o.Direction())
}

func TestSendFile(t *testing.T) {
	store, fsys := newStore(t)
	require.NoError(t, store.Put("/c/bar", []byte("Hello\n")))
	m := &counters{transfers: map[string]int64{}, exits: map[int]int{}}
	ch := &fakeChannel{in: strings.NewReader("\x00\x00\x00")}
	status := New(ch, fsys, Config{Metrics: m}).Run(context.Background(), []string{"-f", "/c/bar"})
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "C0644 6 bar\nHello\n\x00", ch.output())
	assert.EqualValues(t, 6, m.transfers["download"])
	assert.Equal(t, 1, m.exits[StatusOK])
}

func TestSendPreserve(t *testing.T) {
	store, fsys := newStore(t)
	require.NoError(t, store.Put("/c/bar", []byte("x")))
	fi, err := fsys.Stat("/c/bar")
	require.NoError(t, err)
	mtime := fi.ModTime().Unix()

	status, ch := run(t, fsys, "\x00\x00\x00\x00", "-pf", "/c/bar")
	assert.Equal(t, StatusOK, status)
	want := fmt.Sprintf("T%d 0 %d 0\nC0644 1 bar\nx\x00", mtime, mtime)
	assert.Equal(t, want, ch.output())
}

func TestSendRecursive(t *testing.T) {
	store, fsys := newStore(t)
	require.NoError(t, store.Put("/c/dir/a", []byte("A")))
	require.NoError(t, store.Put("/c/dir/sub/b", []byte("BB")))

	status, ch := run(t, fsys, strings.Repeat("\x00", 9), "-rf", "/c/dir")
	assert.Equal(t, StatusOK, status)
	want := "D0755 0 dir\n" +
		"C0644 1 a\nA\x00" +
		"D0755 0 sub\n" +
		"C0644 2 b\nBB\x00" +
		"E\n" +
		"E\n"
	assert.Equal(t, want, ch.output())
}

func TestSendDirectoryWithoutRecursion(t *testing.T) {
	store, fsys := newStore(t)
	require.NoError(t, store.Put("/c/dir/a", []byte("A")))
	status, ch := run(t, fsys, "\x00", "-f", "/c/dir")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "scp: /c/dir is not a regular file\n", ch.output())
}

func TestSendErrors(t *testing.T) {
	store, fsys := newStore(t)
	require.NoError(t, store.Put("/c/bar", []byte("Hello\n")))

	status, ch := run(t, fsys, "\x00", "-f", "/c/missing")
	assert.Equal(t, StatusFailure, status)
	assert.True(t, strings.HasPrefix(ch.output(), "\x01scp: "), "%q", ch.output())

	status, ch = run(t, fsys, "\x00\x01scp: disk full\n", "-f", "/c/bar")
	assert.Equal(t, StatusFailure, status)
	assert.Equal(t, "C0644 6 bar\n\x01scp: disk full\n", ch.output())

	status, ch = run(t, fsys, "\x00x", "-f", "/c/bar")
	assert.Equal(t, StatusFailure, status)
	assert.Contains(t, ch.output(), "command not acknowledged")
}

func TestTimeout(t *testing.T) {
	_, fsys := newStore(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	ch := &fakeChannel{in: pr}
	status := New(ch, fsys, Config{Timeout: 50 * time.Millisecond}).Run(context.Background(), []string{"-t", "/c/foo"})
	assert.Equal(t, StatusFailure, status)
	assert.Equal(t, "\x00\x01scp: 0.05s timeout\n", ch.output())
}

func TestCancel(t *testing.T) {
	_, fsys := newStore(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := &fakeChannel{in: pr}
	status := New(ch, fsys, Config{}).Run(ctx, []string{"-t", "/c/foo"})
	assert.Equal(t, StatusFailure, status)
	assert.Equal(t, "\x00\x01scp: session closed\n", ch.output())
}

type panickyFS struct{ objfs.FS }

func (panickyFS) IsDir(string) bool { panic("boom") }

func TestPanicIsInternalError(t *testing.T) {
	_, fsys := newStore(t)
	status, ch := run(t, panickyFS{fsys}, "", "-t", "/c/foo")
	assert.Equal(t, StatusFailure, status)
	assert.Equal(t, "\x00\x01scp: internal error\n", ch.output())
}

func TestParseRecord(t *testing.T) {
	r, err := ParseRecord("C0644 12 my file.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, r.Kind)
	assert.EqualValues(t, 0o644, r.Mode)
	assert.EqualValues(t, 12, r.Size)
	assert.Equal(t, "my file.txt", r.Name)
	assert.Equal(t, "C0644 12 my file.txt\n", r.String())

	r, err = ParseRecord("T1700000000 5 1700000001 0")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), r.Mtime.Unix())
	assert.Equal(t, int64(1700000001), r.Atime.Unix())

	r, err = ParseRecord("E")
	require.NoError(t, err)
	assert.Equal(t, "E\n", r.String())

	for _, line := range []string{"", "C0644 1", "C0999 1 x", "D0755 1 .", "T1 2 3", "Ex", "Z"} {
		_, err := ParseRecord(line)
		assert.Error(t, err, "%q", line)
	}
}
