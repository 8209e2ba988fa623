// Package scp implements the remote end of the scp protocol ("scp -t" and
// "scp -f") on top of an objfs.FS.
package scp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jpillora/sftpcloudfs/objfs"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultTimeout bounds every wait for peer data.
	DefaultTimeout = 30 * time.Second
	chunkSize      = 64 << 10
	maxRecord      = 64 << 10
)

// Channel is the exec channel the engine talks over. ssh.Channel
// implements it.
type Channel interface {
	io.ReadWriteCloser
	SendRequest(name string, wantReply bool, payload []byte) (bool, error)
}

// Metrics observes scp invocations.
type Metrics interface {
	ObserveTransfer(direction string, bytes int64)
	ObserveExit(status int)
}

// Config configures an Engine.
type Config struct {
	// Timeout bounds each read from the peer. Zero means DefaultTimeout,
	// negative disables it.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics Metrics
}

// Engine runs a single scp invocation.
type Engine struct {
	ch      Channel
	fs      objfs.FS
	config  Config
	logger  *slog.Logger
	opts    *Options
	buf     []byte
	chunks  chan []byte
	readErr error
	done    chan struct{}
}

// New creates an engine for one exec channel.
func New(ch Channel, fsys objfs.FS, c Config) *Engine {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		ch:     ch,
		fs:     fsys,
		config: c,
		logger: logger,
		chunks: make(chan []byte),
		done:   make(chan struct{}),
	}
}

type exitStatus struct {
	Status uint32
}

// Run executes the command line arguments following "scp", then reports
// the exit status to the peer and closes the channel. It returns the
// exit status.
func (e *Engine) Run(ctx context.Context, args []string) int {
	status, msg := e.run(ctx, args)
	close(e.done)
	if msg != "" {
		if _, err := io.WriteString(e.ch, "\x01scp: "+msg+"\n"); err != nil {
			e.logger.Debug("scp: failed to send error", "error", err)
		}
	}
	if _, err := e.ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatus{Status: uint32(status)})); err != nil {
		e.logger.Warn("scp: failed to send exit-status", "error", err)
	}
	if err := e.ch.Close(); err != nil && !errors.Is(err, io.EOF) {
		e.logger.Debug("scp: failed to close channel", "error", err)
	}
	if e.config.Metrics != nil {
		e.config.Metrics.ObserveExit(status)
	}
	return status
}

func (e *Engine) run(ctx context.Context, args []string) (status int, msg string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scp: internal error",
				"args", args, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			status, msg = StatusFailure, "internal error"
		}
	}()
	err := e.exec(ctx, args)
	status, msg, expected := exitFor(err)
	switch {
	case !expected:
		e.logger.Error("scp: internal error", "args", args, "error", err)
	case err != nil:
		e.logger.Info("scp: reject", "args", args, "error", msg)
	}
	return status, msg
}

func (e *Engine) exec(ctx context.Context, args []string) error {
	o, err := ParseArgs(args)
	if err != nil {
		return err
	}
	e.opts = o
	e.logger.Debug("scp: start", "direction", o.Direction(), "path", o.Path,
		"recursive", o.Recursive, "directory", o.DirTarget, "preserve", o.Preserve, "verbose", o.Verbose)
	go e.pump()
	if o.To {
		return e.receive(ctx)
	}
	return e.send(ctx)
}

// pump moves channel reads into e.chunks so that waits can time out.
func (e *Engine) pump() {
	defer close(e.chunks)
	for {
		b := make([]byte, chunkSize)
		n, err := e.ch.Read(b)
		if n > 0 {
			select {
			case e.chunks <- b[:n]:
			case <-e.done:
				return
			}
		}
		if err != nil {
			e.readErr = err
			return
		}
	}
}

// fill appends the next chunk from the peer to e.buf.
func (e *Engine) fill(ctx context.Context) error {
	var timeout <-chan time.Time
	if e.config.Timeout > 0 {
		t := time.NewTimer(e.config.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case b, ok := <-e.chunks:
		if !ok {
			if e.readErr == nil || errors.Is(e.readErr, io.EOF) {
				return io.EOF
			}
			return e.readErr
		}
		e.buf = append(e.buf, b...)
		return nil
	case <-timeout:
		return timeoutError(e.config.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fillMore is fill where the end of the stream is premature.
func (e *Engine) fillMore(ctx context.Context) error {
	err := e.fill(ctx)
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (e *Engine) readLine(ctx context.Context) (string, error) {
	for {
		if i := bytes.IndexByte(e.buf, '\n'); i >= 0 {
			line := string(e.buf[:i])
			e.buf = e.buf[i+1:]
			return line, nil
		}
		if len(e.buf) > maxRecord {
			return "", errorf(StatusFailure, "record too long")
		}
		if err := e.fillMore(ctx); err != nil {
			return "", err
		}
	}
}

// readRecord reads the next control record. It returns io.EOF when the
// peer ends the stream cleanly between records.
func (e *Engine) readRecord(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	for {
		// a zero byte ends the previous file's data
		e.buf = bytes.TrimLeft(e.buf, "\x00")
		if len(e.buf) > 0 {
			break
		}
		if err := e.fill(ctx); err != nil {
			return Record{}, err
		}
	}
	line, err := e.readLine(ctx)
	if err != nil {
		return Record{}, err
	}
	e.logger.Debug("scp: record", "line", line)
	return ParseRecord(line)
}

func (e *Engine) readAck(ctx context.Context) error {
	for len(e.buf) == 0 {
		if err := e.fillMore(ctx); err != nil {
			return err
		}
	}
	b := e.buf[0]
	e.buf = e.buf[1:]
	switch b {
	case 0:
		return nil
	case 1, 2:
		line, err := e.readLine(ctx)
		if err != nil {
			return err
		}
		return errorf(StatusFailure, "%s", bytes.TrimPrefix([]byte(line), []byte("scp: ")))
	}
	return errorf(StatusFailure, "command not acknowledged (%q)", b)
}

func (e *Engine) ack() error {
	_, err := e.ch.Write([]byte{0})
	return err
}

func (e *Engine) observe(n int64) {
	if e.config.Metrics != nil {
		e.config.Metrics.ObserveTransfer(e.opts.Direction(), n)
	}
}
