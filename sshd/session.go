package sshd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/jpillora/sftpcloudfs/scp"
	"golang.org/x/crypto/ssh"
)

// Authenticator gates what a connection may do.
type Authenticator interface {
	// CheckAuth verifies a password and binds the backend connection.
	CheckAuth(user, secret string) error
	// CheckChannelRequest reports whether a channel type may be opened.
	CheckChannelRequest(kind string) error
	// CheckExecRequest starts the exec command on ch or rejects it.
	CheckExecRequest(ch ssh.Channel, command string) error
}

var _ Authenticator = (*Session)(nil)

// Session is the state of one connection.
type Session struct {
	ID     string
	Remote net.Addr

	server *Server
	ctx    context.Context
	logger *slog.Logger

	mu     sync.Mutex
	fs     objfs.FS
	user   string
	closed bool

	// unix nanos of the first authentication attempt
	negotiated atomic.Int64
	closeOnce  sync.Once
}

func newSession(ctx context.Context, s *Server, remote net.Addr) *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		Remote: remote,
		server: s,
		ctx:    ctx,
		logger: s.logger.With("session", id, "remote", remote.String()),
	}
}

// FS returns the authenticated backend connection, or nil.
func (s *Session) FS() objfs.FS {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs
}

// User returns the authenticated user name.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// CheckAuth implements Authenticator. The cause of a failure is logged
// and never returned.
func (s *Session) CheckAuth(user, secret string) error {
	if secret == "" {
		s.logger.Info("Empty password rejected", "user", user)
		return errAuthFailed
	}
	s.mu.Lock()
	bound := s.fs != nil || s.closed
	s.mu.Unlock()
	if bound {
		return errAuthFailed
	}
	fsys, err := s.server.config.Backend.Authenticate(s.ctx, user, secret)
	if err != nil {
		if errors.Is(err, objfs.ErrAuth) {
			s.logger.Info("Authentication rejected", "user", user, "error", err)
		} else {
			s.logger.Error("Authentication error", "user", user, "error", err)
		}
		return errAuthFailed
	}
	s.mu.Lock()
	if s.closed || s.fs != nil {
		s.mu.Unlock()
		// the connection ended while the backend was authenticating
		if err := fsys.Close(); err != nil {
			s.logger.Error("Failed to close backend connection", "error", err)
		}
		s.logger.Info("Authenticated after session ended", "user", user)
		return errAuthFailed
	}
	s.fs = fsys
	s.user = user
	s.mu.Unlock()
	s.logger.Info("Authenticated", "user", user)
	return nil
}

func (s *Session) logAuth(user, method string, err error) {
	s.negotiated.CompareAndSwap(0, time.Now().UnixNano())
	if m := s.server.config.Metrics; m != nil && method != "none" {
		m.ObserveAuth(method, err == nil)
	}
	if err != nil {
		s.logger.Debug("Auth attempt", "method", method, "user", user, "error", err)
		return
	}
	s.logger.Debug("Auth attempt", "method", method, "user", user, "ok", true)
}

// negotiatedAt returns when key exchange was seen to finish.
func (s *Session) negotiatedAt() (time.Time, bool) {
	n := s.negotiated.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// CheckChannelRequest implements Authenticator.
func (s *Session) CheckChannelRequest(kind string) error {
	if kind != "session" {
		return fmt.Errorf("channel type %q not allowed", kind)
	}
	return nil
}

// CheckExecRequest implements Authenticator. Only scp is honoured; it
// runs on its own goroutine until it closes ch.
func (s *Session) CheckExecRequest(ch ssh.Channel, command string) error {
	args, err := splitCommand(command)
	if err != nil {
		return err
	}
	if len(args) == 0 || args[0] != "scp" {
		return fmt.Errorf("command not allowed: %q", command)
	}
	if s.server.config.NoSCP {
		return errors.New("scp is disabled")
	}
	fsys := s.FS()
	if fsys == nil {
		return errors.New("not authenticated")
	}
	engine := scp.New(ch, fsys, scp.Config{
		Timeout: s.server.config.SCPTimeout,
		Logger:  s.logger,
		Metrics: s.server.config.Metrics,
	})
	go func() {
		status := engine.Run(s.ctx, args[1:])
		s.logger.Info("scp finished", "args", args[1:], "status", status)
	}()
	return nil
}

// splitCommand tokenizes an exec command line. Everything after a
// literal " -- " is a single path argument, spaces included.
func splitCommand(command string) ([]string, error) {
	head, tail, ok := strings.Cut(command, " -- ")
	args, err := shlex.Split(head)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if ok {
		args = append(args, "--", tail)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

// close releases the backend connection and then the transport.
func (s *Session) close(transport ...io.Closer) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		fsys := s.fs
		s.mu.Unlock()
		if fsys != nil {
			if err := fsys.Close(); err != nil {
				s.logger.Error("Failed to close backend connection", "error", err)
			}
		}
		for _, c := range transport {
			if c != nil {
				c.Close()
			}
		}
	})
}
