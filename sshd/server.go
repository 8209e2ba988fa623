// Package sshd is the connection supervisor of the server. It accepts
// connections, authenticates users against an objfs.Backend and exposes
// each authenticated session through the "sftp" subsystem and scp exec
// requests.
package sshd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/jplog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"
)

// Server accepts connections and runs one worker per connection.
type Server struct {
	config  Config
	logger  *slog.Logger
	signer  ssh.Signer
	ciphers []string
	macs    []string
	kex     []string
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	active  atomic.Int64
}

// NewServer creates a new Server
func NewServer(c Config) (*Server, error) {
	if l := c.Logger; l == nil {
		if c.LogQuiet {
			l = slog.New(slog.DiscardHandler)
		} else {
			h := jplog.Handler(os.Stdout)
			if c.LogVerbose {
				h = h.Verbose()
			}
			l = slog.New(h)
		}
		c.Logger = l
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		config: c,
		logger: c.Logger,
		sem:    semaphore.NewWeighted(c.MaxChildren),
	}
	signer, err := s.loadHostKey()
	if err != nil {
		return nil, err
	}
	s.signer = signer
	s.computeAlgorithms()
	if c.NoSCP {
		s.infof("SCP disabled")
	}
	return s, nil
}

// Config returns the server configuration.
func (s *Server) Config() Config {
	return s.config
}

// HostKey returns the public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// Active returns the number of running connection workers.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Start listening on port
func (s *Server) Start() error {
	return s.StartContext(context.Background())
}

// StartContext listening on port with context
func (s *Server) StartContext(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, s.config.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.StartWithContext(ctx, l)
}

// StartWithContext serves connections from l until ctx is cancelled or
// the listener fails. Active workers are then told to terminate and are
// awaited for at most ShutdownTimeout.
// Ignores the Host and Port in the config.
func (s *Server) StartWithContext(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer l.Close()
	s.infof("Listening on %s...", l.Addr())
	// Close listener when context is cancelled
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	err := s.acceptLoop(ctx, l)
	s.infof("Closing server")
	// forward termination to every worker
	cancel()
	if werr := s.wait(); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) error {
	for {
		// a slot is reserved before accepting so that excess clients
		// wait in the listen backlog
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := l.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.errorf("Failed to accept incoming connection (%s)", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		s.active.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.active.Add(-1)
			s.HandleConn(ctx, conn)
		}()
	}
}

func (s *Server) wait() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out with %d active connections", s.Active())
	}
}

func (s *Server) debugf(f string, args ...interface{}) {
	if !s.config.LogQuiet {
		// debug logs only emit if enabled on the slogger (verbose is enabled)
		s.logger.Debug(fmt.Sprintf(f, args...))
	}
}

func (s *Server) infof(f string, args ...interface{}) {
	if !s.config.LogQuiet {
		s.logger.Info(fmt.Sprintf(f, args...))
	}
}

func (s *Server) errorf(f string, args ...interface{}) {
	if !s.config.LogQuiet {
		s.logger.Error(fmt.Sprintf(f, args...))
	}
}
