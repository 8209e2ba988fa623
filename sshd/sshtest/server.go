// Package sshtest runs an sshd.Server over an in-memory store for tests
// and drives it with real SSH, SFTP and SCP clients.
package sshtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jpillora/sftpcloudfs/objfs/memfs"
	"github.com/jpillora/sftpcloudfs/sshd"
	"github.com/jpillora/sftpcloudfs/sshd/sshtest/log"
	"github.com/jpillora/sftpcloudfs/sshd/sshtest/scenario"
	"github.com/jpillora/sftpcloudfs/sshd/xnet"
	"golang.org/x/crypto/ssh"
)

// Server represents an SSH server for testing.
type Server interface {
	// Start starts the server. Must be called before connecting clients.
	Start(ctx context.Context) error

	// Stop cancels the server and waits for it to return.
	Stop() error

	// Addr returns the listener address.
	Addr() string

	// Dial opens a transport connection to the server.
	Dial(ctx context.Context) (net.Conn, error)

	// HostKey returns the server's host key.
	HostKey() ssh.PublicKey

	// Store returns the backing object store.
	Store() *memfs.Store

	// SSHD returns the running server.
	SSHD() *sshd.Server

	// Events returns the event bus for this server.
	Events() *EventBus
}

// ServerOption configures a server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	sshd.Config
	users      map[string]string
	containers []string
	store      *memfs.Store
	tcp        bool
	logCapture *log.Capture
	events     *EventBus
}

func defaultServerConfig() *serverConfig {
	c := sshd.DefaultConfig()
	c.Port = "0"
	c.KeySeed = "test-server-key"
	c.KeySeedEC = true
	c.LogQuiet = true
	return &serverConfig{
		Config: c,
		users:  map[string]string{},
	}
}

// ServerWithUser adds a user to the store.
func ServerWithUser(user, password string) ServerOption {
	return func(c *serverConfig) {
		c.users[user] = password
	}
}

// ServerWithContainer creates a container in the store.
func ServerWithContainer(name string) ServerOption {
	return func(c *serverConfig) {
		c.containers = append(c.containers, name)
	}
}

// ServerWithStore uses an existing store instead of a new one.
func ServerWithStore(store *memfs.Store) ServerOption {
	return func(c *serverConfig) {
		c.store = store
	}
}

// ServerWithConfig edits the server configuration.
func ServerWithConfig(fn func(*sshd.Config)) ServerOption {
	return func(c *serverConfig) {
		fn(&c.Config)
	}
}

// ServerWithMetrics sets the metrics sink.
func ServerWithMetrics(m sshd.Metrics) ServerOption {
	return func(c *serverConfig) {
		c.Metrics = m
	}
}

// ServerWithTCP listens on a loopback TCP port instead of in memory.
func ServerWithTCP() ServerOption {
	return func(c *serverConfig) {
		c.tcp = true
	}
}

// ServerWithLogger sets the log capture for the server.
func ServerWithLogger(logger *log.Capture) ServerOption {
	return func(c *serverConfig) {
		c.logCapture = logger
	}
}

// ServerWithEvents sets the event bus for the server.
func ServerWithEvents(events *EventBus) ServerOption {
	return func(c *serverConfig) {
		c.events = events
	}
}

// serverLite wraps sshd.Server for testing.
type serverLite struct {
	config   *serverConfig
	store    *memfs.Store
	server   *sshd.Server
	listener net.Listener
	mem      xnet.ListenerDialer
	events   *EventBus

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	err     error
}

// NewServer creates a new test server with the given options. Without
// ServerWithUser the store has the scenario default user.
func NewServer(opts ...ServerOption) (Server, error) {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	store := cfg.store
	if store == nil {
		store = memfs.New()
		if len(cfg.users) == 0 {
			cfg.users[scenario.DefaultUser] = scenario.DefaultPassword
		}
	}
	for user, pass := range cfg.users {
		store.AddUser(user, pass)
	}
	for _, name := range cfg.containers {
		store.CreateContainer(name)
	}
	cfg.Backend = store
	if cfg.logCapture != nil {
		cfg.Logger = cfg.logCapture.Logger()
		cfg.LogQuiet = false
	}
	events := cfg.events
	if events == nil {
		events = NewEventBus()
	}
	return &serverLite{
		config: cfg,
		store:  store,
		events: events,
		doneCh: make(chan struct{}),
	}, nil
}

// Start starts the server.
func (s *serverLite) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	server, err := sshd.NewServer(s.config.Config)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	s.server = server
	if s.config.tcp {
		l, _, err := xnet.ListenLocal()
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		s.listener = l
	} else {
		s.mem = xnet.NewMem()
		s.listener = s.mem
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.doneCh)
		err := s.server.StartWithContext(ctx, s.listener)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.events.Emit(scenario.EventServerStopped)
	}()
	s.events.Emit(scenario.EventServerStarted, "addr", s.listener.Addr().String())
	return nil
}

// Stop stops the server and returns the error it exited with.
func (s *serverLite) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.cancel()
	<-s.doneCh
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *serverLite) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *serverLite) Dial(ctx context.Context) (net.Conn, error) {
	if s.listener == nil {
		return nil, errors.New("server not started")
	}
	if s.mem != nil {
		return s.mem.Dial(ctx, "", "")
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", s.Addr())
}

func (s *serverLite) HostKey() ssh.PublicKey {
	if s.server == nil {
		return nil
	}
	return s.server.HostKey()
}

func (s *serverLite) Store() *memfs.Store { return s.store }

func (s *serverLite) SSHD() *sshd.Server { return s.server }

func (s *serverLite) Events() *EventBus { return s.events }
