package sshtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/sftpcloudfs/sshd/sshtest/scenario"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrRejected is returned by Exec when the server refuses the request.
var ErrRejected = errors.New("exec request rejected")

// ExecResult contains the result of an exec request.
type ExecResult struct {
	Output   []byte
	Stderr   string
	ExitCode int
}

// ClientOption configures a client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	name     string
	user     string
	password string
	events   *EventBus
	timeout  time.Duration
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		user:     scenario.DefaultUser,
		password: scenario.DefaultPassword,
		timeout:  10 * time.Second,
	}
}

// ClientWithName sets the client name (for identification in tests).
func ClientWithName(name string) ClientOption {
	return func(c *clientConfig) {
		c.name = name
	}
}

// ClientWithUser sets the SSH user.
func ClientWithUser(user string) ClientOption {
	return func(c *clientConfig) {
		c.user = user
	}
}

// ClientWithPassword sets the password.
func ClientWithPassword(password string) ClientOption {
	return func(c *clientConfig) {
		c.password = password
	}
}

// ClientWithEvents sets the event bus for the client.
func ClientWithEvents(events *EventBus) ClientOption {
	return func(c *clientConfig) {
		c.events = events
	}
}

// ClientWithTimeout bounds the handshake.
func ClientWithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// Client is an SSH client of a test Server.
type Client struct {
	config *clientConfig
	server Server
	events *EventBus

	mu        sync.Mutex
	sshClient *ssh.Client
}

// NewClient creates a client of server. Events go to the server's bus
// unless ClientWithEvents is given.
func NewClient(server Server, opts ...ClientOption) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	events := cfg.events
	if events == nil {
		events = server.Events()
	}
	return &Client{config: cfg, server: server, events: events}
}

// Connect dials the server and authenticates with the password.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sshClient != nil {
		return errors.New("already connected")
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.timeout)
	defer cancel()
	conn, err := c.server.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sshConfig := &ssh.ClientConfig{
		User:            c.config.user,
		Auth:            []ssh.AuthMethod{ssh.Password(c.config.password)},
		HostKeyCallback: ssh.FixedHostKey(c.server.HostKey()),
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.server.Addr(), sshConfig)
	if err != nil {
		conn.Close()
		c.events.Emit(scenario.EventAuthFailure, "client", c.config.name, "error", err.Error())
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetDeadline(time.Time{})
	c.sshClient = ssh.NewClient(sshConn, chans, reqs)
	c.events.Emit(scenario.EventConnected, "client", c.config.name, "user", c.config.user)
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sshClient == nil {
		return nil
	}
	err := c.sshClient.Close()
	c.sshClient = nil
	c.events.Emit(scenario.EventDisconnected, "client", c.config.name)
	return err
}

// SSH returns the underlying client, or nil when not connected.
func (c *Client) SSH() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sshClient
}

func (c *Client) connected() (*ssh.Client, error) {
	if sc := c.SSH(); sc != nil {
		return sc, nil
	}
	return nil, errors.New("not connected")
}

// chunkPause separates the writes of ExecChunks so the server sees them
// as separate reads.
const chunkPause = 5 * time.Millisecond

// Exec runs cmd, writes input to it and collects everything the server
// writes back until it closes the channel.
func (c *Client) Exec(cmd string, input []byte) (*ExecResult, error) {
	return c.ExecChunks(cmd, input)
}

// ExecChunks is Exec with the input written one chunk at a time.
func (c *Client) ExecChunks(cmd string, chunks ...[]byte) (*ExecResult, error) {
	client, err := c.connected()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	session.Stdout = &stdout
	session.Stderr = &stderr
	c.events.Emit(scenario.EventExecStarted, "client", c.config.name, "command", cmd)
	if err := session.Start(cmd); err != nil {
		c.events.Emit(scenario.EventExecRejected, "client", c.config.name, "command", cmd)
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	go func() {
		defer stdin.Close()
		for i, chunk := range chunks {
			if i > 0 {
				time.Sleep(chunkPause)
			}
			if _, err := stdin.Write(chunk); err != nil {
				return
			}
		}
	}()
	result := &ExecResult{}
	if err := session.Wait(); err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}
	result.Output = stdout.Bytes()
	result.Stderr = stderr.String()
	c.events.Emit(scenario.EventExecCompleted, "client", c.config.name, "command", cmd, "status", strconv.Itoa(result.ExitCode))
	return result, nil
}

// SFTP starts the sftp subsystem.
func (c *Client) SFTP() (*sftp.Client, error) {
	client, err := c.connected()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp: %w", err)
	}
	c.events.Emit(scenario.EventSFTPStarted, "client", c.config.name)
	return sc, nil
}

// OpenChannel opens and immediately closes a channel of the given type.
func (c *Client) OpenChannel(kind string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	ch, reqs, err := client.OpenChannel(kind, nil)
	if err != nil {
		return err
	}
	go ssh.DiscardRequests(reqs)
	return ch.Close()
}
