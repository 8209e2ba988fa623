package sshd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/jpillora/sftpcloudfs/xssh"
	"golang.org/x/crypto/ssh"
)

// pollInterval is how often the handshake is checked against the timeouts.
const pollInterval = 100 * time.Millisecond

type handshake struct {
	conn  *ssh.ServerConn
	chans <-chan ssh.NewChannel
	reqs  <-chan *ssh.Request
	err   error
}

// HandleConn runs the worker for one connection until the session ends
// or ctx is cancelled. The backend connection is closed before the
// transport.
func (s *Server) HandleConn(ctx context.Context, netConn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := newSession(ctx, s, netConn.RemoteAddr())
	sess.logger.Debug("New connection")
	if m := s.config.Metrics; m != nil {
		m.ConnectionOpened()
	}
	reason := "panic"
	var sshConn *ssh.ServerConn
	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error("Connection worker panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		if sshConn != nil {
			sess.close(sshConn, netConn)
		} else {
			sess.close(netConn)
		}
		if m := s.config.Metrics; m != nil {
			m.ConnectionClosed(reason)
		}
		sess.logger.Debug("Connection closed", "reason", reason)
	}()
	hs, reason := s.handshake(ctx, sess, netConn)
	if hs == nil {
		return
	}
	sshConn = hs.conn
	sess.logger.Debug("New SSH connection", "client", string(sshConn.ClientVersion()))
	// Wrap the connection in an xssh.Conn and serve
	opened := make(chan struct{})
	conn := xssh.NewConn(sshConn, s.gate(sess, hs.chans, opened), hs.reqs, s.xsshConfig(sess))
	go conn.Serve()
	gone := make(chan struct{})
	go func() {
		sshConn.Wait()
		close(gone)
	}()
	if reason = s.awaitChannel(ctx, sess, opened, gone); reason != "" {
		return
	}
	reason = s.awaitClose(ctx, gone)
}

// handshake runs the SSH handshake in the background and polls it until
// it completes or a timeout elapses. On failure it returns the reason.
func (s *Server) handshake(ctx context.Context, sess *Session, netConn net.Conn) (*handshake, string) {
	result := make(chan handshake, 1)
	go func() {
		c, chans, reqs, err := ssh.NewServerConn(netConn, s.serverConfig(sess))
		result <- handshake{c, chans, reqs, err}
	}()
	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case hs := <-result:
			if hs.err != nil {
				if errors.Is(hs.err, io.EOF) {
					sess.logger.Debug("Handshake aborted by peer")
				} else {
					sess.logger.Info("Failed to handshake", "error", hs.err)
				}
				return nil, "handshake-failed"
			}
			return &hs, ""
		case <-ctx.Done():
			return nil, "shutdown"
		case <-ticker.C:
			at, ok := sess.negotiatedAt()
			if !ok {
				if t := s.config.NegotiationTimeout; t > 0 && time.Since(start) > t {
					sess.logger.Info("Negotiation timed out", "timeout", t)
					return nil, "negotiation-timeout"
				}
				continue
			}
			if t := s.config.AuthTimeout; t > 0 && time.Since(at) > t {
				sess.logger.Info("Authentication timed out", "timeout", t)
				return nil, "auth-timeout"
			}
		}
	}
}

// awaitChannel waits for the first channel within what is left of the
// auth timeout. gone is closed when the peer disconnects.
func (s *Server) awaitChannel(ctx context.Context, sess *Session, opened, gone <-chan struct{}) string {
	var timeout <-chan time.Time
	if t := s.config.AuthTimeout; t > 0 {
		at, _ := sess.negotiatedAt()
		timer := time.NewTimer(t - time.Since(at))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-opened:
		return ""
	case <-gone:
		sess.logger.Debug("Disconnected before opening a channel")
		return "completed"
	case <-timeout:
		sess.logger.Info("No channel opened in time", "timeout", s.config.AuthTimeout)
		return "auth-timeout"
	case <-ctx.Done():
		return "shutdown"
	}
}

// awaitClose blocks until the peer goes away or the server terminates.
func (s *Server) awaitClose(ctx context.Context, gone <-chan struct{}) string {
	select {
	case <-gone:
		return "completed"
	case <-ctx.Done():
		return "shutdown"
	}
}

// gate applies CheckChannelRequest to every new channel and signals
// opened once the first one is allowed through.
func (s *Server) gate(sess *Session, in <-chan ssh.NewChannel, opened chan<- struct{}) <-chan ssh.NewChannel {
	out := make(chan ssh.NewChannel)
	go func() {
		defer close(out)
		first := true
		for nc := range in {
			if err := sess.CheckChannelRequest(nc.ChannelType()); err != nil {
				sess.logger.Debug("Refused channel", "type", nc.ChannelType())
				nc.Reject(ssh.Prohibited, err.Error())
				continue
			}
			if first {
				first = false
				close(opened)
			}
			out <- nc
		}
	}()
	return out
}

func (s *Server) xsshConfig(sess *Session) *xssh.Config {
	return &xssh.Config{
		Logger:    sess.logger,
		KeepAlive: s.config.KeepAlive,
		Session:   true,
		SubsystemHandlers: map[string]xssh.SubsystemHandler{
			"sftp": s.sftpHandler(sess),
		},
		ExecHandler: func(xs *xssh.Session, command string) error {
			return sess.CheckExecRequest(xs.Channel, command)
		},
	}
}
