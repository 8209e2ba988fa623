// Package xssh provides an SSH connection handler that dispatches global
// requests, channels, and session requests to registered handlers.
// Sessions only offer subsystems and exec: there are no shells, PTYs or
// environment requests.
package xssh

import (
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config is the configuration for an xssh.Conn.
// It provides handlers for global requests, channels, and session requests.
type Config struct {
	// Logger for debug and error messages. If nil, logging is disabled.
	Logger *slog.Logger
	// KeepAlive interval. If > 0, sends periodic keepalive@openssh.com
	// requests and closes the connection when one fails.
	KeepAlive time.Duration
	// Session registers the built-in "session" channel handler.
	Session bool
	// Handlers for different SSH protocol elements
	GlobalRequestHandlers  map[string]GlobalRequestHandler
	ChannelHandlers        map[string]ChannelHandler
	SessionRequestHandlers map[string]SessionRequestHandler
	SubsystemHandlers      map[string]SubsystemHandler
	// ExecHandler handles "exec" session requests. If nil, exec is refused.
	ExecHandler ExecHandler
}

// GlobalRequestHandler handles global (connection-level) SSH requests.
// Return an error to reject the request; return nil to accept.
// Call req.Reply() to send a custom reply; otherwise auto-reply is sent.
type GlobalRequestHandler func(conn Conn, req *Request) error

// ChannelHandler handles new SSH channel requests.
// Return an error to reject the channel; return nil to accept.
type ChannelHandler func(conn Conn, ch ssh.NewChannel) error

// SessionRequestHandler handles requests within an SSH session.
// Return an error to reject the request; return nil to accept.
// Call req.Reply() to send a custom reply; otherwise auto-reply is sent.
type SessionRequestHandler func(sess *Session, req *Request) error

// SubsystemHandler handles subsystem requests (e.g., sftp).
// Return an error to reject the request; return nil to accept.
type SubsystemHandler func(sess *Session, req *Request) error

// ExecHandler handles an exec request with its decoded command line.
// Return an error to reject the request; the handler owns the session
// channel once it returns nil.
type ExecHandler func(sess *Session, command string) error
