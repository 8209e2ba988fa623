package sshd

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/jpillora/sftpcloudfs/scp"
	"github.com/jpillora/sftpcloudfs/sftpfs"
)

// Config is the configuration for the server
type Config struct {
	Host               string        `opts:"help=listening interface" yaml:"host"`
	Port               string        `opts:"short=p,help=listening port" yaml:"port"`
	KeyFile            string        `opts:"name=keyfile,help=a filepath to a private host key (for example an 'id_rsa' file)" yaml:"keyfile"`
	KeySeed            string        `opts:"name=keyseed,env,help=a string to use to seed host key generation" yaml:"keyseed"`
	KeySeedEC          bool          `opts:"name=keyseed-ec,env,help=use ed25519 for host key generation" yaml:"keyseed-ec"`
	MaxChildren        int64         `opts:"name=max-children,help=maximum number of concurrent connections" yaml:"max-children"`
	AuthTimeout        time.Duration `opts:"name=auth-timeout,help=time allowed to authenticate and open a channel (0 to disable)" yaml:"auth-timeout"`
	NegotiationTimeout time.Duration `opts:"name=negotiation-timeout,help=time allowed for key exchange (0 to disable)" yaml:"negotiation-timeout"`
	KeepAlive          time.Duration `opts:"name=keepalive,help=server keep alive interval (0 to disable)" yaml:"keepalive"`
	Ciphers            string        `opts:"help=comma separated list of allowed ciphers" yaml:"ciphers"`
	MACs               string        `opts:"name=macs,help=comma separated list of allowed MACs" yaml:"macs"`
	KeyExchanges       string        `opts:"name=kex,help=comma separated list of allowed key exchange algorithms" yaml:"kex"`
	NoSCP              bool          `opts:"name=no-scp,help=disable SCP support" yaml:"no-scp"`
	SCPTimeout         time.Duration `opts:"name=scp-timeout,help=time to wait for SCP peer data" yaml:"scp-timeout"`
	ShutdownTimeout    time.Duration `opts:"name=shutdown-timeout,help=time to wait for active connections on shutdown" yaml:"shutdown-timeout"`
	LogVerbose         bool          `opts:"name=verbose,short=v,help=verbose logs" yaml:"verbose"`
	LogQuiet           bool          `opts:"name=quiet,short=q,help=no logs" yaml:"quiet"`
	// programmatic options
	KeyBytes []byte        `opts:"-" yaml:"-"`
	Logger   *slog.Logger  `opts:"-" yaml:"-"`
	Backend  objfs.Backend `opts:"-" yaml:"-"`
	Metrics  Metrics       `opts:"-" yaml:"-"`
}

// Defaults
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = "8022"
	DefaultMaxChildren     = 20
	DefaultShutdownTimeout = 10 * time.Second
)

// Metrics observes the server, its SFTP adapters and its SCP engines.
type Metrics interface {
	sftpfs.Metrics
	scp.Metrics
	ConnectionOpened()
	ConnectionClosed(reason string)
	ObserveAuth(method string, ok bool)
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		MaxChildren:     DefaultMaxChildren,
		SCPTimeout:      scp.DefaultTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

func (c *Config) setDefaults() {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.MaxChildren == 0 {
		c.MaxChildren = DefaultMaxChildren
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Backend == nil {
		return errors.New("missing backend")
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.MaxChildren < 1 {
		return fmt.Errorf("max-children must be positive (got %d)", c.MaxChildren)
	}
	for name, d := range map[string]time.Duration{
		"auth-timeout":        c.AuthTimeout,
		"negotiation-timeout": c.NegotiationTimeout,
		"keepalive":           c.KeepAlive,
		"shutdown-timeout":    c.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.KeyFile != "" && len(c.KeyBytes) > 0 {
		return errors.New("keyfile and key bytes are mutually exclusive")
	}
	return nil
}
