package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jpillora/jplog"
	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/jpillora/sftpcloudfs/objfs/memfs"
	"github.com/jpillora/sftpcloudfs/objfs/s3fs"
	"github.com/jpillora/sftpcloudfs/sshd"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "/etc/sftpcloudfs.yaml"

type config struct {
	sshd.Config `opts:"mode=embedded" yaml:",inline"`

	ConfigFile  string `opts:"name=config,short=c,help=YAML config file applied before flags" yaml:"-"`
	LogFile     string `opts:"name=log-file,help=write logs to this file instead of stdout" yaml:"log-file"`
	MetricsAddr string `opts:"name=metrics-addr,help=serve prometheus metrics on this address" yaml:"metrics-addr"`
	Storage     string `opts:"name=backend,help=storage backend (memory or s3)" yaml:"backend"`
	Version     bool   `opts:"short=V,help=display version" yaml:"-"`

	S3 s3Config `opts:"mode=embedded" yaml:"s3"`

	// memory backend only
	Users      map[string]string `opts:"-" yaml:"users"`
	Containers []string          `opts:"-" yaml:"containers"`
}

type s3Config struct {
	Endpoint  string        `opts:"name=s3-endpoint,env=S3_ENDPOINT,help=S3 endpoint URL" yaml:"endpoint"`
	Region    string        `opts:"name=s3-region,env=AWS_REGION,help=S3 signing region" yaml:"region"`
	PathStyle bool          `opts:"name=s3-path-style,help=use path-style bucket addressing" yaml:"path-style"`
	PartSize  int64         `opts:"name=s3-part-size,help=multipart upload part size in bytes" yaml:"part-size"`
	Timeout   time.Duration `opts:"name=s3-timeout,help=timeout for each S3 call" yaml:"timeout"`
}

func defaultConfig() config {
	return config{
		Config:     sshd.DefaultConfig(),
		ConfigFile: defaultConfigFile,
		Storage:    "s3",
	}
}

// loadFile decodes the YAML file at path into c. A missing default file
// is not an error.
func (c *config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigFile {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// configPath finds --config or -c in args without parsing the other flags.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		for _, name := range []string{"--config", "-c"} {
			if v, ok := strings.CutPrefix(a, name+"="); ok {
				return v
			}
			if a == name && i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return defaultConfigFile
}

// logger returns the process logger and a func closing its output.
func (c *config) logger() (*slog.Logger, func() error, error) {
	if c.LogQuiet {
		return slog.New(slog.DiscardHandler), func() error { return nil }, nil
	}
	var w io.Writer = os.Stdout
	closeFn := func() error { return nil }
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closeFn = f.Close
	}
	h := jplog.Handler(w)
	if c.LogVerbose {
		h = h.Verbose()
	}
	return slog.New(h), closeFn, nil
}

func (c *config) backend(m s3fs.Metrics) (objfs.Backend, error) {
	switch c.Storage {
	case "memory":
		if len(c.Users) == 0 {
			return nil, errors.New("memory backend needs at least one user")
		}
		store := memfs.New()
		for user, pass := range c.Users {
			store.AddUser(user, pass)
		}
		for _, name := range c.Containers {
			store.CreateContainer(name)
		}
		return store, nil
	case "s3":
		return s3fs.New(s3fs.Config{
			Endpoint:  c.S3.Endpoint,
			Region:    c.S3.Region,
			PathStyle: c.S3.PathStyle,
			PartSize:  c.S3.PartSize,
			Timeout:   c.S3.Timeout,
			Metrics:   m,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Storage)
	}
}
