package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jpillora/opts"
	"github.com/jpillora/sftpcloudfs/metrics"
	"github.com/jpillora/sftpcloudfs/sshd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var version string = "0.0.0-src" //set via ldflags

const summary = `sftpcloudfs serves SFTP and SCP over SSH on top of object storage.
Users log in with their storage credentials: the S3 access key id as the
username and the secret access key as the password.`

func main() {
	c := defaultConfig()
	if err := c.loadFile(configPath(os.Args[1:])); err != nil {
		log.Fatal(err)
	}
	opts.New(&c).
		Name("sftpcloudfs").
		Summary(summary).
		Repo("github.com/jpillora/sftpcloudfs").
		Parse()
	if c.Version {
		fmt.Print(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, &c); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, c *config) error {
	logger, closeLog, err := c.logger()
	if err != nil {
		return err
	}
	defer closeLog()
	if os.Geteuid() == 0 {
		logger.Warn("Running as root, consider an unprivileged user")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	backend, err := c.backend(m)
	if err != nil {
		return err
	}
	sc := c.Config
	sc.Logger = logger
	sc.Backend = backend
	sc.Metrics = m
	server, err := sshd.NewServer(sc)
	if err != nil {
		return err
	}
	logger.Info("Starting", "version", version, "backend", c.Storage)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartContext(ctx)
	})
	if c.MetricsAddr != "" {
		ms := metrics.NewServer(c.MetricsAddr, reg, logger)
		g.Go(func() error {
			return ms.Start(ctx)
		})
	}
	return g.Wait()
}
