// Command reaper runs the liveness sweep (C5) standalone, for
// deployments that prefer a dedicated reaper process rather than
// co-locating the sweep inside a worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantdesk/marketjobs/internal/bootstrap"
	"github.com/quantdesk/marketjobs/internal/config"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/reaper"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration document")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{Mode: "production", File: c.Logging.File, Level: c.Logging.Level, MaxBytes: c.Logging.MaxBytes})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.Backend(ctx, c, log)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}
	defer backend.Close()

	r := reaper.New(reaper.Config{Interval: c.Reaper.Interval(), StaleAfter: c.Reaper.StaleAfter()}, backend, log)
	r.Run(ctx)
	return nil
}
