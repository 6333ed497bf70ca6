// Command worker is the worker process entrypoint: load config, build a
// backend, register the built-in handlers, and run the main loop until
// SIGTERM/SIGINT, per spec section 6's process model.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantdesk/marketjobs/internal/bootstrap"
	"github.com/quantdesk/marketjobs/internal/config"
	"github.com/quantdesk/marketjobs/internal/observability"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/registry"
	"github.com/quantdesk/marketjobs/internal/registry/handlers"
	"github.com/quantdesk/marketjobs/internal/registry/handlers/collaborators"
	"github.com/quantdesk/marketjobs/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the worker configuration document")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on (empty disables it)")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
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

	shutdownTracing := observability.InitTracing(ctx, log, observability.OtelConfig{ServiceName: "marketjobs-worker"})
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	backend, err := bootstrap.Backend(ctx, c, log)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}
	defer backend.Close()

	reg2 := registry.New()
	if err := registerBuiltins(reg2); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	wc := worker.FromAppConfig(c)
	rt := worker.New(wc, backend, reg2, log, metrics)
	return rt.Run(ctx)
}

// registerBuiltins wires the four required job kinds against their
// production collaborator implementations.
func registerBuiltins(reg *registry.Registry) error {
	if err := reg.Register(&handlers.TechnicalAnalysis{Evaluator: collaborators.NewEvaluator()}); err != nil {
		return err
	}
	if err := reg.Register(&handlers.PriceUpdate{Fetcher: collaborators.NewFetcher()}); err != nil {
		return err
	}
	if err := reg.Register(&handlers.DataImport{Loader: collaborators.NewBulkLoader()}); err != nil {
		return err
	}
	if err := reg.Register(&handlers.PortfolioAnalysis{Scorer: collaborators.NewPortfolioScorer()}); err != nil {
		return err
	}
	return nil
}
