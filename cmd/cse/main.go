// Package main is the entry point of the cseweave CSE.
//
// The application performs the following initialization sequence:
//  1. Load configuration from config file and environment variables
//  2. Initialize structured logging with zap
//  3. Build the CSE runtime (store, dispatcher, managers)
//  4. Bootstrap the resource tree and start the background workers
//  5. Serve the HTTP binding with graceful shutdown support
//
// Graceful shutdown is triggered by SIGINT (Ctrl+C) or SIGTERM.
//
// Example usage:
//
//	# Start with default config lookup (./config, ., /etc/cseweave)
//	./cse
//
//	# Start with a custom config file
//	./cse --config=/etc/cseweave/config.yaml
//
//	# Start with environment variable overrides
//	export CSEWEAVE_SERVER_PORT=9090
//	export CSEWEAVE_STORAGE_BACKEND=redis
//	./cse
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/cse"
	"github.com/piwi3910/cseweave/internal/observability"
	"github.com/piwi3910/cseweave/internal/server"
)

// serviceName is reported on startup and in the version banner.
const serviceName = "cseweave"

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "%s version %s\n", serviceName, server.Version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the application. It returns an error on any critical
// initialization or runtime failure.
func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := observability.InitLogger(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
		cfg.Observability.Logging.Development,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("cseweave starting",
		zap.String("version", server.Version),
		zap.String("csi", cfg.CSE.CSEID),
		zap.String("backend", cfg.Storage.Backend),
	)

	c, err := cse.New(cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to build the CSE: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start the CSE: %w", err)
	}

	srv := server.New(cfg, c, logger.Logger)

	// Start blocks until a shutdown signal arrives and the binding has
	// drained; the CSE runtime stops afterwards.
	serveErr := srv.Start()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if err := c.Shutdown(stopCtx); err != nil {
		logger.Warn("cse shutdown reported errors", zap.Error(err))
	}

	return serveErr
}
