// Package main — cmd/pulsed/main.go
//
// Pulse agent daemon entrypoint.
//
// Startup sequence:
//  1. Flags (-config, -version).
//  2. Load and validate config.
//  3. Initialise structured logger (zap).
//  4. Construct the Daemon (acquires the process lock, loads persisted
//     state, and wires every component — spec §4.9 steps 1-4).
//  5. Start the health/control HTTP server.
//  6. Start the Prometheus metrics server.
//  7. Run the main loop.
//  8. Register SIGHUP handler for config hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to the loop and both servers).
//  2. Wait for Run to return.
//  3. Daemon.Close: final state save, release process lock.
//  4. Flush logger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pulseagent/pulse/internal/config"
	"github.com/pulseagent/pulse/internal/daemon"
	"github.com/pulseagent/pulse/internal/observability"
)

func main() {
	configPath := flag.String("config", "/etc/pulse/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("pulsed %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("pulse starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
		zap.String("state_dir", cfg.StateDir),
	)

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Fatal("daemon init failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := d.HealthServer().Serve(ctx); err != nil {
			log.Error("health server error", zap.Error(err))
		}
	}()
	log.Info("health server started", zap.String("addr", cfg.HTTP.HealthAddr))

	go func() {
		if err := d.Metrics().Serve(ctx, cfg.HTTP.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.HTTP.MetricsAddr))

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- d.Run(ctx)
	}()
	log.Info("main loop started", zap.Duration("loop_interval", cfg.Daemon.LoopInterval))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			d.Reload(*configPath)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			log.Error("main loop exited with error", zap.Error(err))
		}
		cancel()
	}

	if err := d.Close(); err != nil {
		log.Error("daemon close failed", zap.Error(err))
	}

	log.Info("pulse shutdown complete")
}
