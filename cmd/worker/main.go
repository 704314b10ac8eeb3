// Package main provides the drift monitor entry point for the portfolio rebalancer.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-rebalancer/internal/app"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	if cfg.Store.Backend == config.StoreMemory {
		logger.Warn("Drift monitor on the in-memory store only sees its own empty state")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize rebalancer")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("Error closing connections")
		}
	}()

	monitor, err := worker.NewDriftMonitor(&worker.DriftMonitorConfig{
		Source:       a.Service,
		Sink:         a.Sink,
		Logger:       logger,
		PollInterval: cfg.Monitor.PollInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create drift monitor")
	}

	if err := monitor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start drift monitor")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := monitor.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Drift monitor did not stop cleanly")
	}

	status := monitor.GetStatus()
	logger.WithFields(map[string]interface{}{
		"last_poll": status.LastPollTime,
		"flagged":   status.Flagged,
	}).Info("Worker exited")
}
