// Package main provides the API server entry point for the portfolio rebalancer.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-rebalancer/internal/api"
	"github.com/portfolio-rebalancer/internal/app"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

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

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}
	server := api.NewServer(serverConfig, a.Service, a.Verifier, a.Store, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":      cfg.Server.Host,
		"port":      cfg.Server.Port,
		"store":     cfg.Store.Backend,
		"auth_mode": cfg.Auth.Mode,
	}).Info("Server started successfully")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("Server exited")
}
