package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/api"
	"github.com/dmiyatamd-byte/height-riona-app/internal/app"
	"github.com/dmiyatamd-byte/height-riona-app/internal/config"
	"github.com/dmiyatamd-byte/height-riona-app/internal/logging"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	opts := []api.Option{api.WithHealth(a.Health)}
	if a.Metrics != nil {
		opts = append(opts, api.WithMetrics(a.Metrics, a.Registry))
	}
	server := api.NewServer(cfg.Server, a.Service, logger, opts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"storage": cfg.Storage.Driver,
	}).Info("Starting iron forecast API server")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		a.Close()
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
