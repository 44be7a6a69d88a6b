package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dmiyatamd-byte/height-riona-app/internal/app"
	"github.com/dmiyatamd-byte/height-riona-app/internal/config"
	"github.com/dmiyatamd-byte/height-riona-app/internal/logging"
	"github.com/dmiyatamd-byte/height-riona-app/internal/mcp"
)

func main() {
	// stdout carries the MCP protocol
	log.SetOutput(os.Stderr)

	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	switch strings.ToLower(cfg.Logging.Output) {
	case logging.OutputFile, logging.OutputStderr:
	default:
		cfg.Logging.Output = logging.OutputStderr
	}
	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping MCP server...")
		cancel()
	}()

	server := mcp.NewServer(cfg.MCP, a.Service, logger)
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("MCP server failed")
		a.Close()
		os.Exit(1)
	}

	logger.Info("MCP server stopped")
}
