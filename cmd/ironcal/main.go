package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmiyatamd-byte/height-riona-app/internal/cli"
	"github.com/dmiyatamd-byte/height-riona-app/internal/config"
	"github.com/dmiyatamd-byte/height-riona-app/internal/logging"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := configManager.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	cfg := configManager.GetConfig()
	if cfg.Logging.Output != logging.OutputFile {
		cfg.Logging.Output = logging.OutputStderr
	}
	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.New(cfg, logger, os.Stdout).Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		logCloser.Close()
		os.Exit(1)
	}
}
