// Package main provides sigctl, a command-line client for the signaling daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cory-johannsen/roomsignal/internal/cli"
	"github.com/cory-johannsen/roomsignal/internal/config"
	"github.com/cory-johannsen/roomsignal/internal/observability"
	"github.com/cory-johannsen/roomsignal/internal/transport/websocket"
)

func main() {
	level := os.Getenv("SIGCTL_LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	logger, err := observability.NewLogger(config.LoggingConfig{Level: level, Format: "console", Service: "sigctl"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	deps := &cli.Dependencies{
		Out:    os.Stdout,
		Logger: logger,
		Dial: func(ctx context.Context, url string) (cli.Connection, error) {
			c, err := websocket.Dial(ctx, url, websocket.DefaultTiming, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(deps).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
