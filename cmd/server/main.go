// Command server runs the distrokit entitlement and tenant hierarchy API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/distrokit/internal/config"
	"github.com/mbd888/distrokit/internal/logging"
	"github.com/mbd888/distrokit/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "distrokit:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With(
		slog.Group("build", "version", version, "commit", commit),
	)
	slog.SetDefault(logger)
	logger.Info("starting distrokit",
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"stripe", cfg.StripeSecretKey != "",
		"resync_schedule", cfg.ResyncSchedule,
	)

	server.Version = version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return srv.Run(context.Background())
}
