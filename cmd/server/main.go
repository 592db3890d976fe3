// Veloracoin - escrow ledger engine for the Velora coin economy
package main

import (
	"context"
	"os"

	"github.com/veloraapp/veloracoin/internal/config"
	"github.com/veloraapp/veloracoin/internal/logging"
	"github.com/veloraapp/veloracoin/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting veloracoin",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"escrow_expiry", cfg.EscrowExpiry,
		"hold_floor", cfg.HoldFloor,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
