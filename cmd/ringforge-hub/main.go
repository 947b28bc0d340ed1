// Command ringforge-hub runs the RingForge Hub: the channel gateway,
// admin API, and metrics endpoint behind a single HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"os/signal"

	"github.com/ringforge/hub/internal/config"
	"github.com/ringforge/hub/internal/hubserver"
	"github.com/ringforge/hub/internal/logging"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	logging.Setup()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logging.PrintBanner(version, cfg.ListenAddr())

	server, err := hubserver.New(cfg)
	if err != nil {
		slog.Error("build server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("ringforge-hub listening", "addr", cfg.ListenAddr(), "region", cfg.HubRegion)
	if err := server.Serve(ctx); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
