//go:build linux

// mason-idled is the guest idle monitor for on-demand instances. It
// watches for established SSH sessions and powers the guest off after
// the configured linger duration passes without any.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/masonvm/mason/pkg/idle"
	"github.com/masonvm/mason/pkg/logging"
)

func main() {
	configPath := flag.String("config", idle.DefaultConfigPath, "idle policy file")
	port := flag.Int("port", 22, "local sshd port to watch")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logging.SetupSlog(ctx)

	cfg, err := idle.LoadConfig(*configPath)
	if err != nil {
		slog.ErrorContext(ctx, "loading idle policy failed", "error", err)
		os.Exit(1)
	}

	if err := idle.NewMonitor(cfg, *port).Run(ctx); err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "idle monitor failed", "error", err)
		os.Exit(1)
	}
}
