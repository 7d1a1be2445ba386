//go:build linux

// mason-guest-init runs once at guest boot, before sshd. It drains the
// shared secret channel into the guest filesystem and publishes the
// authorized-keys guard file. A non-zero exit leaves sshd's dependency
// unsatisfied, so a guest without installed keys never accepts logins.
package main

import (
	"context"
	"log/slog"
	"os"

	slogctx "github.com/veqryn/slog-context"

	"github.com/masonvm/mason/pkg/channel"
	"github.com/masonvm/mason/pkg/guestinit"
	"github.com/masonvm/mason/pkg/logging"
)

func main() {
	ctx := logging.SetupSlog(context.Background())
	ctx = slogctx.With(ctx, slog.Int("pid", os.Getpid()))

	svc := guestinit.New(channel.VirtiofsMounter{})
	if err := svc.Run(ctx); err != nil {
		slog.ErrorContext(ctx, "key installation failed", "error", err)
		os.Exit(1)
	}
}
