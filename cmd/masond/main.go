// masond is the host daemon. It loads the configuration, fetches the
// builder image, converges the VM's on-disk state, and then supervises
// the VM in the configured lifecycle mode until terminated.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	slogctx "github.com/veqryn/slog-context"

	"github.com/masonvm/mason/pkg/config"
	"github.com/masonvm/mason/pkg/image"
	"github.com/masonvm/mason/pkg/lifecycle"
	"github.com/masonvm/mason/pkg/logging"
	"github.com/masonvm/mason/pkg/vmmgr"
	"github.com/masonvm/mason/pkg/vmmgr/lima"
	"github.com/masonvm/mason/pkg/vmmgr/vfkit"
)

func main() {
	configPath := flag.String("config", "/etc/mason/masond.yaml", "configuration file")
	jsonLogs := flag.Bool("log-json", false, "log in JSON instead of text")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *jsonLogs {
		ctx = logging.SetupSlogJSON(ctx)
	} else {
		ctx = logging.SetupSlog(ctx)
	}
	ctx = slogctx.With(ctx, slog.Int("pid", os.Getpid()))

	if err := run(ctx, *configPath); err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "masond failed", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "masond stopped")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Enable {
		slog.InfoContext(ctx, "builder is disabled, nothing to do")
		return nil
	}

	imagePath, err := image.Fetch(ctx, image.Spec(cfg.Image), cfg.ImageDir())
	if err != nil {
		return err
	}
	def := cfg.Definition(imagePath)

	var mgr vmmgr.Manager
	switch cfg.Backend {
	case "lima":
		mgr = lima.New(filepath.Join(cfg.DataDir, "lima"))
	case "vfkit":
		mgr = vfkit.New(cfg.VMDir())
	}

	slog.InfoContext(ctx, "masond starting",
		"vm", def.Name, "backend", cfg.Backend, "onDemand", cfg.OnDemand)
	return lifecycle.New(cfg, mgr).Run(ctx, def)
}
