package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	slogctx "github.com/veqryn/slog-context"
)

// SetupSlog installs a slogctx-wrapped text handler as the default logger
// and returns a context carrying it. Daemon entrypoints call this once,
// before anything else logs.
func SetupSlog(ctx context.Context) context.Context {
	return SetupSlogToWriter(ctx, os.Stderr, slog.LevelInfo)
}

// SetupSlogJSON is SetupSlog with a JSON handler, for supervised processes
// whose output is collected by a service manager.
func SetupSlogJSON(ctx context.Context) context.Context {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return setup(ctx, handler)
}

func SetupSlogToWriter(ctx context.Context, w io.Writer, level slog.Level) context.Context {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return setup(ctx, handler)
}

func setup(ctx context.Context, handler slog.Handler) context.Context {
	ctxHandler := slogctx.NewHandler(handler, &slogctx.HandlerOptions{})

	logger := slog.New(ctxHandler)
	slog.SetDefault(logger)

	return slogctx.NewCtx(ctx, logger)
}
