package tlog

import (
	"context"
	"log/slog"
	"testing"

	"github.com/masonvm/mason/pkg/logging"
)

// SetupSlogForTest returns a context whose logger writes through t.Log,
// so log output interleaves with test output and is only shown on failure.
func SetupSlogForTest(t testing.TB) context.Context {
	return logging.SetupSlogToWriter(t.Context(), testWriter{t}, slog.LevelDebug)
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
