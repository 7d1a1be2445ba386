//go:build darwin

// transport.ListenUnixgram only has a darwin implementation; elsewhere
// it refuses the unixgram scheme at runtime.

package gvnet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/masonvm/mason/pkg/testing/tlog"
)

func TestServeListensAndCleansUp(t *testing.T) {
	ctx, cancel := context.WithCancel(tlog.SetupSlogForTest(t))
	sock := filepath.Join(t.TempDir(), "gvnet.sock")

	g, gctx := errgroup.WithContext(ctx)
	err := Serve(gctx, g, &Config{
		VfkitSocketPath: sock,
		HostSSHPort:     31223,
	})
	require.NoError(t, err)

	// the socket must be ready for vfkit the moment Serve returns
	_, err = os.Stat(sock)
	require.NoError(t, err)

	cancel()
	g.Wait()
	assert.NoFileExists(t, sock, "socket must be removed on shutdown")
}

func TestGuestSSHAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:31222", GuestSSHAddr(31222))
}
