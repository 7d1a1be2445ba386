package channel_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonvm/mason/pkg/channel"
)

func TestPopulate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")

	require.NoError(t, channel.Populate(dir, []byte("host-private"), []byte("user-public")))

	priv, err := os.ReadFile(filepath.Join(dir, channel.HostKeyFile))
	require.NoError(t, err)
	assert.Equal(t, "host-private", string(priv))

	info, err := os.Stat(filepath.Join(dir, channel.HostKeyFile))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o700), info.Mode().Perm())

	pub, err := os.ReadFile(filepath.Join(dir, channel.UserKeyFile))
	require.NoError(t, err)
	assert.Equal(t, "user-public", string(pub))
}

func TestPopulateOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")

	require.NoError(t, channel.Populate(dir, []byte("old"), []byte("old")))
	require.NoError(t, channel.Populate(dir, []byte("new-priv"), []byte("new-pub")))

	priv, err := os.ReadFile(filepath.Join(dir, channel.HostKeyFile))
	require.NoError(t, err)
	assert.Equal(t, "new-priv", string(priv))

	mode, err := os.Stat(filepath.Join(dir, channel.HostKeyFile))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), mode.Mode().Perm())
}

func TestClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")

	require.NoError(t, channel.Populate(dir, []byte("a"), []byte("b")))
	require.NoError(t, channel.Clear(dir))

	_, err := os.Stat(filepath.Join(dir, channel.HostKeyFile))
	assert.True(t, os.IsNotExist(err))

	// clearing an empty channel is success
	require.NoError(t, channel.Clear(dir))
}
