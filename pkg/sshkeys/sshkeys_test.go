package sshkeys_test

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/masonvm/mason/pkg/sshkeys"
)

func TestGenerateRoundTrip(t *testing.T) {
	pair, err := sshkeys.Generate("mason-user")
	require.NoError(t, err)

	signer, err := pair.Signer()
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())

	pub, err := pair.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey().Marshal(), pub.Marshal())

	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(pair.Public)), "mason-user"))
	_, comment, _, _, err := ssh.ParseAuthorizedKey(pair.Public)
	require.NoError(t, err)
	assert.Equal(t, "mason-user", comment)
}

func TestGenerateIsFresh(t *testing.T) {
	a, err := sshkeys.Generate("a")
	require.NoError(t, err)
	b, err := sshkeys.Generate("a")
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a.Public, b.Public))
}

func TestWritePairModes(t *testing.T) {
	dir := t.TempDir()

	pair, err := sshkeys.Generate("mason-host")
	require.NoError(t, err)
	require.NoError(t, sshkeys.WritePair(dir, sshkeys.HostKeyName, pair, sshkeys.PrivateModeOwner))

	mode, err := sshkeys.PrivateKeyMode(dir, sshkeys.HostKeyName)
	require.NoError(t, err)
	assert.Equal(t, sshkeys.PrivateModeOwner, mode)

	info, err := os.Stat(filepath.Join(dir, sshkeys.HostKeyName+".pub"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), info.Mode().Perm())

	loaded, err := sshkeys.LoadPair(dir, sshkeys.HostKeyName)
	require.NoError(t, err)
	assert.Equal(t, pair.Private, loaded.Private)
	assert.Equal(t, pair.Public, loaded.Public)
}

func TestWritePairReplacesLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, sshkeys.UserKeyName)

	// a previous run left a world-readable private key behind
	require.NoError(t, os.WriteFile(privPath, []byte("stale"), 0o644))

	pair, err := sshkeys.Generate("mason-user")
	require.NoError(t, err)
	require.NoError(t, sshkeys.WritePair(dir, sshkeys.UserKeyName, pair, sshkeys.PrivateModeGroup))

	mode, err := sshkeys.PrivateKeyMode(dir, sshkeys.UserKeyName)
	require.NoError(t, err)
	assert.Equal(t, sshkeys.PrivateModeGroup, mode)
}

func TestRemovePair(t *testing.T) {
	dir := t.TempDir()

	pair, err := sshkeys.Generate("mason-user")
	require.NoError(t, err)
	require.NoError(t, sshkeys.WritePair(dir, sshkeys.UserKeyName, pair, sshkeys.PrivateModeOwner))

	require.NoError(t, sshkeys.RemovePair(dir, sshkeys.UserKeyName))
	_, err = os.Stat(filepath.Join(dir, sshkeys.UserKeyName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, sshkeys.UserKeyName+".pub"))
	assert.True(t, os.IsNotExist(err))

	// removing an already-absent pair is success, not an error
	require.NoError(t, sshkeys.RemovePair(dir, sshkeys.UserKeyName))
}

func TestKnownHostsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")

	pair, err := sshkeys.Generate("mason-host")
	require.NoError(t, err)
	require.NoError(t, sshkeys.WriteKnownHosts(path, "mason", pair.Public))

	pinned, err := sshkeys.ReadKnownHostsKey(path, "mason")
	require.NoError(t, err)

	want, err := pair.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, want.Marshal(), pinned.Marshal())
}

func TestKnownHostsWrongAlias(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")

	pair, err := sshkeys.Generate("mason-host")
	require.NoError(t, err)
	require.NoError(t, sshkeys.WriteKnownHosts(path, "mason", pair.Public))

	_, err = sshkeys.ReadKnownHostsKey(path, "other")
	assert.Error(t, err)
}
