package image

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonvm/mason/pkg/testing/tlog"
)

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// seedDownload places bytes where download() looks before going to the
// network, so tests never leave the machine.
func seedDownload(t *testing.T, dir, url string, data []byte) {
	t.Helper()
	dl := filepath.Join(dir, "download")
	require.NoError(t, os.MkdirAll(dl, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dl, filepath.Base(url)), data, 0o644))
}

func TestFetchRawImage(t *testing.T) {
	ctx := tlog.SetupSlogForTest(t)
	dir := t.TempDir()
	raw := []byte("just a raw disk image")
	url := "https://builds.example.invalid/builder.img"
	seedDownload(t, dir, url, raw)

	path, err := Fetch(ctx, Spec{URL: url, SHA256: digest(raw)}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "disk.img"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	marker, err := os.ReadFile(filepath.Join(dir, "disk.img.sha256"))
	require.NoError(t, err)
	assert.Equal(t, digest(raw)+"\n", string(marker))
}

func TestFetchRejectsDigestMismatch(t *testing.T) {
	ctx := tlog.SetupSlogForTest(t)
	dir := t.TempDir()
	url := "https://builds.example.invalid/builder.img"
	seedDownload(t, dir, url, []byte("tampered"))

	_, err := Fetch(ctx, Spec{URL: url, SHA256: digest([]byte("expected"))}, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
	assert.NoFileExists(t, filepath.Join(dir, "disk.img"))
	assert.NoFileExists(t, filepath.Join(dir, "download", "builder.img"),
		"a corrupt download must not be kept")
}

func TestFetchIsIdempotent(t *testing.T) {
	ctx := tlog.SetupSlogForTest(t)
	dir := t.TempDir()
	raw := []byte("image contents")
	url := "https://builds.example.invalid/builder.img"
	seedDownload(t, dir, url, raw)
	spec := Spec{URL: url, SHA256: digest(raw)}

	first, err := Fetch(ctx, spec, dir)
	require.NoError(t, err)

	// wreck the cache; a marker hit must not look at it again
	require.NoError(t, os.WriteFile(filepath.Join(dir, "download", "builder.img"), []byte("gone"), 0o644))

	second, err := Fetch(ctx, spec, dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	got, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestFetchDecompressesGzip(t *testing.T) {
	ctx := tlog.SetupSlogForTest(t)
	dir := t.TempDir()
	raw := []byte("uncompressed disk image bytes")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	url := "https://builds.example.invalid/builder.img.gz"
	seedDownload(t, dir, url, buf.Bytes())

	path, err := Fetch(ctx, Spec{URL: url, SHA256: digest(buf.Bytes())}, dir)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestFetchRequiresURL(t *testing.T) {
	ctx := tlog.SetupSlogForTest(t)
	_, err := Fetch(ctx, Spec{}, t.TempDir())
	assert.Error(t, err)
}
