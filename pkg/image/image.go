// Package image acquires the builder disk image: download, checksum,
// decompress, and convert to the raw format the VM manager boots from.
// Fetch is idempotent; a second call with an unchanged spec touches
// nothing.
package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cavaliergopher/grab/v3"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/lima-vm/go-qcow2reader/convert"
	"github.com/mholt/archives"
	"gitlab.com/tozd/go/errors"
)

// Spec identifies the image to fetch. SHA256 is the digest of the file at
// URL as downloaded, before any decompression.
type Spec struct {
	URL    string
	SHA256 string
}

const (
	diskName   = "disk.img"
	markerName = "disk.img.sha256"
)

var qcow2Magic = []byte{'Q', 'F', 'I', 0xfb}

// Fetch ensures the raw builder image is present under dir and returns
// its path. The digest marker is written last, so an interrupted fetch is
// simply redone on the next call.
func Fetch(ctx context.Context, spec Spec, dir string) (string, error) {
	if spec.URL == "" {
		return "", errors.New("image url must not be empty")
	}

	final := filepath.Join(dir, diskName)
	marker := filepath.Join(dir, markerName)

	if applied, err := os.ReadFile(marker); err == nil {
		if string(bytes.TrimSpace(applied)) == spec.SHA256 {
			if _, err := os.Stat(final); err == nil {
				slog.DebugContext(ctx, "builder image up to date", "path", final)
				return final, nil
			}
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Errorf("creating image dir: %w", err)
	}

	downloaded, err := download(ctx, spec.URL, filepath.Join(dir, "download"))
	if err != nil {
		return "", err
	}

	if spec.SHA256 != "" {
		if err := verifyDigest(downloaded, spec.SHA256); err != nil {
			// a corrupt download is not retried against the same bytes
			_ = os.Remove(downloaded)
			return "", err
		}
	}

	tmp := final + ".tmp"
	if err := reformat(ctx, downloaded, tmp); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", errors.Errorf("moving image into place: %w", err)
	}
	if err := os.WriteFile(marker, []byte(spec.SHA256+"\n"), 0o644); err != nil {
		return "", errors.Errorf("writing image marker: %w", err)
	}

	slog.InfoContext(ctx, "builder image ready", "path", final)
	return final, nil
}

func download(ctx context.Context, url, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Errorf("creating download dir: %w", err)
	}

	target := filepath.Join(dir, filepath.Base(url))
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	slog.InfoContext(ctx, "downloading builder image", "url", url)

	req, err := grab.NewRequest(dir, url)
	if err != nil {
		return "", errors.Errorf("building download request: %w", err)
	}
	req = req.WithContext(ctx)

	resp := grab.DefaultClient.Do(req)
	if err := resp.Err(); err != nil {
		return "", errors.Errorf("downloading %s: %w", url, err)
	}

	if resp.Filename != target {
		if err := os.Rename(resp.Filename, target); err != nil {
			return "", errors.Errorf("moving download into place: %w", err)
		}
	}
	return target, nil
}

func verifyDigest(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Errorf("opening download: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Errorf("hashing download: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return errors.Errorf("image digest mismatch: got %s, want %s", got, want)
	}
	return nil
}

// reformat writes the raw image at out, decompressing and converting the
// input as needed.
func reformat(ctx context.Context, in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return errors.Errorf("opening download: %w", err)
	}
	defer f.Close()

	format, rdr, err := archives.Identify(ctx, in, f)
	if err != nil && !errors.Is(err, archives.NoMatch) {
		return errors.Errorf("identifying download format: %w", err)
	}

	var src io.Reader = rdr
	if compression, ok := format.(archives.Compression); ok {
		slog.InfoContext(ctx, "decompressing builder image", "format", format.Extension())
		rc, err := compression.OpenReader(rdr)
		if err != nil {
			return errors.Errorf("opening compressed download: %w", err)
		}
		defer rc.Close()
		src = rc
	}

	outFile, err := os.OpenFile(out, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Errorf("creating image file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, src); err != nil {
		return errors.Errorf("writing image file: %w", err)
	}

	isQcow2, err := hasQcow2Magic(outFile)
	if err != nil {
		return err
	}
	if !isQcow2 {
		return outFile.Close()
	}

	slog.InfoContext(ctx, "converting qcow2 image to raw")

	rawPath := out + ".raw"
	rawFile, err := os.Create(rawPath)
	if err != nil {
		return errors.Errorf("creating raw image file: %w", err)
	}
	defer rawFile.Close()

	img, err := qcow2reader.Open(outFile)
	if err != nil {
		return errors.Errorf("opening qcow2 image: %w", err)
	}
	if err := convert.Convert(rawFile, img, convert.Options{}); err != nil {
		return errors.Errorf("converting qcow2 to raw: %w", err)
	}
	if err := rawFile.Close(); err != nil {
		return errors.Errorf("closing raw image: %w", err)
	}
	outFile.Close()
	if err := os.Rename(rawPath, out); err != nil {
		return errors.Errorf("replacing qcow2 with raw image: %w", err)
	}
	return nil
}

func hasQcow2Magic(f *os.File) (bool, error) {
	magic := make([]byte, len(qcow2Magic))
	if _, err := f.ReadAt(magic, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, errors.Errorf("probing image magic: %w", err)
	}
	return bytes.Equal(magic, qcow2Magic), nil
}
