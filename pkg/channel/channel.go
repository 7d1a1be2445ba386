// Package channel is the shared secret channel: a one-way, host-to-guest
// virtiofs directory through which key material reaches the guest exactly
// once per VM boot. The host side populates the source directory during
// provisioning; the guest side mounts it read-only at boot, drains it, and
// unmounts. The transport cannot restrict what the guest reads, so the
// channel's security rests entirely on what the host puts there and for
// how long the guest keeps it mounted.
package channel

import (
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"
)

const (
	// HostKeyFile is the guest sshd host private key, relative to the
	// channel root.
	HostKeyFile = "ssh_host_ed25519_key"
	// UserKeyFile is the host user's public key, relative to the channel
	// root, destined for the builder account's authorized_keys.
	UserKeyFile = "ssh_user_ed25519_key.pub"

	// GuestMountPoint is where the guest service mounts the channel.
	GuestMountPoint = "/run/mason-secrets"
)

// Populate writes both secret files into the channel source directory.
// The directory itself is created owner-only; the host private key file is
// never readable beyond the owner on the host side. Re-population after a
// crash simply overwrites, which is safe because the guest only ever reads
// the channel strictly after a host-side provisioning run completed.
func Populate(dir string, hostPrivateKey, userPublicKey []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Errorf("creating channel source dir: %w", err)
	}
	if err := writeReplacing(filepath.Join(dir, HostKeyFile), hostPrivateKey, 0o600); err != nil {
		return errors.Errorf("placing host private key in channel: %w", err)
	}
	if err := writeReplacing(filepath.Join(dir, UserKeyFile), userPublicKey, 0o644); err != nil {
		return errors.Errorf("placing user public key in channel: %w", err)
	}
	return nil
}

// Clear removes the channel's secret files, ignoring absence.
func Clear(dir string) error {
	for _, name := range []string{HostKeyFile, UserKeyFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Errorf("clearing channel file %s: %w", name, err)
		}
	}
	return nil
}

func writeReplacing(path string, data []byte, mode os.FileMode) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing previous channel file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return errors.Errorf("creating channel file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Errorf("writing channel file: %w", err)
	}
	return f.Close()
}
