package channel

import (
	"os"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// VirtiofsMounter mounts the channel by virtiofs tag. It is the only
// Mounter used in the guest; everything else is test doubles.
type VirtiofsMounter struct{}

// Mount attaches the channel read-only at dir. Execution and device nodes
// are disabled on the mount: the channel carries data, never code.
func (VirtiofsMounter) Mount(tag, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Errorf("creating mount point: %w", err)
	}
	flags := uintptr(unix.MS_RDONLY | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_NOSUID)
	if err := unix.Mount(tag, dir, "virtiofs", flags, ""); err != nil {
		return errors.Errorf("mounting virtiofs tag %q at %s: %w", tag, dir, err)
	}
	return nil
}

// Unmount detaches the channel and removes the mount point.
func (VirtiofsMounter) Unmount(dir string) error {
	if err := unix.Unmount(dir, 0); err != nil {
		return errors.Errorf("unmounting %s: %w", dir, err)
	}
	if err := os.Remove(dir); err != nil {
		return errors.Errorf("removing mount point: %w", err)
	}
	return nil
}
