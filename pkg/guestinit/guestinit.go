// Package guestinit is the guest's one-shot key installation service. It
// runs at boot, strictly before sshd, drains the shared secret channel
// into the guest filesystem, and publishes the authorized-keys file whose
// existence forbids every later run.
package guestinit

import (
	"context"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"gitlab.com/tozd/go/errors"

	"github.com/masonvm/mason/pkg/channel"
	"github.com/masonvm/mason/pkg/vmdef"
)

const (
	// DefaultHostKeyPath is where sshd expects its host identity.
	DefaultHostKeyPath = "/etc/ssh/ssh_host_ed25519_key"
	// DefaultAuthorizedKeysPath is the final authorized-keys location and
	// doubles as the guard file: present means installation completed.
	DefaultAuthorizedKeysPath = "/etc/ssh/authorized_keys.d/builder"
	// DefaultOwner is the build account that authenticates with the
	// installed user key.
	DefaultOwner = "builder"
)

// Mounter attaches and detaches the secret channel.
// channel.VirtiofsMounter is the real one.
type Mounter interface {
	Mount(tag, dir string) error
	Unmount(dir string) error
}

// Service performs the MountPending to KeysInstalled transition.
type Service struct {
	Mounter            Mounter
	Tag                string
	MountDir           string
	HostKeyPath        string
	AuthorizedKeysPath string
	Owner              string

	lookupOwner func(name string) (uid, gid int, err error)
	chown       func(path string, uid, gid int) error
}

func New(m Mounter) *Service {
	return &Service{
		Mounter:            m,
		Tag:                vmdef.Tag(0),
		MountDir:           channel.GuestMountPoint,
		HostKeyPath:        DefaultHostKeyPath,
		AuthorizedKeysPath: DefaultAuthorizedKeysPath,
		Owner:              DefaultOwner,
		lookupOwner:        lookupOwner,
		chown:              os.Chown,
	}
}

// Run executes the installation sequence. If the guard file already
// exists the run is refused and reported as success; the supervisor's own
// condition on the same path makes this branch a second line of defense.
//
// The channel is unmounted before the final rename, so the guard file's
// presence implies the channel was mounted and unmounted exactly once.
// The rename itself is the last action; any earlier failure leaves the
// guard absent and the boot fails before sshd starts.
func (s *Service) Run(ctx context.Context) error {
	if _, err := os.Stat(s.AuthorizedKeysPath); err == nil {
		slog.InfoContext(ctx, "keys already installed, refusing to run",
			"guard", s.AuthorizedKeysPath)
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Errorf("probing guard file: %w", err)
	}

	slog.InfoContext(ctx, "mounting secret channel", "tag", s.Tag, "dir", s.MountDir)
	if err := s.Mounter.Mount(s.Tag, s.MountDir); err != nil {
		return err
	}
	mounted := true
	defer func() {
		// the channel must not outlive the run, failed or not; the
		// install error stays the one reported
		if !mounted {
			return
		}
		if err := s.Mounter.Unmount(s.MountDir); err != nil {
			slog.WarnContext(ctx, "unmounting channel after failed install", "error", err)
		}
	}()

	tmp, err := s.installFromChannel(ctx)
	if err != nil {
		return err
	}

	if err := s.Mounter.Unmount(s.MountDir); err != nil {
		return err
	}
	mounted = false

	if err := os.Rename(tmp, s.AuthorizedKeysPath); err != nil {
		return errors.Errorf("publishing authorized keys: %w", err)
	}

	slog.InfoContext(ctx, "keys installed", "guard", s.AuthorizedKeysPath)
	return nil
}

// installFromChannel copies both secrets out of the mounted channel. The
// authorized-keys content stays at the returned temporary path beside its
// final location until the caller renames it.
func (s *Service) installFromChannel(ctx context.Context) (string, error) {
	hostKey, err := os.ReadFile(filepath.Join(s.MountDir, channel.HostKeyFile))
	if err != nil {
		return "", errors.Errorf("reading host key from channel: %w", err)
	}
	if err := writeExact(s.HostKeyPath, hostKey, 0o600); err != nil {
		return "", errors.Errorf("installing host key: %w", err)
	}
	slog.InfoContext(ctx, "installed host key", "path", s.HostKeyPath)

	userKey, err := os.ReadFile(filepath.Join(s.MountDir, channel.UserKeyFile))
	if err != nil {
		return "", errors.Errorf("reading user key from channel: %w", err)
	}
	tmp := s.AuthorizedKeysPath + ".tmp"
	if err := writeExact(tmp, userKey, 0o644); err != nil {
		return "", errors.Errorf("staging authorized keys: %w", err)
	}

	uid, gid, err := s.lookupOwner(s.Owner)
	if err != nil {
		return "", errors.Errorf("resolving owner %q: %w", s.Owner, err)
	}
	if err := s.chown(tmp, uid, gid); err != nil {
		return "", errors.Errorf("owning staged authorized keys: %w", err)
	}

	return tmp, nil
}

func lookupOwner(name string) (int, int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, errors.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, errors.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	return uid, gid, nil
}

// writeExact creates path with mode already applied, never leaving a
// window where the file is more readable than mode allows.
func writeExact(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Errorf("creating parent dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing previous file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return errors.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
