// Package vfkit is the VM manager backend that drives vfkit directly,
// for hosts without lima. Each VM is a bundle directory under the manager
// root: the disk image, the EFI variable store, and the rendered
// definition. The definition file doubles as the registration record and
// is written strictly last during Register, so its presence proves a
// complete registration.
package vfkit

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/crc-org/vfkit/pkg/config"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/masonvm/mason/pkg/gvnet"
	"github.com/masonvm/mason/pkg/vmdef"
	"github.com/masonvm/mason/pkg/vmmgr"
)

const (
	definitionFile = "definition.yaml"
	diskFile       = "disk.img"
	efiStoreFile   = "efistore.nvram"
	consoleLogFile = "console.log"
	networkSocket  = "gvnet.sock"
)

type Manager struct {
	vfkitPath string
	root      string
}

// New returns a manager whose bundles live under root.
func New(root string) *Manager {
	return &Manager{
		vfkitPath: "vfkit",
		root:      root,
	}
}

func (m *Manager) bundle(name string) string {
	return filepath.Join(m.root, name)
}

func (m *Manager) Registered(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(m.bundle(name), definitionFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Errorf("probing registration: %w", err)
}

func (m *Manager) Register(ctx context.Context, def *vmdef.Definition) error {
	rendered, err := def.Render()
	if err != nil {
		return err
	}

	dir := m.bundle(def.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Errorf("creating bundle dir: %w", err)
	}

	if err := prepareDisk(def.Image, filepath.Join(dir, diskFile), uint64(def.Disk)); err != nil {
		return errors.Errorf("preparing disk: %w", err)
	}

	// written last: registration becomes visible only now
	if err := os.WriteFile(filepath.Join(dir, definitionFile), rendered, 0o644); err != nil {
		return errors.Errorf("writing registration record: %w", err)
	}
	return nil
}

func (m *Manager) Deregister(ctx context.Context, name string) error {
	if err := os.RemoveAll(m.bundle(name)); err != nil {
		return errors.Errorf("removing bundle: %w", err)
	}
	return nil
}

func (m *Manager) Run(ctx context.Context, def *vmdef.Definition) error {
	dir := m.bundle(def.Name)

	applied, err := os.ReadFile(filepath.Join(dir, definitionFile))
	if err != nil {
		return errors.Errorf("reading registration record: %w", err)
	}
	rendered, err := def.Render()
	if err != nil {
		return err
	}
	if !bytes.Equal(applied, rendered) {
		return errors.Errorf("%w: bundle %s was registered from a different definition",
			vmmgr.ErrForeignInstance, dir)
	}

	vm, err := m.virtualMachine(def, dir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	err = gvnet.Serve(ctx, g, &gvnet.Config{
		VfkitSocketPath: filepath.Join(dir, networkSocket),
		HostSSHPort:     def.SSHPort,
	})
	if err != nil {
		return errors.Errorf("starting virtual network: %w", err)
	}

	cmd, err := vm.Cmd(m.vfkitPath)
	if err != nil {
		return errors.Errorf("building vfkit command: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = logWriter{ctx}

	slog.InfoContext(ctx, "starting vfkit", "bundle", dir, "args", cmd.Args)

	if err := cmd.Start(); err != nil {
		return errors.Errorf("starting vfkit: %w", err)
	}

	g.Go(func() error {
		<-ctx.Done()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil
	})

	waitErr := cmd.Wait()
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.WarnContext(ctx, "virtual network shutdown", "error", err)
	}
	if waitErr != nil && ctx.Err() == nil {
		return errors.Errorf("vfkit exited: %w", waitErr)
	}
	return nil
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	// the vfkit process is a child of Run; cancelling Run's context kills
	// it. Nothing to do against a bundle that is not running.
	return nil
}

func (m *Manager) virtualMachine(def *vmdef.Definition, dir string) (*config.VirtualMachine, error) {
	bootloader := config.NewEFIBootloader(filepath.Join(dir, efiStoreFile), true)
	vm := config.NewVirtualMachine(def.Cpus, uint64(def.Memory)/(1<<20), bootloader)

	disk, err := config.VirtioBlkNew(filepath.Join(dir, diskFile))
	if err != nil {
		return nil, errors.Errorf("creating disk device: %w", err)
	}
	if err := vm.AddDevice(disk); err != nil {
		return nil, errors.Errorf("adding disk device: %w", err)
	}

	for i, mount := range def.Mounts {
		share, err := config.VirtioFsNew(mount.Location, vmdef.Tag(i))
		if err != nil {
			return nil, errors.Errorf("creating share %s: %w", vmdef.Tag(i), err)
		}
		if err := vm.AddDevice(share); err != nil {
			return nil, errors.Errorf("adding share %s: %w", vmdef.Tag(i), err)
		}
	}

	if def.Rosetta {
		rosetta, err := config.RosettaShareNew("rosetta")
		if err != nil {
			return nil, errors.Errorf("creating rosetta share: %w", err)
		}
		if err := vm.AddDevice(rosetta); err != nil {
			return nil, errors.Errorf("adding rosetta share: %w", err)
		}
	}

	netdev, err := config.VirtioNetNew(gvnet.GuestMAC)
	if err != nil {
		return nil, errors.Errorf("creating net device: %w", err)
	}
	netdev.SetUnixSocketPath(filepath.Join(dir, networkSocket))
	if err := vm.AddDevice(netdev); err != nil {
		return nil, errors.Errorf("adding net device: %w", err)
	}

	rng, err := config.VirtioRngNew()
	if err != nil {
		return nil, errors.Errorf("creating rng device: %w", err)
	}
	if err := vm.AddDevice(rng); err != nil {
		return nil, errors.Errorf("adding rng device: %w", err)
	}

	serial, err := config.VirtioSerialNew(filepath.Join(dir, consoleLogFile))
	if err != nil {
		return nil, errors.Errorf("creating serial device: %w", err)
	}
	if err := vm.AddDevice(serial); err != nil {
		return nil, errors.Errorf("adding serial device: %w", err)
	}

	return vm, nil
}

// prepareDisk copies the raw base image into the bundle and grows it to
// size. Re-running after a crash rewrites the disk from scratch, which is
// correct: an interrupted registration has no registration record, so the
// disk never held guest state worth keeping.
func prepareDisk(imagePath, diskPath string, size uint64) error {
	src, err := os.Open(imagePath)
	if err != nil {
		return errors.Errorf("opening base image: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(diskPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Errorf("creating disk: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Errorf("copying base image: %w", err)
	}
	if err := dst.Close(); err != nil {
		return errors.Errorf("closing disk: %w", err)
	}

	info, err := os.Stat(diskPath)
	if err != nil {
		return errors.Errorf("probing disk size: %w", err)
	}
	if uint64(info.Size()) < size {
		if err := os.Truncate(diskPath, int64(size)); err != nil {
			return errors.Errorf("growing disk to %d bytes: %w", size, err)
		}
	}
	return nil
}

type logWriter struct {
	ctx context.Context
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		slog.Log(w.ctx, slog.LevelInfo, "vfkit: "+line)
	}
	return len(p), nil
}

var _ vmmgr.Manager = (*Manager)(nil)
