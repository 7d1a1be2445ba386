package vfkit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containers/common/pkg/strongunits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonvm/mason/pkg/vmdef"
)

func testDefinition(t *testing.T) *vmdef.Definition {
	image := filepath.Join(t.TempDir(), "base.img")
	require.NoError(t, os.WriteFile(image, []byte("raw-image-bytes"), 0o644))
	return &vmdef.Definition{
		Name:    "mason",
		Cpus:    4,
		Memory:  strongunits.GiB(4).ToBytes(),
		Disk:    strongunits.MiB(1).ToBytes(),
		Image:   image,
		Mounts:  []vmdef.Mount{{Location: t.TempDir()}},
		SSHPort: 31222,
		Rosetta: false,
	}
}

func TestRegisterLifecycle(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "vm"))
	def := testDefinition(t)

	ok, err := m.Registered(t.Context(), "mason")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Register(t.Context(), def))

	ok, err = m.Registered(t.Context(), "mason")
	require.NoError(t, err)
	assert.True(t, ok)

	// the disk was grown to the requested size
	info, err := os.Stat(filepath.Join(m.bundle("mason"), diskFile))
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), info.Size())

	require.NoError(t, m.Deregister(t.Context(), "mason"))
	ok, err = m.Registered(t.Context(), "mason")
	require.NoError(t, err)
	assert.False(t, ok)

	// deregistering an absent vm is success
	require.NoError(t, m.Deregister(t.Context(), "mason"))
}

func TestRegistrationRecordWrittenLast(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "vm"))
	def := testDefinition(t)

	// a crash mid-registration leaves bundle files but no record
	require.NoError(t, os.MkdirAll(m.bundle("mason"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(m.bundle("mason"), diskFile), []byte("partial"), 0o644))

	ok, err := m.Registered(t.Context(), "mason")
	require.NoError(t, err)
	assert.False(t, ok)

	// re-registering over the partial bundle converges it
	require.NoError(t, m.Register(t.Context(), def))
	ok, err = m.Registered(t.Context(), "mason")
	require.NoError(t, err)
	assert.True(t, ok)

	record, err := os.ReadFile(filepath.Join(m.bundle("mason"), definitionFile))
	require.NoError(t, err)
	want, err := def.Render()
	require.NoError(t, err)
	assert.Equal(t, want, record)
}

func TestVirtualMachineDevices(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "vm"))
	def := testDefinition(t)
	def.Rosetta = true
	dir := m.bundle(def.Name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	vm, err := m.virtualMachine(def, dir)
	require.NoError(t, err)

	args, err := vm.ToCmdLine()
	require.NoError(t, err)
	joined := ""
	for _, a := range args {
		joined += a + " "
	}

	assert.Contains(t, joined, "virtio-blk")
	assert.Contains(t, joined, "mount0")
	assert.Contains(t, joined, "rosetta")
	assert.Contains(t, joined, "virtio-net")
}

func TestRunRefusesForeignBundle(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "vm"))
	def := testDefinition(t)
	require.NoError(t, m.Register(t.Context(), def))

	// the applied record no longer matches the desired definition
	def.Cpus = 8
	err := m.Run(t.Context(), def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different definition")
}
