package config_test

import (
	"testing"

	"github.com/containers/common/pkg/strongunits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonvm/mason/pkg/config"
)

const validYAML = `
enable: true
onDemand: true
cores: 12
memory: 16GiB
diskSize: 200GiB
port: 31222
lingerMinutes: 60
permitNonRootSshAccess: true
image:
  url: https://example.com/mason/disk.img.xz
  sha256: 0c79e897a8f1f966a2eb9184ffd0edda033f1b4c4d3660a2c1db369bb3ee0b0d
`

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.OnDemand)
	assert.Equal(t, uint(12), cfg.Cores)
	assert.Equal(t, strongunits.B(16*1024*1024*1024), cfg.MemoryBytes())
	assert.Equal(t, 60, cfg.LingerMinutes)
	assert.True(t, cfg.PermitNonRootSshAccess)
	assert.Equal(t, "lima", cfg.Backend)
	assert.Equal(t, "/var/lib/mason", cfg.DataDir)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte("image:\n  url: https://example.com/disk.img\n"))
	require.NoError(t, err)

	assert.True(t, cfg.Enable)
	assert.False(t, cfg.OnDemand)
	assert.Equal(t, config.DefaultSSHPort, cfg.Port)
	assert.Equal(t, 180, cfg.LingerMinutes)
	assert.Equal(t, "mason", cfg.VMName)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown field", "imagee: {}\n"},
		{"bad memory", "memory: lots\nimage:\n  url: u\n"},
		{"privileged port", "port: 22\nimage:\n  url: u\n"},
		{"bad backend", "backend: qemu\nimage:\n  url: u\n"},
		{"missing image", "cores: 4\n"},
		{"relative data dir", "dataDir: mason\nimage:\n  url: u\n"},
		{"zero linger on demand", "onDemand: true\nlingerMinutes: 0\nimage:\n  url: u\n"},
		{"no room for forward port", "onDemand: true\nport: 65535\nimage:\n  url: u\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestForwardPort(t *testing.T) {
	cfg, err := config.Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, cfg.Port+1, cfg.ForwardPort(), "on-demand moves the vm forward off the public port")
	assert.Equal(t, cfg.ForwardPort(), cfg.Definition("/img").SSHPort)

	cfg.OnDemand = false
	assert.Equal(t, cfg.Port, cfg.ForwardPort())
}

func TestDefinitionBridge(t *testing.T) {
	cfg, err := config.Parse([]byte(validYAML))
	require.NoError(t, err)

	def := cfg.Definition("/var/lib/mason/image/disk.img")
	require.NoError(t, def.Validate())

	assert.Equal(t, cfg.VMName, def.Name)
	assert.True(t, def.Rosetta)
	require.Len(t, def.Mounts, 1)
	// the secrets channel must be mount0: the guest addresses it by index
	assert.Equal(t, cfg.SecretsDir(), def.Mounts[0].Location)
	assert.False(t, def.Mounts[0].Writable)
}
