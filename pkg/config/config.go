// Package config is the host-side option surface of masond.
package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/containers/common/pkg/strongunits"
	"github.com/docker/go-units"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/masonvm/mason/pkg/sshkeys"
	"github.com/masonvm/mason/pkg/vmdef"
)

// DefaultSSHPort is the non-default port the guest's sshd is reachable on
// from the host loopback.
const DefaultSSHPort = 31222

// HostAlias is the fixed known-hosts alias the guest host key is pinned
// under. Callers reach the builder through this alias, never by address.
const HostAlias = "mason"

// Image identifies the builder disk image to fetch.
type Image struct {
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
}

// Config is the masond configuration record, loaded from YAML.
type Config struct {
	Enable                 bool   `yaml:"enable"`
	OnDemand               bool   `yaml:"onDemand"`
	Cores                  uint   `yaml:"cores"`
	Memory                 string `yaml:"memory"`
	DiskSize               string `yaml:"diskSize"`
	Port                   int    `yaml:"port"`
	LingerMinutes          int    `yaml:"lingerMinutes"`
	PermitNonRootSshAccess bool   `yaml:"permitNonRootSshAccess"`
	Backend                string `yaml:"backend"`
	Image                  Image  `yaml:"image"`
	DataDir                string `yaml:"dataDir"`
	VMName                 string `yaml:"vmName"`

	memoryBytes strongunits.B
	diskBytes   strongunits.B
}

// Default returns the configuration masond runs with when a field is left
// unset in the file.
func Default() *Config {
	return &Config{
		Enable:        true,
		Cores:         8,
		Memory:        "8GiB",
		DiskSize:      "100GiB",
		Port:          DefaultSSHPort,
		LingerMinutes: 180,
		Backend:       "lima",
		DataDir:       "/var/lib/mason",
		VMName:        "mason",
	}
}

// Load reads, decodes, and validates the configuration at path. Unset
// fields take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var err error
	c.memoryBytes, err = parseSize(c.Memory)
	if err != nil {
		return errors.Errorf("invalid memory size %q: %w", c.Memory, err)
	}
	c.diskBytes, err = parseSize(c.DiskSize)
	if err != nil {
		return errors.Errorf("invalid disk size %q: %w", c.DiskSize, err)
	}
	if c.Cores == 0 {
		return errors.New("cores must be positive")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return errors.Errorf("port %d outside usable range (1025-65535)", c.Port)
	}
	if c.OnDemand && c.LingerMinutes <= 0 {
		return errors.New("lingerMinutes must be positive in on-demand mode")
	}
	if c.OnDemand && c.Port >= 65535 {
		return errors.Errorf("port %d leaves no room for the forward port in on-demand mode", c.Port)
	}
	switch c.Backend {
	case "lima", "vfkit":
	default:
		return errors.Errorf("unknown backend %q (want lima or vfkit)", c.Backend)
	}
	if c.Enable && c.Image.URL == "" {
		return errors.New("image.url must be set")
	}
	if c.DataDir == "" || !filepath.IsAbs(c.DataDir) {
		return errors.Errorf("dataDir %q must be an absolute path", c.DataDir)
	}
	if c.VMName == "" {
		return errors.New("vmName must not be empty")
	}
	return nil
}

// MemoryBytes and DiskBytes are only valid after Validate (Load and Parse
// always validate).
func (c *Config) MemoryBytes() strongunits.B { return c.memoryBytes }
func (c *Config) DiskBytes() strongunits.B   { return c.diskBytes }

// Filesystem layout under DataDir. Keys never leave KeysDir except through
// the secrets channel; SecretsDir is the channel's host-side source.
func (c *Config) KeysDir() string        { return filepath.Join(c.DataDir, "keys") }
func (c *Config) SecretsDir() string     { return filepath.Join(c.DataDir, "secrets") }
func (c *Config) ImageDir() string       { return filepath.Join(c.DataDir, "image") }
func (c *Config) VMDir() string          { return filepath.Join(c.DataDir, "vm") }
func (c *Config) KnownHostsPath() string { return filepath.Join(c.DataDir, "known_hosts") }

// UserKeyPath is the user private key file inside KeysDir.
func (c *Config) UserKeyPath() string { return filepath.Join(c.KeysDir(), sshkeys.UserKeyName) }

// AppliedDefinitionPath holds the copy of the last successfully applied VM
// definition, written as the final step of provisioning.
func (c *Config) AppliedDefinitionPath() string {
	return filepath.Join(c.DataDir, "applied.yaml")
}

// ForwardPort is the loopback port the guest's sshd is forwarded to. In
// on-demand mode the public port belongs to the lifecycle listener, so
// the VM forward moves one port up and the listener proxies across.
func (c *Config) ForwardPort() int {
	if c.OnDemand {
		return c.Port + 1
	}
	return c.Port
}

// Definition renders the configuration into the desired VM definition.
// imagePath is the local path of the fetched builder image. The secrets
// channel is always the first mount, so the guest finds it at mount0.
func (c *Config) Definition(imagePath string) *vmdef.Definition {
	return &vmdef.Definition{
		Name:          c.VMName,
		Cpus:          c.Cores,
		Memory:        c.memoryBytes,
		Disk:          c.diskBytes,
		Image:         imagePath,
		Mounts:        []vmdef.Mount{{Location: c.SecretsDir(), Writable: false}},
		SSHPort:       c.ForwardPort(),
		Rosetta:       true,
		OnDemand:      c.OnDemand,
		LingerMinutes: c.LingerMinutes,
	}
}

func parseSize(s string) (strongunits.B, error) {
	if s == "" {
		return 0, errors.New("size must not be empty")
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("size must be positive")
	}
	return strongunits.B(uint64(n)), nil
}
