// Package vmdef models the desired configuration of the builder VM and its
// canonical serialized form. Byte-equality of the rendered form against the
// last-applied copy on disk is the primary convergence test: anything that
// should force a re-provision must be visible in the rendered bytes.
package vmdef

import (
	"bytes"
	"fmt"

	"github.com/containers/common/pkg/strongunits"
	"github.com/docker/go-units"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

// Mount is one shared directory exposed to the guest. Order matters: the
// guest addresses shares by positional virtiofs tag (mount0, mount1, ...),
// not by name, so reordering mounts changes the definition.
type Mount struct {
	Location string
	Writable bool
}

// Tag returns the virtiofs tag for the mount at index i.
func Tag(i int) string {
	return fmt.Sprintf("mount%d", i)
}

// Definition is the desired state of the builder VM.
type Definition struct {
	Name          string
	Cpus          uint
	Memory        strongunits.B
	Disk          strongunits.B
	Image         string
	Mounts        []Mount
	SSHPort       int
	Rosetta       bool
	OnDemand      bool
	LingerMinutes int
}

func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("vm name must not be empty")
	}
	if d.Cpus == 0 {
		return errors.New("cpu count must be positive")
	}
	if d.Memory == 0 {
		return errors.New("memory size must be positive")
	}
	if d.Disk == 0 {
		return errors.New("disk size must be positive")
	}
	if d.Image == "" {
		return errors.New("image reference must not be empty")
	}
	if d.SSHPort <= 1024 || d.SSHPort > 65535 {
		return errors.Errorf("ssh port %d outside usable range (1025-65535)", d.SSHPort)
	}
	if d.OnDemand && d.LingerMinutes <= 0 {
		return errors.Errorf("linger duration %d must be positive in on-demand mode", d.LingerMinutes)
	}
	return nil
}

// instance mirrors the subset of the VM manager's instance schema that
// mason drives. Field order here fixes the rendered order.
type instance struct {
	VMType  string          `yaml:"vmType"`
	Rosetta rosettaYAML     `yaml:"rosetta"`
	Images  []imageYAML     `yaml:"images"`
	CPUs    uint            `yaml:"cpus"`
	Memory  string          `yaml:"memory"`
	Disk    string          `yaml:"disk"`
	Mounts  []mountYAML     `yaml:"mounts"`
	SSH     sshYAML         `yaml:"ssh"`
	Prov    []provisionYAML `yaml:"provision,omitempty"`
}

type rosettaYAML struct {
	Enabled bool `yaml:"enabled"`
	BinFmt  bool `yaml:"binfmt"`
}

type imageYAML struct {
	Location string `yaml:"location"`
}

type mountYAML struct {
	Location string `yaml:"location"`
	Writable bool   `yaml:"writable"`
}

type sshYAML struct {
	LocalPort  int  `yaml:"localPort"`
	LoadDotSSH bool `yaml:"loadDotSSHPubKeys"`
}

type provisionYAML struct {
	Mode   string `yaml:"mode"`
	Script string `yaml:"script"`
}

// Render produces the canonical bytes of the definition. The output is
// deterministic for a given Definition; the convergence engine compares it
// byte-for-byte against the applied copy.
func (d *Definition) Render() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, errors.Errorf("rendering invalid definition: %w", err)
	}

	inst := instance{
		VMType: "vz",
		Rosetta: rosettaYAML{
			Enabled: d.Rosetta,
			BinFmt:  d.Rosetta,
		},
		Images: []imageYAML{{Location: d.Image}},
		CPUs:   d.Cpus,
		Memory: units.BytesSize(float64(d.Memory)),
		Disk:   units.BytesSize(float64(d.Disk)),
		SSH: sshYAML{
			LocalPort: d.SSHPort,
		},
	}
	for _, m := range d.Mounts {
		inst.Mounts = append(inst.Mounts, mountYAML{Location: m.Location, Writable: m.Writable})
	}
	if d.OnDemand {
		inst.Prov = []provisionYAML{{
			Mode: "system",
			Script: fmt.Sprintf("#!/bin/sh\nmkdir -p /etc/mason\nprintf 'linger_minutes=%d\\n' > /etc/mason/idle.conf\nsystemctl enable --now mason-idled.service\n",
				d.LingerMinutes),
		}}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(inst); err != nil {
		return nil, errors.Errorf("encoding definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Errorf("finishing definition encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Matches reports whether the rendered definition is byte-identical to a
// previously applied copy.
func (d *Definition) Matches(applied []byte) (bool, error) {
	rendered, err := d.Render()
	if err != nil {
		return false, err
	}
	return bytes.Equal(rendered, applied), nil
}
