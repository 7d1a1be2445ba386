// Package converge is the host bootstrap engine. On every activation it
// probes the on-disk VM state against the desired configuration and either
// leaves it alone, repairs the user key's access policy in place, or
// regenerates all key material and the VM registration from scratch.
package converge

import (
	"context"
	"io/fs"
	"log/slog"
	"os"

	"gitlab.com/tozd/go/errors"

	"github.com/masonvm/mason/pkg/channel"
	"github.com/masonvm/mason/pkg/config"
	"github.com/masonvm/mason/pkg/sshkeys"
	"github.com/masonvm/mason/pkg/vmdef"
	"github.com/masonvm/mason/pkg/vmmgr"
)

// State is the engine's position in its convergence cycle.
type State int

const (
	// NeedsProvision means at least one probe failed and a provisioning
	// run has not started yet. This is also the initial state.
	NeedsProvision State = iota
	// Provisioning means a regeneration run is in flight.
	Provisioning
	// Converged means all probes passed, or a provisioning run finished.
	Converged
	// Failed means the last provisioning run returned an error. The next
	// activation probes again from scratch.
	Failed
)

func (s State) String() string {
	switch s {
	case NeedsProvision:
		return "needs-provision"
	case Provisioning:
		return "provisioning"
	case Converged:
		return "converged"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Probes holds the three independent convergence predicates.
type Probes struct {
	// DefinitionApplied is true when the rendered desired definition is
	// byte-identical to the last applied record on disk.
	DefinitionApplied bool
	// Registered is true when the VM manager lists a VM of our name.
	Registered bool
	// KeyPolicyMatches is true when the user private key's mode equals
	// the mode the access policy asks for.
	KeyPolicyMatches bool
}

// Plan is the action Evaluate picks for a set of probe results.
type Plan int

const (
	// PlanNone: everything converged, nothing to do.
	PlanNone Plan = iota
	// PlanRepairKeyPolicy: only the key mode drifted. Fixed with a chmod,
	// no key rotation and no re-registration.
	PlanRepairKeyPolicy
	// PlanProvision: the definition or registration drifted. Full
	// regeneration of keys, channel, known-hosts, and registration.
	PlanProvision
)

func (p Plan) String() string {
	switch p {
	case PlanNone:
		return "none"
	case PlanRepairKeyPolicy:
		return "repair-key-policy"
	case PlanProvision:
		return "provision"
	}
	return "unknown"
}

// Evaluate maps probe results to a plan. Pure; the engine and its tests
// share it.
func Evaluate(p Probes) Plan {
	if !p.DefinitionApplied || !p.Registered {
		return PlanProvision
	}
	if !p.KeyPolicyMatches {
		return PlanRepairKeyPolicy
	}
	return PlanNone
}

// Engine drives one VM's state toward the configuration.
//
// Engine assumes single-writer execution: the supervisor runs at most one
// instance against a data directory, so no lock file is taken.
type Engine struct {
	cfg   *config.Config
	mgr   vmmgr.Manager
	state State
}

func New(cfg *config.Config, mgr vmmgr.Manager) *Engine {
	return &Engine{cfg: cfg, mgr: mgr, state: NeedsProvision}
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// Probe evaluates the three convergence predicates without changing
// anything. A missing applied record, registration, or key file is drift,
// not an error; only probe machinery failures are returned.
func (e *Engine) Probe(ctx context.Context, def *vmdef.Definition) (Probes, error) {
	var p Probes

	applied, err := os.ReadFile(e.cfg.AppliedDefinitionPath())
	switch {
	case err == nil:
		p.DefinitionApplied, err = def.Matches(applied)
		if err != nil {
			return Probes{}, errors.Errorf("comparing applied definition: %w", err)
		}
	case os.IsNotExist(err):
		p.DefinitionApplied = false
	default:
		return Probes{}, errors.Errorf("reading applied definition: %w", err)
	}

	p.Registered, err = e.mgr.Registered(ctx, def.Name)
	if err != nil {
		return Probes{}, errors.Errorf("probing vm registration: %w", err)
	}

	mode, err := sshkeys.PrivateKeyMode(e.cfg.KeysDir(), sshkeys.UserKeyName)
	switch {
	case err == nil:
		p.KeyPolicyMatches = mode == e.userKeyMode()
	case errors.Is(err, fs.ErrNotExist):
		p.KeyPolicyMatches = false
	default:
		return Probes{}, errors.Errorf("probing user key mode: %w", err)
	}

	return p, nil
}

// Converge runs one full convergence pass: probe, act on the plan, then
// apply the unconditional post-branch permission widening. It does not
// start the VM; that is the caller's next step.
func (e *Engine) Converge(ctx context.Context, def *vmdef.Definition) error {
	probes, err := e.Probe(ctx, def)
	if err != nil {
		e.state = Failed
		return err
	}

	plan := Evaluate(probes)
	slog.InfoContext(ctx, "evaluated convergence probes",
		"definitionApplied", probes.DefinitionApplied,
		"registered", probes.Registered,
		"keyPolicyMatches", probes.KeyPolicyMatches,
		"plan", plan)

	switch plan {
	case PlanProvision:
		e.state = Provisioning
		if err := e.provision(ctx, def); err != nil {
			e.state = Failed
			return err
		}
	case PlanRepairKeyPolicy:
		if err := e.repairKeyPolicy(ctx); err != nil {
			e.state = Failed
			return err
		}
	case PlanNone:
		slog.DebugContext(ctx, "vm state already converged")
	}

	if err := e.widenSharedFiles(); err != nil {
		e.state = Failed
		return err
	}

	e.state = Converged
	return nil
}

// provision regenerates everything. The step order is load-bearing: the
// old registration is only deleted once the new keys, channel contents,
// and known-hosts record all exist, and the new registration is created
// last so its existence proves a complete run. Every step tolerates being
// re-run after a crash at any point.
func (e *Engine) provision(ctx context.Context, def *vmdef.Definition) error {
	slog.InfoContext(ctx, "provisioning vm", "name", def.Name)

	keysDir := e.cfg.KeysDir()
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return errors.Errorf("creating keys dir: %w", err)
	}

	if err := sshkeys.RemovePair(keysDir, sshkeys.UserKeyName); err != nil {
		return err
	}
	userPair, err := sshkeys.Generate("mason")
	if err != nil {
		return errors.Errorf("generating user key: %w", err)
	}
	if err := sshkeys.WritePair(keysDir, sshkeys.UserKeyName, userPair, e.userKeyMode()); err != nil {
		return err
	}

	if err := sshkeys.RemovePair(keysDir, sshkeys.HostKeyName); err != nil {
		return err
	}
	hostPair, err := sshkeys.Generate("mason-host")
	if err != nil {
		return errors.Errorf("generating host key: %w", err)
	}
	if err := sshkeys.WritePair(keysDir, sshkeys.HostKeyName, hostPair, sshkeys.PrivateModeOwner); err != nil {
		return err
	}

	if err := channel.Populate(e.cfg.SecretsDir(), hostPair.Private, userPair.Public); err != nil {
		return err
	}

	if err := sshkeys.WriteKnownHosts(e.cfg.KnownHostsPath(), config.HostAlias, hostPair.Public); err != nil {
		return err
	}

	if err := e.mgr.Deregister(ctx, def.Name); err != nil {
		return errors.Errorf("deregistering stale vm: %w", err)
	}

	rendered, err := def.Render()
	if err != nil {
		return err
	}
	if err := os.WriteFile(e.cfg.AppliedDefinitionPath(), rendered, 0o600); err != nil {
		return errors.Errorf("recording applied definition: %w", err)
	}

	if err := e.mgr.Register(ctx, def); err != nil {
		return errors.Errorf("registering vm: %w", err)
	}

	slog.InfoContext(ctx, "provisioned vm", "name", def.Name)
	return nil
}

// repairKeyPolicy adjusts the user private key mode to the access policy
// without rotating the key. Pure permission drift does not justify
// invalidating a working key.
func (e *Engine) repairKeyPolicy(ctx context.Context) error {
	path := e.cfg.UserKeyPath()
	mode := e.userKeyMode()
	slog.InfoContext(ctx, "repairing user key access policy", "path", path, "mode", mode)
	if err := os.Chmod(path, mode); err != nil {
		return errors.Errorf("repairing user key mode: %w", err)
	}
	return nil
}

// widenSharedFiles runs after every convergence branch. The known-hosts
// record becomes world-readable so any local user can verify the guest's
// identity, and the user private key becomes group-readable when the
// policy permits non-root access.
func (e *Engine) widenSharedFiles() error {
	if err := os.Chmod(e.cfg.KnownHostsPath(), 0o644); err != nil {
		return errors.Errorf("widening known-hosts record: %w", err)
	}
	if e.cfg.PermitNonRootSshAccess {
		if err := os.Chmod(e.cfg.UserKeyPath(), sshkeys.PrivateModeGroup); err != nil {
			return errors.Errorf("widening user private key: %w", err)
		}
	}
	return nil
}

func (e *Engine) userKeyMode() fs.FileMode {
	if e.cfg.PermitNonRootSshAccess {
		return sshkeys.PrivateModeGroup
	}
	return sshkeys.PrivateModeOwner
}
