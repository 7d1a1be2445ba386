// Package vmmgr abstracts the external VM manager the bootstrap engine
// converges against. The manager owns the VM registration: a VM "exists"
// exactly when the manager lists it, and the convergence engine treats
// that existence as proof that a prior provisioning run completed, so
// every backend must make registration the last step of Register.
package vmmgr

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"github.com/masonvm/mason/pkg/vmdef"
)

// ErrForeignInstance means a VM with our name exists but was not created
// by this system. Adopting or overwriting it would be guessing about
// identity, so callers surface it and exit instead of proceeding.
var ErrForeignInstance = errors.Base("vm registration exists with unexpected identity")

// Manager is a client for the external VM manager.
type Manager interface {
	// Registered reports whether a VM of the given name exists.
	Registered(ctx context.Context, name string) (bool, error)

	// Register creates the VM from the definition. Implementations must
	// order their work so the VM only becomes visible to Registered once
	// creation fully succeeded.
	Register(ctx context.Context, def *vmdef.Definition) error

	// Deregister force-deletes the named VM. Deleting an absent VM is
	// success, not an error.
	Deregister(ctx context.Context, name string) error

	// Run starts the VM in the foreground and blocks until it exits.
	// Cancelling the context terminates the VM process.
	Run(ctx context.Context, def *vmdef.Definition) error

	// Stop requests the running VM to stop.
	Stop(ctx context.Context, name string) error
}
