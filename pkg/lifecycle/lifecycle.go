// Package lifecycle supervises the builder VM. Always-on mode keeps the
// VM running in a restart loop; on-demand mode waits on the public SSH
// port and launches the VM on the first inbound connection, proxying
// clients to the guest's forwarded port until the guest powers itself
// off idle.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/rs/xid"
	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/masonvm/mason/pkg/config"
	"github.com/masonvm/mason/pkg/converge"
	"github.com/masonvm/mason/pkg/sshkeys"
	"github.com/masonvm/mason/pkg/vmdef"
	"github.com/masonvm/mason/pkg/vmmgr"
)

// Controller drives convergence and VM runs according to the configured
// operating mode.
type Controller struct {
	cfg *config.Config
	mgr vmmgr.Manager
	eng *converge.Engine

	// ColdStartTimeout bounds how long an on-demand client waits for the
	// guest to become reachable before its connection is dropped.
	ColdStartTimeout time.Duration

	listenAddr  string
	backendAddr string
	restartWait time.Duration
	listening   chan struct{}
	waitReady   func(ctx context.Context) error
}

func New(cfg *config.Config, mgr vmmgr.Manager) *Controller {
	c := &Controller{
		cfg:              cfg,
		mgr:              mgr,
		eng:              converge.New(cfg, mgr),
		ColdStartTimeout: 2 * time.Minute,
		listenAddr:       fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		backendAddr:      fmt.Sprintf("127.0.0.1:%d", cfg.ForwardPort()),
		restartWait:      2 * time.Second,
		listening:        make(chan struct{}),
	}
	c.waitReady = c.sshReady
	return c
}

// Run supervises the VM until the context is cancelled. Cancellation
// terminates a running VM through its run context; there is no graceful
// in-guest shutdown beyond what the guest makes of the termination.
func (c *Controller) Run(ctx context.Context, def *vmdef.Definition) error {
	if c.cfg.OnDemand {
		return c.runOnDemand(ctx, def)
	}
	return c.runAlwaysOn(ctx, def)
}

// cycle is one full converge-then-run pass. It blocks for the lifetime
// of the VM process. A non-nil converged channel is closed once
// convergence succeeded, before the VM starts; readiness probes must not
// look at key material before that point because convergence may still
// be rotating it.
func (c *Controller) cycle(ctx context.Context, def *vmdef.Definition, converged chan<- struct{}) error {
	ctx = slogctx.With(ctx, "run", xid.New().String())
	if err := c.eng.Converge(ctx, def); err != nil {
		return err
	}
	if converged != nil {
		close(converged)
	}
	return c.mgr.Run(ctx, def)
}

func (c *Controller) runAlwaysOn(ctx context.Context, def *vmdef.Definition) error {
	slog.InfoContext(ctx, "supervising vm in always-on mode", "name", def.Name)
	for {
		err := c.cycle(ctx, def, nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, vmmgr.ErrForeignInstance) {
			return err
		}
		if err != nil {
			slog.WarnContext(ctx, "vm run failed, restarting", "error", err, "wait", c.restartWait)
		} else {
			slog.InfoContext(ctx, "vm exited, restarting", "wait", c.restartWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.restartWait):
		}
	}
}

// session is one on-demand VM lifetime, from triggered launch to exit.
type session struct {
	converged chan struct{}
	ready     chan struct{}
	readyErr  error
	exited    chan struct{}
	cancel    context.CancelFunc
}

func (s *session) done() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

func (c *Controller) startSession(ctx context.Context, def *vmdef.Definition) *session {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		converged: make(chan struct{}),
		ready:     make(chan struct{}),
		exited:    make(chan struct{}),
		cancel:    cancel,
	}
	go func() {
		defer close(s.exited)
		defer cancel()
		if err := c.cycle(ctx, def, s.converged); err != nil && ctx.Err() == nil {
			slog.WarnContext(ctx, "vm run ended with error", "error", err)
		}
	}()
	go func() {
		defer close(s.ready)
		// the key material and known-hosts record only exist once the
		// engine converged; probing earlier would pin stale credentials
		select {
		case <-s.converged:
		case <-s.exited:
			s.readyErr = errors.New("vm exited before converging")
			return
		case <-ctx.Done():
			s.readyErr = ctx.Err()
			return
		}
		s.readyErr = c.waitReady(ctx)
	}()
	return s
}

func (c *Controller) runOnDemand(ctx context.Context, def *vmdef.Definition) error {
	ln, err := net.Listen("tcp", c.listenAddr)
	if err != nil {
		return errors.Errorf("listening on %s: %w", c.listenAddr, err)
	}
	close(c.listening)
	slog.InfoContext(ctx, "waiting for connections in on-demand mode",
		"listen", c.listenAddr, "name", def.Name)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})

	var vm *session
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return ctx.Err()
				}
				return errors.Errorf("accepting connection: %w", err)
			}
			if vm == nil || vm.done() {
				slog.InfoContext(ctx, "connection triggered vm start", "client", conn.RemoteAddr())
				vm = c.startSession(ctx, def)
			}
			s := vm
			g.Go(func() error {
				c.serveConn(ctx, conn, s)
				return nil
			})
		}
	})

	err = g.Wait()
	if vm != nil {
		vm.cancel()
		<-vm.exited
	}
	return err
}

// serveConn holds one accepted client until the guest is reachable, then
// proxies bytes both ways. A cold start that outlasts the timeout closes
// the connection instead of keeping the caller hanging.
func (c *Controller) serveConn(ctx context.Context, conn net.Conn, s *session) {
	defer conn.Close()

	select {
	case <-s.ready:
		if s.readyErr != nil {
			slog.WarnContext(ctx, "dropping connection, guest never became ready",
				"client", conn.RemoteAddr(), "error", s.readyErr)
			return
		}
	case <-s.exited:
		slog.WarnContext(ctx, "dropping connection, vm exited during cold start",
			"client", conn.RemoteAddr())
		return
	case <-time.After(c.ColdStartTimeout):
		slog.WarnContext(ctx, "dropping connection, cold start timed out",
			"client", conn.RemoteAddr(), "timeout", c.ColdStartTimeout)
		return
	case <-ctx.Done():
		return
	}

	backend, err := net.Dial("tcp", c.backendAddr)
	if err != nil {
		slog.WarnContext(ctx, "dropping connection, backend dial failed",
			"client", conn.RemoteAddr(), "error", err)
		return
	}
	defer backend.Close()

	slog.DebugContext(ctx, "proxying connection",
		"client", conn.RemoteAddr(), "backend", c.backendAddr)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(backend, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, backend)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// sshReady dials the guest's forwarded sshd once a second until a full
// handshake succeeds, authenticating with the provisioned user key and
// pinning the host key from the known-hosts record. Authentication is
// part of readiness: a listening socket alone does not prove the guest
// installed our keys.
func (c *Controller) sshReady(ctx context.Context) error {
	pair, err := sshkeys.LoadPair(c.cfg.KeysDir(), sshkeys.UserKeyName)
	if err != nil {
		return err
	}
	signer, err := pair.Signer()
	if err != nil {
		return err
	}
	hostKey, err := sshkeys.ReadKnownHostsKey(c.cfg.KnownHostsPath(), config.HostAlias)
	if err != nil {
		return err
	}
	clientCfg := &ssh.ClientConfig{
		User:            "builder",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
		Timeout:         3 * time.Second,
	}

	for {
		select {
		case <-ctx.Done():
			return errors.Errorf("guest never became reachable: %w", ctx.Err())
		case <-time.After(1 * time.Second):
			client, err := ssh.Dial("tcp", c.backendAddr, clientCfg)
			if err == nil {
				client.Close()
				slog.InfoContext(ctx, "guest ssh is ready", "address", c.backendAddr)
				return nil
			}
			slog.DebugContext(ctx, "guest ssh not ready yet", "error", err)
		}
	}
}
