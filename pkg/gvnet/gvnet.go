// Package gvnet runs the user-mode virtual network backing the vfkit VM
// manager backend. It bridges the VM's virtio-net device (attached over a
// unixgram socket) to a gvisor netstack and forwards one host loopback
// port to the guest's sshd, which is all the builder needs: the guest is
// never reachable from anywhere but the host.
package gvnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/containers/gvisor-tap-vsock/pkg/transport"
	"github.com/containers/gvisor-tap-vsock/pkg/types"
	"github.com/containers/gvisor-tap-vsock/pkg/virtualnetwork"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

const (
	subnet    = "192.168.127.0/24"
	gatewayIP = "192.168.127.1"
	guestIP   = "192.168.127.2"
	hostIP    = "192.168.127.254"

	gatewayMAC = "5a:94:ef:e4:0c:dd"

	// GuestMAC is the MAC the guest's virtio-net device must use; the
	// DHCP static lease for guestIP is bound to it.
	GuestMAC = "5a:94:ef:e4:0c:ee"
)

// Config describes one virtual network with a single SSH forward.
type Config struct {
	// VfkitSocketPath is the unixgram socket the vfkit process attaches
	// its network device to.
	VfkitSocketPath string
	// HostSSHPort is the loopback port forwarded to the guest's sshd.
	HostSSHPort int
	// GuestSSHPort is the sshd port inside the guest.
	GuestSSHPort int
}

// Serve runs the network until ctx is cancelled. It returns once the
// vfkit socket is listening, with the packet pump and forwarder running
// on g, so callers can start vfkit as soon as Serve returns.
func Serve(ctx context.Context, g *errgroup.Group, cfg *Config) error {
	if cfg.GuestSSHPort == 0 {
		cfg.GuestSSHPort = 22
	}

	vnConfig := &types.Configuration{
		MTU:               1500,
		Subnet:            subnet,
		GatewayIP:         gatewayIP,
		GatewayMacAddress: gatewayMAC,
		DHCPStaticLeases: map[string]string{
			guestIP: GuestMAC,
		},
		Forwards: map[string]string{
			fmt.Sprintf("127.0.0.1:%d", cfg.HostSSHPort): fmt.Sprintf("%s:%d", guestIP, cfg.GuestSSHPort),
		},
		NAT: map[string]string{
			hostIP: "127.0.0.1",
		},
		GatewayVirtualIPs: []string{hostIP},
		Protocol:          types.VfkitProtocol,
	}

	vn, err := virtualnetwork.New(vnConfig)
	if err != nil {
		return errors.Errorf("creating virtual network: %w", err)
	}

	conn, err := transport.ListenUnixgram("unixgram://" + cfg.VfkitSocketPath)
	if err != nil {
		return errors.Errorf("listening on vfkit socket: %w", err)
	}

	g.Go(func() error {
		<-ctx.Done()
		if err := conn.Close(); err != nil {
			slog.WarnContext(ctx, "closing vfkit socket", "error", err)
		}
		return os.Remove(cfg.VfkitSocketPath)
	})

	g.Go(func() error {
		vfkitConn, err := transport.AcceptVfkit(conn)
		if err != nil {
			return errors.Errorf("accepting vfkit connection: %w", err)
		}
		slog.DebugContext(ctx, "vfkit attached to virtual network")
		return vn.AcceptVfkit(ctx, vfkitConn)
	})

	return nil
}

// GuestSSHAddr is the address the forwarded guest sshd answers on.
func GuestSSHAddr(hostPort int) string {
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(hostPort))
}
