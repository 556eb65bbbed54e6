package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// socketControl enables address and port reuse, so the wildcard listener and
// the per-interface broadcast sockets can share the discovery port, plus
// SO_BROADCAST when broadcast is set.
func socketControl(broadcast bool) func(string, string, syscall.RawConn) error {
	return func(_, _ string, rawConn syscall.RawConn) error {
		var controlError error
		if err := rawConn.Control(func(fd uintptr) {
			opts := []struct {
				name  string
				opt   int
				value bool
			}{
				{"SO_REUSEADDR", unix.SO_REUSEADDR, true},
				{"SO_REUSEPORT", unix.SO_REUSEPORT, true},
				{"SO_BROADCAST", unix.SO_BROADCAST, broadcast},
			}
			for _, o := range opts {
				if !o.value {
					continue
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, o.opt, 1); err != nil {
					controlError = fmt.Errorf("setsockopt %s: %w", o.name, err)
					return
				}
			}
		}); err != nil {
			return fmt.Errorf("raw control error: %w", err)
		}
		return controlError
	}
}

// listenDiscovery opens the listener on the discovery port on all local
// addresses; broadcasts are only delivered to wildcard sockets.
func listenDiscovery(ctx context.Context, port int) (*ipv4.PacketConn, error) {
	listenConfig := net.ListenConfig{Control: socketControl(false)}
	address := fmt.Sprintf(":%d", port)
	conn, err := listenConfig.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("listen udp4 %s: %w", address, err)
	}

	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable control messages: %w", err)
	}
	return packetConn, nil
}

// openBroadcastSocket binds a broadcast-capable UDP socket to laddr.
func openBroadcastSocket(ctx context.Context, laddr netip.AddrPort) (net.PacketConn, error) {
	listenConfig := net.ListenConfig{Control: socketControl(true)}
	return listenConfig.ListenPacket(ctx, "udp4", laddr.String())
}

func udpAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := udp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
