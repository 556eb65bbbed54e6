package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// broadcaster sends the discovery query out of every configured interface,
// sourced from the interface address and the discovery port so that devices
// reply to the port the listener is bound to.
type broadcaster struct {
	ifaces []InterfaceBinding
	port   uint16
	logger log.Logger
	open   func(ctx context.Context, laddr netip.AddrPort) (net.PacketConn, error)
}

func newBroadcaster(ifaces []InterfaceBinding, port uint16, logger log.Logger) *broadcaster {
	return &broadcaster{
		ifaces: ifaces,
		port:   port,
		logger: log.With(logger, "component", "broadcaster"),
		open:   openBroadcastSocket,
	}
}

// Broadcast returns the number of interfaces the query was sent on. A failing
// interface is logged and skipped.
func (b *broadcaster) Broadcast(ctx context.Context) int {
	sent := 0
	for _, iface := range b.ifaces {
		if err := b.sendOn(ctx, iface); err != nil {
			level.Error(b.logger).Log("msg", "discovery broadcast failed", "iface", iface.Name, "err", err)
			continue
		}
		level.Debug(b.logger).Log("msg", "discovery packet sent", "iface", iface.Name, "src", iface.Address.Addr())
		sent++
	}
	return sent
}

func (b *broadcaster) sendOn(ctx context.Context, iface InterfaceBinding) error {
	laddr := netip.AddrPortFrom(iface.Address.Addr(), b.port)
	conn, err := b.open(ctx, laddr)
	if err != nil {
		return fmt.Errorf("open socket on %s: %w", laddr, err)
	}
	defer conn.Close()

	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(limitedBroadcast, b.port))
	if _, err := conn.WriteTo(discoveryQuery, dst); err != nil {
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	return nil
}
