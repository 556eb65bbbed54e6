//go:build linux

package main

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// rawSender sends forged IPv4 UDP packets through a raw socket with
// IP_HDRINCL. A socket is opened for every packet and closed right after,
// so nothing is held between discovery queries. Requires CAP_NET_RAW.
type rawSender struct{}

func newRawSender() (*rawSender, error) {
	return &rawSender{}, nil
}

func (rs *rawSender) Send(src, dst netip.AddrPort, payload []byte) (int, error) {
	if !src.Addr().Unmap().Is4() || !dst.Addr().Unmap().Is4() {
		return 0, fmt.Errorf("raw sockets only support IPv4 (%s -> %s)", src, dst)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return 0, fmt.Errorf("create raw socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		return 0, fmt.Errorf("set IP_HDRINCL: %w", err)
	}

	packet := buildReplyPacket(src, dst, payload)
	sa := &unix.SockaddrInet4{Port: int(dst.Port()), Addr: dst.Addr().Unmap().As4()}
	if err := unix.Sendto(fd, packet, 0, sa); err != nil {
		return 0, fmt.Errorf("send to %s: %w", dst, err)
	}
	return len(packet), nil
}
