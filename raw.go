package main

import (
	"encoding/binary"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv4"
)

const (
	udpHeaderLen = 8

	forgedTTL = 255
	forgedID  = 54321
)

// replySender transmits a cached device reply with the device's own source
// address, so the requester on another segment believes it came directly
// from the device.
type replySender interface {
	Send(src, dst netip.AddrPort, payload []byte) (int, error)
}

// buildReplyPacket returns an IPv4 datagram carrying payload from src to dst.
// The UDP checksum is left at zero (disabled); the IP header checksum is
// computed.
func buildReplyPacket(src, dst netip.AddrPort, payload []byte) []byte {
	totalLen := ipv4.HeaderLen + udpHeaderLen + len(payload)
	packet := make([]byte, totalLen)

	// IPv4 header
	packet[0] = ipv4.Version<<4 | ipv4.HeaderLen>>2
	packet[1] = 0 // DSCP + ECN
	binary.BigEndian.PutUint16(packet[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(packet[4:6], forgedID)
	// packet[6:8] = Flags + Fragment offset (0)
	packet[8] = forgedTTL
	packet[9] = syscall.IPPROTO_UDP
	// packet[10:12] = checksum, filled below
	srcIP := src.Addr().Unmap().As4()
	dstIP := dst.Addr().Unmap().As4()
	copy(packet[12:16], srcIP[:])
	copy(packet[16:20], dstIP[:])

	binary.BigEndian.PutUint16(packet[10:12], ipChecksum(packet[:ipv4.HeaderLen]))

	// UDP header
	udp := packet[ipv4.HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(payload)))
	// udp[6:8] = checksum (0, optional for IPv4)

	copy(udp[udpHeaderLen:], payload)
	return packet
}

// ipChecksum is the RFC 791 header checksum: the one's complement of the
// one's complement sum of the data as big-endian 16-bit words. A trailing
// odd byte is padded with zero.
func ipChecksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}
