package main

import (
	"bytes"
	"encoding/binary"
	"net/netip"
)

const (
	discoveryPort = 60128

	// Largest UDP payload that fits in an IPv4 datagram.
	maxDatagramSize = 65507

	eiscpHeaderSize = 16
	signatureOffset = 16
)

var (
	magic             = []byte("ISCP")
	querySignature    = []byte("!xECNQSTN")
	responseSignature = []byte("!1ECN")
)

// discoveryQuery is the eISCP "!xECNQSTN" broadcast: 16 byte header
// (magic, header size 16, data size 10, version 1) followed by the command.
var discoveryQuery = []byte{
	0x49, 0x53, 0x43, 0x50, 0x00, 0x00, 0x00, 0x10,
	0x00, 0x00, 0x00, 0x0a, 0x01, 0x00, 0x00, 0x00,
	0x21, 0x78, 0x45, 0x43, 0x4e, 0x51, 0x53, 0x54, 0x4e, 0x0a,
}

type packetKind int

const (
	packetIgnored packetKind = iota
	packetQuery
	packetResponse
)

func (k packetKind) String() string {
	switch k {
	case packetQuery:
		return "query"
	case packetResponse:
		return "response"
	default:
		return "ignored"
	}
}

// classifier decides what to do with a datagram received on the discovery
// port. It holds the relay's own addresses so that our broadcasts, which the
// listener also receives, are never mistaken for device traffic.
type classifier struct {
	own    map[netip.Addr]bool
	strict bool
}

func newClassifier(ifaces []InterfaceBinding, strict bool) *classifier {
	own := make(map[netip.Addr]bool, len(ifaces))
	for _, b := range ifaces {
		own[b.Address.Addr()] = true
	}
	return &classifier{own: own, strict: strict}
}

func (c *classifier) isOwn(ip netip.Addr) bool {
	return c.own[ip.Unmap()]
}

func (c *classifier) classify(data []byte, src netip.Addr) packetKind {
	if c.isOwn(src) {
		return packetIgnored
	}
	if len(data) < len(magic) || !bytes.Equal(data[:len(magic)], magic) {
		return packetIgnored
	}
	if c.strict && !validHeader(data) {
		return packetIgnored
	}
	return messageKind(data)
}

// messageKind looks at the command found right after the 16 byte header.
func messageKind(data []byte) packetKind {
	if len(data) >= signatureOffset+len(querySignature) &&
		bytes.Equal(data[signatureOffset:signatureOffset+len(querySignature)], querySignature) {
		return packetQuery
	}
	if len(data) >= signatureOffset+len(responseSignature) &&
		bytes.Equal(data[signatureOffset:signatureOffset+len(responseSignature)], responseSignature) {
		return packetResponse
	}
	return packetIgnored
}

// validHeader checks the declared header and data sizes. The signature
// offset is only meaningful for a 16 byte header, and a message whose
// declared size exceeds what arrived was truncated.
func validHeader(data []byte) bool {
	if len(data) < eiscpHeaderSize {
		return false
	}
	headerSize := binary.BigEndian.Uint32(data[4:8])
	dataSize := binary.BigEndian.Uint32(data[8:12])
	if headerSize != eiscpHeaderSize {
		return false
	}
	return uint64(headerSize)+uint64(dataSize) <= uint64(len(data))
}
