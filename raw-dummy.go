//go:build !linux

package main

import (
	"fmt"
	"net/netip"
	"runtime"
)

// rawSender would be used to send forged packets, but this dummy
// implementation fails. The real implementation is in raw-linux.go.
type rawSender struct{}

func newRawSender() (*rawSender, error) {
	return nil, fmt.Errorf("raw sockets not supported on %s", runtime.GOOS)
}

func (rs *rawSender) Send(src, dst netip.AddrPort, payload []byte) (int, error) {
	return 0, fmt.Errorf("raw sockets not supported on %s", runtime.GOOS)
}
