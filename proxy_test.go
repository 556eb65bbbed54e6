package main

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

type datagram struct {
	src  netip.AddrPort
	data []byte
}

// fakeConn hands out queued datagrams, then reports a read timeout for each
// further read, calling onTimeout first.
type fakeConn struct {
	mu        sync.Mutex
	queue     []datagram
	timeouts  int
	onTimeout func(n int)
	closed    bool
	deadlines []time.Time
}

func (c *fakeConn) ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, nil, net.ErrClosed
	}
	if len(c.queue) > 0 {
		d := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		n := copy(b, d.data)
		return n, &ipv4.ControlMessage{IfIndex: 2}, net.UDPAddrFromAddrPort(d.src), nil
	}
	c.timeouts++
	n := c.timeouts
	onTimeout := c.onTimeout
	c.mu.Unlock()

	if onTimeout != nil {
		onTimeout(n)
	}
	return 0, nil, nil, os.ErrDeadlineExceeded
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.deadlines = append(c.deadlines, t)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type forgedReply struct {
	src, dst netip.AddrPort
	payload  []byte
}

type fakeRawSender struct {
	mu      sync.Mutex
	replies []forgedReply
	fail    map[netip.AddrPort]bool
}

func (s *fakeRawSender) Send(src, dst netip.AddrPort, payload []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[src] {
		return 0, os.ErrPermission
	}
	s.replies = append(s.replies, forgedReply{src: src, dst: dst, payload: append([]byte(nil), payload...)})
	return 28 + len(payload), nil
}

func (s *fakeRawSender) sent() []forgedReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]forgedReply(nil), s.replies...)
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	calls int
}

func (d *fakeDiscoverer) Broadcast(context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return 1
}

func (d *fakeDiscoverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() *Config {
	return &Config{
		Timeout:    5 * time.Second,
		Port:       discoveryPort,
		MaxDevices: defaultMaxDevices,
		Interfaces: testBindings(),
	}
}

func newTestProxy(t *testing.T, cfg *Config, conn datagramConn) (*Proxy, *fakeRawSender, *fakeDiscoverer, *testClock) {
	t.Helper()
	raw := &fakeRawSender{}
	disco := &fakeDiscoverer{}
	clock := &testClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	p := newProxy(cfg, conn, raw, disco, log.NewNopLogger())
	p.now = clock.now
	return p, raw, disco, clock
}

func udpFrom(s string) net.Addr {
	return net.UDPAddrFromAddrPort(netip.MustParseAddrPort(s))
}

func TestProxy_ReplaysCachedDeviceToRequester(t *testing.T) {
	p, raw, _, _ := newTestProxy(t, testConfig(), &fakeConn{})
	device := netip.MustParseAddrPort("10.0.3.9:60128")
	payload := eiscpMessage("!1ECNTX-NR609/60128/DX/0009B0D00000\x19\r\n")
	_, err := p.registry.Upsert(device, payload, p.now())
	require.NoError(t, err)

	query := eiscpMessage("!xECNQSTN\n")
	require.GreaterOrEqual(t, len(query), 25)
	p.handleDatagram(query, udpFrom("10.0.2.5:54321"), nil)

	replies := raw.sent()
	require.Len(t, replies, 1)
	assert.Equal(t, device, replies[0].src)
	assert.Equal(t, netip.MustParseAddrPort("10.0.2.5:54321"), replies[0].dst)
	assert.Equal(t, payload, replies[0].payload)
}

func TestProxy_RecordsResponse(t *testing.T) {
	p, raw, _, clock := newTestProxy(t, testConfig(), &fakeConn{})
	payload := eiscpMessage("!1ECNTX-NR6\r\n")
	payload = payload[:24]
	require.Len(t, payload, 24)

	p.handleDatagram(payload, udpFrom("10.0.4.4:60128"), nil)

	devices := p.registry.List()
	require.Len(t, devices, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.4.4:60128"), devices[0].Source)
	assert.Len(t, devices[0].Payload, 24)
	assert.WithinDuration(t, clock.now(), devices[0].LastSeen, time.Second)
	assert.Empty(t, raw.sent())
}

func TestProxy_IgnoresOwnTraffic(t *testing.T) {
	p, raw, _, _ := newTestProxy(t, testConfig(), &fakeConn{})
	response := eiscpMessage("!1ECNTX-NR609/60128/DX/0009B0D00000\x19\r\n")

	p.handleDatagram(response, udpFrom("10.0.0.1:60128"), nil)
	p.handleDatagram(response, udpFrom("10.0.1.1:60128"), nil)
	assert.Zero(t, p.registry.Len())

	_, err := p.registry.Upsert(netip.MustParseAddrPort("10.0.3.9:60128"), response, p.now())
	require.NoError(t, err)
	p.handleDatagram(discoveryQuery, udpFrom("10.0.1.1:60128"), nil)
	assert.Empty(t, raw.sent())
}

func TestProxy_IgnoresMalformed(t *testing.T) {
	p, raw, _, _ := newTestProxy(t, testConfig(), &fakeConn{})
	_, err := p.registry.Upsert(netip.MustParseAddrPort("10.0.3.9:60128"), []byte("ISCP"), p.now())
	require.NoError(t, err)

	for _, data := range [][]byte{
		nil,
		[]byte("ISC"),
		append([]byte("XSCP"), discoveryQuery[4:]...),
		append([]byte("iscp"), eiscpMessage("!1ECNTX-NR609\r\n")[4:]...),
	} {
		p.handleDatagram(data, udpFrom("10.0.2.5:54321"), nil)
	}
	p.handleDatagram(discoveryQuery, &net.IPAddr{IP: net.ParseIP("10.0.2.5")}, nil)

	assert.Equal(t, 1, p.registry.Len())
	assert.Empty(t, raw.sent())
}

func TestProxy_ReplyFailureDoesNotStopOthers(t *testing.T) {
	p, raw, _, _ := newTestProxy(t, testConfig(), &fakeConn{})
	broken := netip.MustParseAddrPort("10.0.3.1:60128")
	working := netip.MustParseAddrPort("10.0.3.2:60128")
	raw.fail = map[netip.AddrPort]bool{broken: true}

	for _, d := range []netip.AddrPort{broken, working} {
		_, err := p.registry.Upsert(d, []byte("ISCP"), p.now())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, p.replyToDiscovery(netip.MustParseAddrPort("10.0.2.5:54321")))
	replies := raw.sent()
	require.Len(t, replies, 1)
	assert.Equal(t, working, replies[0].src)
}

func TestProxy_RegistryFullIsLogged(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDevices = 1
	var logs bytes.Buffer
	p := newProxy(cfg, &fakeConn{}, &fakeRawSender{}, &fakeDiscoverer{}, log.NewLogfmtLogger(&logs))

	response := eiscpMessage("!1ECNTX-NR609\r\n")
	p.handleDatagram(response, udpFrom("10.0.3.1:60128"), nil)
	p.handleDatagram(response, udpFrom("10.0.3.2:60128"), nil)

	assert.Equal(t, 1, p.registry.Len())
	assert.Contains(t, logs.String(), "device not recorded")
	assert.Contains(t, logs.String(), ErrRegistryFull.Error())
}

func TestProxy_TickEvictsThenBroadcasts(t *testing.T) {
	p, _, disco, clock := newTestProxy(t, testConfig(), &fakeConn{})
	response := eiscpMessage("!1ECNTX-NR609\r\n")

	p.handleDatagram(response, udpFrom("10.0.3.1:60128"), nil)
	clock.advance(20 * time.Second)
	p.handleDatagram(response, udpFrom("10.0.3.2:60128"), nil)

	clock.advance(time.Second)
	p.tick(context.Background())

	devices := p.registry.List()
	require.Len(t, devices, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.3.2:60128"), devices[0].Source)
	assert.Equal(t, 1, disco.count())
}

func TestProxy_RefreshKeepsDeviceAlive(t *testing.T) {
	p, _, _, clock := newTestProxy(t, testConfig(), &fakeConn{})
	response := eiscpMessage("!1ECNTX-NR609\r\n")

	for range 10 {
		p.handleDatagram(response, udpFrom("10.0.3.1:60128"), nil)
		clock.advance(15 * time.Second)
		p.tick(context.Background())
	}
	assert.Equal(t, 1, p.registry.Len())
}

func TestProxy_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	response := eiscpMessage("!1ECNTX-NR609/60128/DX/0009B0D00000\x19\r\n")
	conn := &fakeConn{
		queue: []datagram{
			{src: netip.MustParseAddrPort("10.0.4.4:60128"), data: response},
			{src: netip.MustParseAddrPort("10.0.0.1:60128"), data: discoveryQuery},
			{src: netip.MustParseAddrPort("10.0.2.5:54321"), data: discoveryQuery},
		},
	}
	p, raw, disco, clock := newTestProxy(t, testConfig(), conn)
	start := clock.now()
	conn.onTimeout = func(n int) {
		clock.advance(5 * time.Second)
		if n == 2 {
			cancel()
			conn.Close()
		}
	}

	require.NoError(t, p.Run(ctx))

	// Initial broadcast plus one per timeout.
	assert.Equal(t, 3, disco.count())

	replies := raw.sent()
	require.Len(t, replies, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.4.4:60128"), replies[0].src)
	assert.Equal(t, netip.MustParseAddrPort("10.0.2.5:54321"), replies[0].dst)
	assert.Equal(t, response, replies[0].payload)

	// The deadline only moves when a tick happens.
	require.GreaterOrEqual(t, len(conn.deadlines), 5)
	for _, d := range conn.deadlines[:4] {
		assert.Equal(t, start.Add(5*time.Second), d)
	}
	assert.Equal(t, start.Add(10*time.Second), conn.deadlines[4])
}

func TestProxy_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &fakeConn{}
	conn.onTimeout = func(int) { cancel() }
	p, _, disco, _ := newTestProxy(t, testConfig(), conn)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.GreaterOrEqual(t, disco.count(), 1)
	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()
}

func TestProxy_RunLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := listenDiscovery(ctx, 0)
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port

	cfg := testConfig()
	cfg.Timeout = time.Second
	raw := &fakeRawSender{}
	disco := &fakeDiscoverer{}
	p := newProxy(cfg, conn, raw, disco, log.NewNopLogger())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	device, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer device.Close()
	controller, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer controller.Close()

	response := eiscpMessage("!1ECNTX-NR609/60128/DX/0009B0D00000\x19\r\n")
	_, err = device.Write(response)
	require.NoError(t, err)

	deviceAddr, ok := udpAddrPort(device.LocalAddr())
	require.True(t, ok)
	controllerAddr, ok := udpAddrPort(controller.LocalAddr())
	require.True(t, ok)

	// Keep querying until the response has been recorded and replayed.
	require.Eventually(t, func() bool {
		if _, err := controller.Write(discoveryQuery); err != nil {
			return false
		}
		return len(raw.sent()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	reply := raw.sent()[0]
	assert.Equal(t, deviceAddr, reply.src)
	assert.Equal(t, controllerAddr, reply.dst)
	assert.Equal(t, response, reply.payload)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.GreaterOrEqual(t, disco.count(), 1)
}
