package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/ipv4"
)

// datagramConn is the listening socket; *ipv4.PacketConn implements it.
type datagramConn interface {
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type discoverer interface {
	Broadcast(ctx context.Context) int
}

// Proxy is the relay's event loop. Everything runs on the goroutine calling
// Run, so the registry needs no locking.
type Proxy struct {
	cfg        *Config
	registry   *Registry
	classifier *classifier
	conn       datagramConn
	raw        replySender
	discovery  discoverer
	logger     log.Logger
	dump       io.Writer // hex dumps in debug mode, nil otherwise
	now        func() time.Time
}

func newProxy(cfg *Config, conn datagramConn, raw replySender, discovery discoverer, logger log.Logger) *Proxy {
	p := &Proxy{
		cfg:        cfg,
		registry:   NewRegistry(cfg.MaxDevices),
		classifier: newClassifier(cfg.Interfaces, cfg.Strict),
		conn:       conn,
		raw:        raw,
		discovery:  discovery,
		logger:     log.With(logger, "component", "proxy"),
		now:        time.Now,
	}
	if cfg.Debug {
		p.dump = os.Stderr
	}
	return p
}

// Run broadcasts a first discovery query and then serves until ctx is
// cancelled. The listener is closed on return.
func (p *Proxy) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()
	defer p.conn.Close()

	p.discovery.Broadcast(ctx)
	next := p.now().Add(p.cfg.Timeout)

	buf := make([]byte, maxDatagramSize)
	for {
		if err := p.conn.SetReadDeadline(next); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, cm, src, err := p.conn.ReadFrom(buf)
		switch {
		case err == nil:
			p.handleDatagram(buf[:n], src, cm)
		case errors.Is(err, os.ErrDeadlineExceeded):
			p.tick(ctx)
			next = p.now().Add(p.cfg.Timeout)
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("read: %w", err)
		}
	}
}

// tick runs on every timeout: drop stale devices, then rediscover.
func (p *Proxy) tick(ctx context.Context) {
	for _, d := range p.registry.Expire(p.now(), p.cfg.Timeout) {
		level.Debug(p.logger).Log("msg", "removing stale device", "device", d.Source, "last_seen", d.LastSeen)
	}
	p.discovery.Broadcast(ctx)
}

func (p *Proxy) handleDatagram(data []byte, srcAddr net.Addr, cm *ipv4.ControlMessage) {
	src, ok := udpAddrPort(srcAddr)
	if !ok {
		return
	}
	kind := p.classifier.classify(data, src.Addr())
	if kind == packetIgnored {
		return
	}

	if p.dump != nil {
		keyvals := []any{"msg", "received packet", "src", src, "len", len(data), "kind", kind}
		if cm != nil {
			keyvals = append(keyvals, "ifindex", cm.IfIndex, "dst", cm.Dst)
		}
		level.Debug(p.logger).Log(keyvals...)
		dumpPacket(p.dump, "Packet Content", data)
	}

	switch kind {
	case packetQuery:
		p.replyToDiscovery(src)
	case packetResponse:
		p.handleResponse(src, data)
	}
}

// replyToDiscovery answers a query with every cached device response, each
// forged to come from the device itself.
func (p *Proxy) replyToDiscovery(requester netip.AddrPort) int {
	sent := 0
	for _, d := range p.registry.List() {
		n, err := p.raw.Send(d.Source, requester, d.Payload)
		if err != nil {
			level.Error(p.logger).Log("msg", "forged reply failed", "device", d.Source, "dst", requester, "err", err)
			continue
		}
		level.Debug(p.logger).Log("msg", "discovery reply sent", "device", d.Source, "dst", requester, "bytes", n)
		sent++
	}
	return sent
}

func (p *Proxy) handleResponse(src netip.AddrPort, data []byte) {
	created, err := p.registry.Upsert(src, data, p.now())
	if err != nil {
		level.Error(p.logger).Log("msg", "device not recorded", "device", src, "err", err)
		return
	}
	if !created {
		level.Debug(p.logger).Log("msg", "updated existing device", "device", src)
		return
	}
	level.Debug(p.logger).Log("msg", "created new device entry", "device", src, "devices", p.registry.Len())
	dumpDevices(p.dump, p.registry.List())
}
