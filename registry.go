package main

import (
	"errors"
	"net/netip"
	"slices"
	"time"
)

// staleFactor times the timeout interval is how long a device may stay
// silent before it is dropped.
const staleFactor = 4

// ErrRegistryFull is returned by Upsert when a new device would exceed the
// registry capacity.
var ErrRegistryFull = errors.New("device registry is full")

// Device is a device that answered a discovery query, with the exact reply
// it sent. Payload slices are never modified in place.
type Device struct {
	Source   netip.AddrPort
	Payload  []byte
	LastSeen time.Time
}

// Registry maps a device's source address to its last discovery response.
// It is owned by the event loop and is not safe for concurrent use.
type Registry struct {
	devices  map[netip.AddrPort]*Device
	capacity int
}

// NewRegistry returns an empty registry holding at most capacity devices.
// A capacity <= 0 means unlimited.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		devices:  make(map[netip.AddrPort]*Device),
		capacity: capacity,
	}
}

// Upsert records a response from src. It reports whether a new entry was
// created.
func (r *Registry) Upsert(src netip.AddrPort, payload []byte, now time.Time) (bool, error) {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	stored := slices.Clone(payload)

	if d, ok := r.devices[src]; ok {
		d.Payload = stored
		d.LastSeen = now
		return false, nil
	}
	if r.capacity > 0 && len(r.devices) >= r.capacity {
		return false, ErrRegistryFull
	}
	r.devices[src] = &Device{Source: src, Payload: stored, LastSeen: now}
	return true, nil
}

// Expire drops every device not seen for more than staleFactor*interval and
// returns the removed entries.
func (r *Registry) Expire(now time.Time, interval time.Duration) []Device {
	limit := staleFactor * interval
	var removed []Device
	for src, d := range r.devices {
		if now.Sub(d.LastSeen) > limit {
			removed = append(removed, *d)
			delete(r.devices, src)
		}
	}
	sortDevices(removed)
	return removed
}

// List returns a snapshot of the registry ordered by source address.
func (r *Registry) List() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sortDevices(out)
	return out
}

func (r *Registry) Len() int {
	return len(r.devices)
}

func sortDevices(devices []Device) {
	slices.SortFunc(devices, func(a, b Device) int {
		return a.Source.Compare(b.Source)
	})
}
