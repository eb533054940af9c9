package meshcore

import (
	"fmt"
	"io"
)

// Counters is a byte/packet pair, reset per configurable period.
type Counters struct {
	Bytes   uint64
	Packets uint64
}

func (c *Counters) add(bytes int) {
	c.Bytes += uint64(bytes)
	c.Packets++
}

type payloadKey struct {
	remote Address
	local  Address
}

// TrafficStats holds per-peer and per-inner-address byte/packet counters
// for the stats file report.
type TrafficStats struct {
	peerIn      map[PeerAddr]*Counters
	peerOut     map[PeerAddr]*Counters
	payloadIn   map[payloadKey]*Counters
	payloadOut  map[payloadKey]*Counters
	dropped     Counters
	invalid     Counters
}

// NewTrafficStats creates an empty TrafficStats.
func NewTrafficStats() *TrafficStats {
	return &TrafficStats{
		peerIn:     make(map[PeerAddr]*Counters),
		peerOut:    make(map[PeerAddr]*Counters),
		payloadIn:  make(map[payloadKey]*Counters),
		payloadOut: make(map[payloadKey]*Counters),
	}
}

func counterFor[K comparable](m map[K]*Counters, key K) *Counters {
	c, ok := m[key]
	if !ok {
		c = &Counters{}
		m[key] = c
	}
	return c
}

// CountInTraffic records bytes of wire traffic received from peer.
func (t *TrafficStats) CountInTraffic(peer PeerAddr, bytes int) {
	counterFor(t.peerIn, peer).add(bytes)
}

// CountOutTraffic records bytes of wire traffic sent to peer.
func (t *TrafficStats) CountOutTraffic(peer PeerAddr, bytes int) {
	counterFor(t.peerOut, peer).add(bytes)
}

// CountInPayload records an inner frame written to the device, keyed by
// (remote, local) inner addresses.
func (t *TrafficStats) CountInPayload(remote, local Address, bytes int) {
	counterFor(t.payloadIn, payloadKey{remote, local}).add(bytes)
}

// CountOutPayload records an inner frame read from the device, keyed by
// (remote, local) inner addresses.
func (t *TrafficStats) CountOutPayload(remote, local Address, bytes int) {
	counterFor(t.payloadOut, payloadKey{remote, local}).add(bytes)
}

// CountDropped records a payload or datagram that was dropped (no claim
// with broadcast disabled, a stale claim, no crypto for the target peer, or
// the inbound rate limit).
func (t *TrafficStats) CountDropped(bytes int) { t.dropped.add(bytes) }

// CountInvalid records bytes belonging to a datagram that failed to
// decode.
func (t *TrafficStats) CountInvalid(bytes int) { t.invalid.add(bytes) }

// Period resets all counters. If cleanupIdle is non-nil, peer/payload
// entries that recorded zero traffic this period are dropped instead of
// merely zeroed, bounding memory for peers that have gone away.
func (t *TrafficStats) Period(cleanupIdle *int) {
	reset := func(m map[PeerAddr]*Counters) {
		for k, c := range m {
			if cleanupIdle != nil && c.Bytes == 0 {
				delete(m, k)
				continue
			}
			*c = Counters{}
		}
	}
	resetPayload := func(m map[payloadKey]*Counters) {
		for k, c := range m {
			if cleanupIdle != nil && c.Bytes == 0 {
				delete(m, k)
				continue
			}
			*c = Counters{}
		}
	}
	reset(t.peerIn)
	reset(t.peerOut)
	resetPayload(t.payloadIn)
	resetPayload(t.payloadOut)
}

// TotalPeerTraffic sums in+out wire traffic across all peers.
func (t *TrafficStats) TotalPeerTraffic() Counters {
	var total Counters
	for _, c := range t.peerIn {
		total.Bytes += c.Bytes
		total.Packets += c.Packets
	}
	for _, c := range t.peerOut {
		total.Bytes += c.Bytes
		total.Packets += c.Packets
	}
	return total
}

// WriteReport writes a human-readable traffic report.
func (t *TrafficStats) WriteReport(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "Traffic:"); err != nil {
		return err
	}
	for peer, c := range t.peerIn {
		out := t.peerOut[peer]
		if out == nil {
			out = &Counters{}
		}
		if _, err := fmt.Fprintf(w, "  %s  in=%d/%dpkt  out=%d/%dpkt\n", peer, c.Bytes, c.Packets, out.Bytes, out.Packets); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "  dropped=%d/%dpkt invalid=%d/%dpkt\n", t.dropped.Bytes, t.dropped.Packets, t.invalid.Bytes, t.invalid.Packets); err != nil {
		return err
	}
	return nil
}
