package meshcore

import (
	"fmt"
	"io"
	"math/rand"
	"time"
)

// PeerRecord is a known mesh peer, identified by its primary socket
// address.
type PeerRecord struct {
	NodeId   NodeId
	Primary  PeerAddr
	Alt      []PeerAddr
	Expiry   time.Time
	Crypto   CryptoCore
}

func (p *PeerRecord) hasAlt(addr PeerAddr) bool {
	for _, a := range p.Alt {
		if a == addr {
			return true
		}
	}
	return false
}

func (p *PeerRecord) removeAlt(addr PeerAddr) {
	out := p.Alt[:0]
	for _, a := range p.Alt {
		if a != addr {
			out = append(out, a)
		}
	}
	p.Alt = out
}

// PeerList is the indexed set of known peers: three coherent views (primary address, node id, and any known address)
// kept in lock-step by a single writer. There is no internal locking; the
// cloud engine is the only goroutine that mutates a PeerList.
type PeerList struct {
	timeout time.Duration

	byPrimary map[PeerAddr]*PeerRecord
	byNode    map[NodeId]PeerAddr
	byAny     map[PeerAddr]NodeId

	now func() time.Time
}

// NewPeerList creates a PeerList whose entries expire peerTimeout after
// being added or refreshed.
func NewPeerList(peerTimeout time.Duration) *PeerList {
	return &PeerList{
		timeout:   peerTimeout,
		byPrimary: make(map[PeerAddr]*PeerRecord),
		byNode:    make(map[NodeId]PeerAddr),
		byAny:     make(map[PeerAddr]NodeId),
		now:       time.Now,
	}
}

// Add inserts a new PeerRecord for node_id at addr. If node_id is already
// known, this is a no-op: peers only migrate address via MakePrimary,
// which the engine calls when a known node is heard from a new address.
func (pl *PeerList) Add(id NodeId, addr PeerAddr) {
	if _, known := pl.byNode[id]; known {
		return
	}
	rec := &PeerRecord{NodeId: id, Primary: addr, Expiry: pl.now().Add(pl.timeout)}
	pl.byPrimary[addr] = rec
	pl.byNode[id] = addr
	pl.byAny[addr] = id
}

// MakePrimary makes addr the primary address for id, demoting the old
// primary to an alternate. No-op if addr is already primary for id.
func (pl *PeerList) MakePrimary(id NodeId, addr PeerAddr) {
	oldAddr, known := pl.byNode[id]
	if !known {
		return
	}
	if oldAddr == addr {
		return
	}
	rec, ok := pl.byPrimary[oldAddr]
	if !ok {
		return
	}
	delete(pl.byPrimary, oldAddr)
	if rec.hasAlt(addr) {
		rec.removeAlt(addr)
		delete(pl.byAny, addr)
	}
	rec.Alt = append(rec.Alt, oldAddr)
	rec.Primary = addr

	pl.byPrimary[addr] = rec
	pl.byNode[id] = addr
	pl.byAny[addr] = id
	pl.byAny[oldAddr] = id
}

// Refresh extends a known primary's expiry to now+peer_timeout. No-op if
// addr isn't a known primary.
func (pl *PeerList) Refresh(addr PeerAddr) {
	if rec, ok := pl.byPrimary[addr]; ok {
		rec.Expiry = pl.now().Add(pl.timeout)
	}
}

// SetCrypto attaches the peer's crypto core handle, if addr is a known
// primary.
func (pl *PeerList) SetCrypto(addr PeerAddr, core CryptoCore) {
	if rec, ok := pl.byPrimary[addr]; ok {
		rec.Crypto = core
	}
}

// CryptoFor returns the crypto core for a known primary address.
func (pl *PeerList) CryptoFor(addr PeerAddr) (CryptoCore, bool) {
	rec, ok := pl.byPrimary[addr]
	if !ok || rec.Crypto == nil {
		return nil, false
	}
	return rec.Crypto, true
}

// Remove deletes the record owning addr (primary or alternate) and every
// address entry belonging to it from all three indices.
func (pl *PeerList) Remove(addr PeerAddr) {
	id, ok := pl.byAny[addr]
	if !ok {
		return
	}
	primary, ok := pl.byNode[id]
	if !ok {
		return
	}
	rec, ok := pl.byPrimary[primary]
	if !ok {
		return
	}
	delete(pl.byPrimary, primary)
	delete(pl.byNode, id)
	delete(pl.byAny, primary)
	for _, a := range rec.Alt {
		delete(pl.byAny, a)
	}
}

// Timeout removes and returns every record whose expiry has passed.
func (pl *PeerList) Timeout() []PeerAddr {
	now := pl.now()
	var expired []PeerAddr
	for addr, rec := range pl.byPrimary {
		if rec.Expiry.Before(now) {
			expired = append(expired, addr)
		}
	}
	for _, addr := range expired {
		pl.Remove(addr)
	}
	return expired
}

// NodeOf returns the node id owning addr, if any.
func (pl *PeerList) NodeOf(addr PeerAddr) (NodeId, bool) {
	id, ok := pl.byAny[addr]
	return id, ok
}

// ContainsAddr reports whether addr is reachable via any known peer
// (primary or alternate).
func (pl *PeerList) ContainsAddr(addr PeerAddr) bool {
	_, ok := pl.byAny[addr]
	return ok
}

// ContainsNode reports whether id is a known peer.
func (pl *PeerList) ContainsNode(id NodeId) bool {
	_, ok := pl.byNode[id]
	return ok
}

// IsConnected reports whether any address in addrs is known.
func (pl *PeerList) IsConnected(addrs []PeerAddr) bool {
	for _, a := range addrs {
		if pl.ContainsAddr(a) {
			return true
		}
	}
	return false
}

// Subset returns a uniformly random sample of up to k primary addresses,
// without replacement, used to bound gossip fan-out.
func (pl *PeerList) Subset(k int) []PeerAddr {
	all := pl.primaries()
	if k >= len(all) {
		return all
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:k]
}

func (pl *PeerList) primaries() []PeerAddr {
	out := make([]PeerAddr, 0, len(pl.byPrimary))
	for addr := range pl.byPrimary {
		out = append(out, addr)
	}
	return out
}

// Primaries returns every known primary address, in no particular order.
func (pl *PeerList) Primaries() []PeerAddr { return pl.primaries() }

// PrimaryOf returns the current primary address for id, if known.
func (pl *PeerList) PrimaryOf(id NodeId) (PeerAddr, bool) {
	addr, ok := pl.byNode[id]
	return addr, ok
}

// AsVec snapshots the any-known address set.
func (pl *PeerList) AsVec() []PeerAddr {
	out := make([]PeerAddr, 0, len(pl.byAny))
	for addr := range pl.byAny {
		out = append(out, addr)
	}
	return out
}

// Len returns the number of peers (primary addresses, i.e. distinct
// nodes).
func (pl *PeerList) Len() int { return len(pl.byPrimary) }

// IsEmpty reports whether the list has no peers.
func (pl *PeerList) IsEmpty() bool { return len(pl.byPrimary) == 0 }

// WriteReport writes a human-readable peer report, used to populate the
// stats file.
func (pl *PeerList) WriteReport(w io.Writer) error {
	now := pl.now()
	if _, err := fmt.Fprintln(w, "Peers:"); err != nil {
		return err
	}
	for addr, rec := range pl.byPrimary {
		ttl := rec.Expiry.Sub(now).Round(time.Second)
		if _, err := fmt.Fprintf(w, "  %s  node=%s  ttl=%s  alt=%v\n", addr, rec.NodeId, ttl, rec.Alt); err != nil {
			return err
		}
	}
	return nil
}

// checkInvariants re-derives the index-coherence invariants from scratch
// and returns the first violation found, or nil. It is O(n) and meant for
// tests and fuzzing, not the hot path.
func (pl *PeerList) checkInvariants() error {
	if len(pl.byNode) != len(pl.byPrimary) {
		return fmt.Errorf("byNode/byPrimary size mismatch: %d vs %d", len(pl.byNode), len(pl.byPrimary))
	}
	for id, addr := range pl.byNode {
		rec, ok := pl.byPrimary[addr]
		if !ok {
			return fmt.Errorf("node %s points at unknown primary %s", id, addr)
		}
		if rec.NodeId != id {
			return fmt.Errorf("primary %s node mismatch: %s != %s", addr, rec.NodeId, id)
		}
	}
	for addr, rec := range pl.byPrimary {
		if rec.hasAlt(addr) {
			return fmt.Errorf("primary %s also listed as its own alternate", addr)
		}
		seen := map[PeerAddr]bool{}
		for _, a := range rec.Alt {
			if seen[a] {
				return fmt.Errorf("duplicate alternate %s for primary %s", a, addr)
			}
			seen[a] = true
			if pl.byAny[a] != rec.NodeId {
				return fmt.Errorf("alternate %s not reachable back to node %s", a, rec.NodeId)
			}
		}
		if pl.byAny[addr] != rec.NodeId {
			return fmt.Errorf("primary %s not reachable back to node %s", addr, rec.NodeId)
		}
	}
	for addr, id := range pl.byAny {
		rec, ok := pl.byPrimary[pl.byNode[id]]
		if !ok || (rec.Primary != addr && !rec.hasAlt(addr)) {
			return fmt.Errorf("any-known address %s doesn't trace back to a record", addr)
		}
	}
	return nil
}
