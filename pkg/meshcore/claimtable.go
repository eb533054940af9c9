package meshcore

import (
	"fmt"
	"io"
	"time"
)

type cacheEntry struct {
	peer   PeerAddr
	expiry time.Time
}

type claimEntry struct {
	peer   PeerAddr
	rng    Range
	expiry time.Time
	setAt  time.Time
}

// ClaimTable is the sole source of truth for forwarding decisions from the
// local device. It holds two maps — explicit claims
// (subnet ranges announced in handshakes, aged by peer_timeout) and a
// learned cache (host addresses observed from data frames in learning
// mode, aged by switch_timeout) — and implements Table.
type ClaimTable struct {
	peerTimeout   time.Duration
	switchTimeout time.Duration

	claims []claimEntry
	cache  map[Address]cacheEntry

	now func() time.Time
}

// NewClaimTable creates a ClaimTable. peerTimeout ages explicit claims,
// switchTimeout ages learned-cache entries.
func NewClaimTable(switchTimeout, peerTimeout time.Duration) *ClaimTable {
	return &ClaimTable{
		peerTimeout:   peerTimeout,
		switchTimeout: switchTimeout,
		cache:         make(map[Address]cacheEntry),
		now:           time.Now,
	}
}

// SetClaims replaces peer's claim set with ranges.
func (t *ClaimTable) SetClaims(peer PeerAddr, ranges []Range) {
	t.RemoveClaims(peer)
	now := t.now()
	for _, r := range ranges {
		t.claims = append(t.claims, claimEntry{peer: peer, rng: r, expiry: now.Add(t.peerTimeout), setAt: now})
	}
}

// RemoveClaims drops every claim owned by peer.
func (t *ClaimTable) RemoveClaims(peer PeerAddr) {
	out := t.claims[:0]
	for _, c := range t.claims {
		if c.peer != peer {
			out = append(out, c)
		}
	}
	t.claims = out
}

// Cache inserts or refreshes a learned host entry for addr, owned by peer.
func (t *ClaimTable) Cache(addr Address, peer PeerAddr) {
	t.cache[addr] = cacheEntry{peer: peer, expiry: t.now().Add(t.switchTimeout)}
}

// Lookup resolves addr to a peer: an unexpired exact cache hit wins over
// claims; among claims, the longest matching prefix wins, and ties break
// toward the most recently (re-)set claim.
func (t *ClaimTable) Lookup(addr Address) (PeerAddr, bool) {
	now := t.now()
	if entry, ok := t.cache[addr]; ok && entry.expiry.After(now) {
		return entry.peer, true
	}
	var best *claimEntry
	for i := range t.claims {
		c := &t.claims[i]
		if c.expiry.Before(now) {
			continue
		}
		if !c.rng.Contains(addr) {
			continue
		}
		if best == nil ||
			c.rng.PrefixLen > best.rng.PrefixLen ||
			(c.rng.PrefixLen == best.rng.PrefixLen && c.setAt.After(best.setAt)) {
			best = c
		}
	}
	if best == nil {
		return PeerAddr{}, false
	}
	return best.peer, true
}

// Housekeep evicts expired claims and expired cache entries.
func (t *ClaimTable) Housekeep() {
	now := t.now()
	out := t.claims[:0]
	for _, c := range t.claims {
		if c.expiry.After(now) {
			out = append(out, c)
		}
	}
	t.claims = out
	for addr, entry := range t.cache {
		if !entry.expiry.After(now) {
			delete(t.cache, addr)
		}
	}
}

// RemoveAll drops every claim and cache entry owned by peer, called on
// peer timeout or Close.
func (t *ClaimTable) RemoveAll(peer PeerAddr) {
	t.RemoveClaims(peer)
	for addr, entry := range t.cache {
		if entry.peer == peer {
			delete(t.cache, addr)
		}
	}
}

// ClaimLen returns the number of explicit claim entries (for stats/tests).
func (t *ClaimTable) ClaimLen() int { return len(t.claims) }

// CacheLen returns the number of learned-cache entries.
func (t *ClaimTable) CacheLen() int { return len(t.cache) }

// Stats implements Table.
func (t *ClaimTable) Stats() (claims, cache int) { return len(t.claims), len(t.cache) }

// WriteReport writes a human-readable claim table report.
func (t *ClaimTable) WriteReport(w io.Writer) error {
	now := t.now()
	if _, err := fmt.Fprintln(w, "Claims:"); err != nil {
		return err
	}
	for _, c := range t.claims {
		if _, err := fmt.Fprintf(w, "  %s -> %s (ttl: %s)\n", c.rng, c.peer, c.expiry.Sub(now).Round(time.Second)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "Learned cache:"); err != nil {
		return err
	}
	for addr, entry := range t.cache {
		if _, err := fmt.Fprintf(w, "  %s -> %s (ttl: %s)\n", addr, entry.peer, entry.expiry.Sub(now).Round(time.Second)); err != nil {
			return err
		}
	}
	return nil
}
