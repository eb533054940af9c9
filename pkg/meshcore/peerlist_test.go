package meshcore

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func addr(ip string, port int) PeerAddr {
	return PeerAddrFromUDP(&net.UDPAddr{IP: net.ParseIP(ip), Port: port})
}

func TestPeerList_AddAndLookup(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	id := NewNodeId()
	a := addr("10.0.0.1", 7946)

	pl.Add(id, a)

	if !pl.ContainsNode(id) {
		t.Error("expected node to be known after Add")
	}
	if !pl.ContainsAddr(a) {
		t.Error("expected address to be known after Add")
	}
	got, ok := pl.PrimaryOf(id)
	if !ok || got != a {
		t.Errorf("PrimaryOf mismatch: got %v ok=%v", got, ok)
	}
	node, ok := pl.NodeOf(a)
	if !ok || node != id {
		t.Errorf("NodeOf mismatch: got %v ok=%v", node, ok)
	}
	if pl.Len() != 1 {
		t.Errorf("expected Len 1, got %d", pl.Len())
	}
}

func TestPeerList_AddIsNoOpForKnownNode(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	id := NewNodeId()
	a := addr("10.0.0.1", 7946)
	b := addr("10.0.0.2", 7946)

	pl.Add(id, a)
	pl.Add(id, b) // second Add for same node id must not migrate the primary

	got, _ := pl.PrimaryOf(id)
	if got != a {
		t.Errorf("expected primary to remain %v, got %v", a, got)
	}
	if pl.ContainsAddr(b) {
		t.Error("second address from a no-op Add should not become known")
	}
}

func TestPeerList_MakePrimary(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	id := NewNodeId()
	a := addr("10.0.0.1", 7946)
	b := addr("10.0.0.2", 7946)

	pl.Add(id, a)
	pl.MakePrimary(id, b)

	got, _ := pl.PrimaryOf(id)
	if got != b {
		t.Errorf("expected new primary %v, got %v", b, got)
	}
	if !pl.ContainsAddr(a) {
		t.Error("old primary should still be reachable as an alternate")
	}
	if node, ok := pl.NodeOf(a); !ok || node != id {
		t.Error("old primary should still resolve back to the same node")
	}
}

func TestPeerList_MakePrimary_UnknownNodeIsNoop(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	pl.MakePrimary(NewNodeId(), addr("10.0.0.1", 1))
	if pl.Len() != 0 {
		t.Error("MakePrimary on an unknown node should not create a record")
	}
}

func TestPeerList_Remove(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	id := NewNodeId()
	a := addr("10.0.0.1", 7946)
	b := addr("10.0.0.2", 7946)

	pl.Add(id, a)
	pl.MakePrimary(id, b)
	pl.Remove(b)

	if pl.ContainsNode(id) || pl.ContainsAddr(a) || pl.ContainsAddr(b) {
		t.Error("Remove should erase the primary, all alternates, and the node index")
	}
}

func TestPeerList_Timeout(t *testing.T) {
	base := time.Now()
	pl := NewPeerList(time.Minute)
	pl.now = func() time.Time { return base }

	id := NewNodeId()
	a := addr("10.0.0.1", 7946)
	pl.Add(id, a)

	pl.now = func() time.Time { return base.Add(2 * time.Minute) }
	expired := pl.Timeout()

	if len(expired) != 1 || expired[0] != a {
		t.Fatalf("expected [%v] expired, got %v", a, expired)
	}
	if pl.ContainsNode(id) {
		t.Error("expired peer should have been removed")
	}
}

func TestPeerList_Refresh_ExtendsExpiry(t *testing.T) {
	base := time.Now()
	pl := NewPeerList(time.Minute)
	pl.now = func() time.Time { return base }

	id := NewNodeId()
	a := addr("10.0.0.1", 7946)
	pl.Add(id, a)

	pl.now = func() time.Time { return base.Add(30 * time.Second) }
	pl.Refresh(a)

	pl.now = func() time.Time { return base.Add(80 * time.Second) }
	if expired := pl.Timeout(); len(expired) != 0 {
		t.Errorf("refreshed peer should not have expired yet, got %v", expired)
	}
}

func TestPeerList_CryptoFor(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	id := NewNodeId()
	a := addr("10.0.0.1", 7946)
	pl.Add(id, a)

	if _, ok := pl.CryptoFor(a); ok {
		t.Error("no crypto core attached yet")
	}

	core, err := NewChaCha20Crypto(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewChaCha20Crypto: %v", err)
	}
	pl.SetCrypto(a, core)

	got, ok := pl.CryptoFor(a)
	if !ok || got != core {
		t.Error("expected the attached crypto core back")
	}
}

func TestPeerList_Subset(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	for i := 0; i < 10; i++ {
		pl.Add(NewNodeId(), addr("10.0.0.1", 1000+i))
	}

	sub := pl.Subset(3)
	if len(sub) != 3 {
		t.Fatalf("expected 3 addresses, got %d", len(sub))
	}
	seen := map[PeerAddr]bool{}
	for _, a := range sub {
		if seen[a] {
			t.Error("Subset returned a duplicate address")
		}
		seen[a] = true
	}

	all := pl.Subset(100)
	if len(all) != 10 {
		t.Errorf("requesting more than available should return every peer, got %d", len(all))
	}
}

func TestPeerList_IsConnected(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	a := addr("10.0.0.1", 1)
	b := addr("10.0.0.2", 1)
	pl.Add(NewNodeId(), a)

	if !pl.IsConnected([]PeerAddr{b, a}) {
		t.Error("expected IsConnected true when any address matches")
	}
	if pl.IsConnected([]PeerAddr{b}) {
		t.Error("expected IsConnected false when no address matches")
	}
}

func TestPeerList_WriteReport(t *testing.T) {
	pl := NewPeerList(5 * time.Minute)
	pl.Add(NewNodeId(), addr("10.0.0.1", 7946))

	var buf bytes.Buffer
	if err := pl.WriteReport(&buf); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if !strings.Contains(buf.String(), "10.0.0.1") {
		t.Errorf("expected peer address in report, got: %s", buf.String())
	}
}

// TestPeerList_Invariants drives a random sequence of operations through a
// PeerList and checks checkInvariants after every step, catching any
// index-coherence bug the three-map design could introduce.
func TestPeerList_Invariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pl := NewPeerList(time.Hour)
		var ids []NodeId
		var addrs []PeerAddr

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.IntRange(0, 3).Draw(rt, "op")
			switch op {
			case 0: // Add a brand new node/address pair
				id := NewNodeId()
				a := addr("10.0.0.1", 10000+len(addrs))
				pl.Add(id, a)
				ids = append(ids, id)
				addrs = append(addrs, a)
			case 1: // MakePrimary on an existing node
				if len(ids) == 0 {
					continue
				}
				id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "id")]
				a := addr("10.0.0.2", 20000+len(addrs))
				pl.MakePrimary(id, a)
				addrs = append(addrs, a)
			case 2: // Remove a known address
				if len(addrs) == 0 {
					continue
				}
				a := addrs[rapid.IntRange(0, len(addrs)-1).Draw(rt, "addr")]
				pl.Remove(a)
			case 3: // Refresh
				if len(addrs) == 0 {
					continue
				}
				a := addrs[rapid.IntRange(0, len(addrs)-1).Draw(rt, "addr")]
				pl.Refresh(a)
			}
			if err := pl.checkInvariants(); err != nil {
				rt.Fatalf("invariant violated: %v", err)
			}
		}
	})
}
