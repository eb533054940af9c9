package meshcore

import (
	"time"
)

const (
	// resolveInterval is how often a reconnect entry that is not connected
	// is re-resolved via DNS.
	resolveInterval = 300 * time.Second
	// maxBackoff caps the exponential reconnect backoff at one hour.
	maxBackoff = 3600 * time.Second
	// failuresPerDoubling is how many consecutive failed dial attempts it
	// takes before the backoff interval doubles.
	failuresPerDoubling = 10
)

// Resolver resolves a user-supplied reconnect address string (host:port,
// bare hostname, etc.) to a set of socket addresses. It is the DNS
// collaborator behind reconnect resolution. Tick ignores its errors: an
// entry whose resolution fails keeps its previously resolved addresses.
type Resolver func(address string) ([]PeerAddr, error)

// ReconnectEntry tracks one named remote to dial with exponential backoff
// and periodic re-resolution.
type ReconnectEntry struct {
	Address     string
	Resolved    []PeerAddr
	NextResolve time.Time
	Failures    int
	Backoff     time.Duration
	Next        time.Time
}

// ReconnectList is the set of named remotes the engine tries to keep
// connected.
type ReconnectList struct {
	resolve   Resolver
	connected func([]PeerAddr) bool
	entries   []*ReconnectEntry
}

// NewReconnectList creates a ReconnectList. resolve performs DNS lookups;
// connected reports whether any of a set of addresses is already a known
// peer (normally PeerList.IsConnected).
func NewReconnectList(resolve Resolver, connected func([]PeerAddr) bool) *ReconnectList {
	return &ReconnectList{resolve: resolve, connected: connected}
}

// Add registers a new address string to keep reconnecting to.
func (rl *ReconnectList) Add(address string, now time.Time) {
	rl.entries = append(rl.entries, &ReconnectEntry{
		Address:     address,
		NextResolve: now,
		Backoff:     time.Second,
		Next:        now,
	})
}

// Entries returns the current reconnect entries (for stats/tests).
func (rl *ReconnectList) Entries() []*ReconnectEntry { return rl.entries }

// Tick runs one housekeeping pass over every entry: an entry that's
// already connected resets its
// backoff; one that's due for DNS refresh re-resolves (which doesn't by
// itself count as a failed attempt); one that isn't due yet is skipped;
// otherwise connector is invoked with the entry's currently resolved
// addresses and a failed-attempt is recorded against the backoff.
func (rl *ReconnectList) Tick(now time.Time, connector func([]PeerAddr)) {
	for _, e := range rl.entries {
		if rl.connected(e.Resolved) {
			e.Failures = 0
			e.Backoff = time.Second
			e.Next = now.Add(time.Second)
			continue
		}
		if !e.NextResolve.After(now) {
			if addrs, err := rl.resolve(e.Address); err == nil {
				e.Resolved = addrs
			}
			e.NextResolve = now.Add(resolveInterval)
			continue
		}
		if e.Next.After(now) {
			continue
		}
		connector(e.Resolved)
		e.Failures++
		if e.Failures%failuresPerDoubling == 0 {
			e.Backoff *= 2
			if e.Backoff > maxBackoff {
				e.Backoff = maxBackoff
			}
		}
		e.Next = now.Add(e.Backoff)
	}
}
