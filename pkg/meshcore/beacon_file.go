package meshcore

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// maxBeaconAddresses bounds both store and load to 50 socket addresses.
const maxBeaconAddresses = 50

// FileBeacon implements the file half of the Beacon contract: addresses
// are serialized one per line as "host:port" (or "[host]:port" for IPv6),
// blank lines, comment lines (leading '#') and lines that do not parse as
// an address are skipped on load. The
// `|command` half of the contract belongs to a pluggable
// BeaconCommandRunner instead, since spawning and trusting an external
// helper process is a deployment decision, not something this package
// should hardcode.
type FileBeacon struct{}

// Store writes up to maxBeaconAddresses peer addresses to path,
// overwriting any existing contents.
func (FileBeacon) Store(path string, peers []PeerAddr) error {
	if len(peers) > maxBeaconAddresses {
		peers = peers[:maxBeaconAddresses]
	}
	f, err := os.Create(path)
	if err != nil {
		return newErr(KindBeacon, fmt.Sprintf("create %s", path), err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, p := range peers {
		if _, err := fmt.Fprintln(w, p.String()); err != nil {
			return newErr(KindBeacon, fmt.Sprintf("write %s", path), err)
		}
	}
	if err := w.Flush(); err != nil {
		return newErr(KindBeacon, fmt.Sprintf("flush %s", path), err)
	}
	return nil
}

// Load reads up to limit peer addresses from path. A missing file yields
// an empty slice, not an error: an unseeded beacon file is a normal
// startup state, not a failure.
func (FileBeacon) Load(path string, limit int) ([]PeerAddr, error) {
	if limit <= 0 || limit > maxBeaconAddresses {
		limit = maxBeaconAddresses
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newErr(KindBeacon, fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	var peers []PeerAddr
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(peers) < limit {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, err := parsePeerAddrString(line)
		if err != nil {
			continue
		}
		peers = append(peers, addr)
	}
	if err := sc.Err(); err != nil {
		return nil, newErr(KindBeacon, fmt.Sprintf("scan %s", path), err)
	}
	return peers, nil
}

// IsCommand reports whether path designates a helper command rather than
// a file path, via a leading `|` sentinel.
func IsCommand(path string) bool { return strings.HasPrefix(path, "|") }

func parsePeerAddrString(s string) (PeerAddr, error) {
	udp, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return PeerAddr{}, newErr(KindBeacon, fmt.Sprintf("parse address %q", s), err)
	}
	return PeerAddrFromUDP(udp), nil
}

// NoopCommandRunner implements BeaconCommandRunner by doing nothing: Store
// succeeds trivially and Poll never has a result. It is the default when a
// deployment configures no beacon command, matching FileBeacon's missing-
// file behavior of "nothing configured" not being an error.
type NoopCommandRunner struct{}

func (NoopCommandRunner) Store(string, []PeerAddr) error      { return nil }
func (NoopCommandRunner) Load(string, int) error               { return nil }
func (NoopCommandRunner) Poll() ([]PeerAddr, bool)             { return nil, false }
