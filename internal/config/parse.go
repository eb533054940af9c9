package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/shurlinet/cloudmesh/pkg/meshcore"
)

// parseHeaderMagic decodes an 8-character hex string into a
// meshcore.HeaderMagic.
func parseHeaderMagic(s string) (meshcore.HeaderMagic, error) {
	var magic meshcore.HeaderMagic
	raw, err := hex.DecodeString(s)
	if err != nil {
		return magic, fmt.Errorf("header_magic: invalid hex %q: %w", s, err)
	}
	if len(raw) != len(magic) {
		return magic, fmt.Errorf("header_magic: must decode to %d bytes, got %d", len(magic), len(raw))
	}
	copy(magic[:], raw)
	return magic, nil
}

// parseRanges parses a list of CIDR strings ("10.0.0.0/24",
// "fd00::/64") into meshcore.Range values.
func parseRanges(cidrs []string) ([]meshcore.Range, error) {
	out := make([]meshcore.Range, 0, len(cidrs))
	for _, s := range cidrs {
		base, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("ranges: invalid CIDR %q: %w", s, err)
		}
		prefixLen, _ := ipnet.Mask.Size()
		out = append(out, meshcore.Range{
			Base:      meshcore.AddressFromIP(base),
			PrefixLen: uint8(prefixLen),
		})
	}
	return out, nil
}

// parseKey decodes a key file's contents: a single hex-encoded line.
func parseKey(data []byte) ([]byte, error) {
	s := strings.TrimSpace(string(data))
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key_file: invalid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key_file: must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// formatKey hex-encodes a key for writing to a key file.
func formatKey(key []byte) string {
	return hex.EncodeToString(key) + "\n"
}

// parsePort validates a UDP port number.
func parsePort(n int) error {
	if n <= 0 || n > 65535 {
		return fmt.Errorf("port: %d out of range 1-65535", n)
	}
	return nil
}
