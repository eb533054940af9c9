package config

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint derives a short, non-secret identifier for a mesh's
// (header_magic, key) pair. Two nodes configured to join the same mesh
// print the same fingerprint at startup, letting an operator eyeball-
// compare deployments across hosts without ever putting the key itself in
// a log line.
func Fingerprint(headerMagic string, key []byte) string {
	data := make([]byte, 0, len(headerMagic)+len(key))
	data = append(data, headerMagic...)
	data = append(data, key...)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:4])
}
