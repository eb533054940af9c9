package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

// writeTestConfigDir writes a valid, minimal cloudmesh config and mesh key
// into a fresh temp directory and returns the config file path.
func writeTestConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "mesh.key")
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	cfg := `port: 7946
key_file: mesh.key
header_magic: cafebabe

device:
  name: ""

peers:
  peer_timeout: 5m
  reconnect: []

switching:
  switch_timeout: 60s
  keepalive: 30s
  learning: true
  broadcast: false
  ranges:
    - 10.10.0.0/16

telemetry:
  log_level: info
  metrics:
    enabled: false
`
	cfgPath := filepath.Join(dir, "cloudmesh.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return cfgPath
}
