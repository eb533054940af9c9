package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shurlinet/cloudmesh/internal/config"
)

const defaultConfigTemplate = `port: 7946
key_file: mesh.key
header_magic: %s

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
  ranges: []

beacon:
  interval: 0s

stats:
  file: ""

telemetry:
  log_level: info
  metrics:
    enabled: false
`

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdout *os.File) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to write the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		cfgPath = filepath.Join(dir, "config.yaml")
	}

	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists; remove it first or pass a different --config", cfgPath)
	}

	magic := make([]byte, 4)
	if _, err := rand.Read(magic); err != nil {
		return fmt.Errorf("generate header magic: %w", err)
	}

	keyPath := filepath.Join(filepath.Dir(cfgPath), "mesh.key")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate mesh key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	body := fmt.Sprintf(defaultConfigTemplate, hex.EncodeToString(magic))
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		os.Remove(keyPath)
		return fmt.Errorf("write config file: %w", err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", cfgPath)
	fmt.Fprintf(stdout, "Wrote %s (mesh shared key — copy it to every node in this mesh)\n", keyPath)
	fmt.Fprintln(stdout, "Edit peers.reconnect and switching.ranges, then run: cloudmesh run")
	return nil
}
