package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions rejects (returns an error for) a config file with overly permissive
// permissions (group/world readable). The file holds the mesh's shared
// key path and topology, so a world-readable config on a multi-user
// system is a key-disclosure risk.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and validates a cloudmesh config file, resolving relative
// paths (key_file, stats.file) against the config file's directory. This
// is the preferred entry point for cmd/cloudmesh.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade cloudmesh", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyDefaults(&cfg)
	ResolvePaths(&cfg, filepath.Dir(path))

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero-valued optional fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Peers.PeerTimeout == 0 {
		cfg.Peers.PeerTimeout = 5 * time.Minute
	}
	if cfg.Switching.SwitchTimeout == 0 {
		cfg.Switching.SwitchTimeout = 60 * time.Second
	}
	if cfg.Switching.Keepalive == 0 {
		cfg.Switching.Keepalive = 30 * time.Second
	}
	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = "info"
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = "127.0.0.1:9091"
	}
}

// ResolvePaths resolves relative file paths in cfg to be relative to the
// config file's directory, so configs under ~/.config/cloudmesh/ can
// reference key/stats files with relative paths.
func ResolvePaths(cfg *Config, configDir string) {
	if cfg.KeyFile != "" && !filepath.IsAbs(cfg.KeyFile) {
		cfg.KeyFile = filepath.Join(configDir, cfg.KeyFile)
	}
	if cfg.Stats.File != "" && !filepath.IsAbs(cfg.Stats.File) {
		cfg.Stats.File = filepath.Join(configDir, cfg.Stats.File)
	}
	if cfg.Beacon.Store != "" && !IsCommandPath(cfg.Beacon.Store) && !filepath.IsAbs(cfg.Beacon.Store) {
		cfg.Beacon.Store = filepath.Join(configDir, cfg.Beacon.Store)
	}
	if cfg.Beacon.Load != "" && !IsCommandPath(cfg.Beacon.Load) && !filepath.IsAbs(cfg.Beacon.Load) {
		cfg.Beacon.Load = filepath.Join(configDir, cfg.Beacon.Load)
	}
}

// IsCommandPath reports whether a beacon store/load path names a helper
// command rather than a file, via a leading `|` sentinel.
func IsCommandPath(path string) bool {
	return strings.HasPrefix(path, "|")
}

// Validate checks a loaded Config for its required invariants: nonzero
// positive durations, a header_magic that decodes to exactly 4 bytes, a
// valid UDP port, and well-formed CIDR ranges.
// Validate does not check broadcast/learning against the number of
// announced ranges, and no warning is logged for that combination.
func Validate(cfg *Config) error {
	if err := parsePort(cfg.Port); err != nil {
		return err
	}
	if cfg.KeyFile == "" {
		return fmt.Errorf("key_file is required")
	}
	if _, err := parseHeaderMagic(cfg.HeaderMagic); err != nil {
		return err
	}
	if cfg.Peers.PeerTimeout <= 0 {
		return fmt.Errorf("peers.peer_timeout must be positive")
	}
	if cfg.Switching.SwitchTimeout <= 0 {
		return fmt.Errorf("switching.switch_timeout must be positive")
	}
	if cfg.Switching.Keepalive <= 0 {
		return fmt.Errorf("switching.keepalive must be positive")
	}
	if cfg.Beacon.Interval < 0 {
		return fmt.Errorf("beacon.interval must not be negative")
	}
	if _, err := parseRanges(cfg.Switching.Ranges); err != nil {
		return err
	}
	return nil
}

// LoadKey reads and decodes the 32-byte shared mesh key named by
// cfg.KeyFile.
func LoadKey(cfg *Config) ([]byte, error) {
	data, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", cfg.KeyFile, err)
	}
	return parseKey(data)
}

// FindConfigFile searches for a cloudmesh config file in standard
// locations. Search order: explicitPath (if given), ./cloudmesh.yaml,
// ~/.config/cloudmesh/config.yaml, /etc/cloudmesh/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"cloudmesh.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "cloudmesh", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "cloudmesh", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'cloudmesh init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default cloudmesh config directory
// (~/.config/cloudmesh).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "cloudmesh"), nil
}
