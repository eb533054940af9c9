package config

import (
	"time"

	"github.com/shurlinet/cloudmesh/pkg/meshcore"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the on-disk configuration for a cloudmesh node: the fields the
// engine consumes directly, plus the ambient fields around them (log
// level, metrics listen address, device name).
type Config struct {
	Version int `yaml:"version,omitempty"`

	Port       int    `yaml:"port"`
	KeyFile    string `yaml:"key_file"`
	HeaderMagic string `yaml:"header_magic"`

	Device    DeviceConfig    `yaml:"device"`
	Peers     PeersConfig     `yaml:"peers"`
	Switching SwitchingConfig `yaml:"switching"`
	Beacon    BeaconConfig    `yaml:"beacon,omitempty"`
	Stats     StatsConfig     `yaml:"stats,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// DeviceConfig names the local tunnel interface. An empty Name selects a
// Dummy device (no local interface — relay-only node).
type DeviceConfig struct {
	Name string `yaml:"name,omitempty"`
}

// PeersConfig controls peer-set timing.
type PeersConfig struct {
	PeerTimeout time.Duration `yaml:"peer_timeout"`
	Reconnect   []string      `yaml:"reconnect,omitempty"`
}

// SwitchingConfig controls forwarding-table behavior.
type SwitchingConfig struct {
	SwitchTimeout time.Duration `yaml:"switch_timeout"`
	Keepalive     time.Duration `yaml:"keepalive"`
	Learning      bool          `yaml:"learning"`
	Broadcast     bool          `yaml:"broadcast"`
	Ranges        []string      `yaml:"ranges,omitempty"` // CIDR, e.g. "10.0.0.0/24"

	// MaxDatagramsPerSecond caps inbound datagram processing as a flood
	// guard. Zero disables the limiter.
	MaxDatagramsPerSecond float64 `yaml:"max_datagrams_per_second,omitempty"`
}

// BeaconConfig controls periodic address-beacon publication/discovery.
// An Interval of zero disables beacon entirely.
type BeaconConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Store    string        `yaml:"store,omitempty"` // path, or "|command"
	Load     string        `yaml:"load,omitempty"`  // path, or "|command"
}

// StatsConfig controls the periodic human-readable stats report. An empty
// File disables it.
type StatsConfig struct {
	File string `yaml:"file,omitempty"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	LogLevel string        `yaml:"log_level,omitempty"` // debug, info, warn, error
	Metrics  MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // default: "127.0.0.1:9091"
}

// EngineConfig converts the loaded configuration into the
// meshcore.EngineConfig the cloud engine consumes. Callers normally run
// Validate first; EngineConfig decodes header_magic and the ranges itself
// and returns their parse errors.
func (c *Config) EngineConfig() (meshcore.EngineConfig, error) {
	magic, err := parseHeaderMagic(c.HeaderMagic)
	if err != nil {
		return meshcore.EngineConfig{}, err
	}
	ranges, err := parseRanges(c.Switching.Ranges)
	if err != nil {
		return meshcore.EngineConfig{}, err
	}
	return meshcore.EngineConfig{
		Magic:                 magic,
		PeerTimeout:           c.Peers.PeerTimeout,
		SwitchTimeout:         c.Switching.SwitchTimeout,
		Keepalive:             c.Switching.Keepalive,
		BeaconInterval:        c.Beacon.Interval,
		BeaconStore:           c.Beacon.Store,
		BeaconLoad:            c.Beacon.Load,
		StatsFile:             c.Stats.File,
		Learning:              c.Switching.Learning,
		Broadcast:             c.Switching.Broadcast,
		OwnRanges:             ranges,
		MaxDatagramsPerSecond: c.Switching.MaxDatagramsPerSecond,
	}, nil
}
