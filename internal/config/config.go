// Package config handles configuration loading and validation for sparemap.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sparemap/sparemap/internal/fingerprint"
	"github.com/sparemap/sparemap/internal/metadata"
	"github.com/sparemap/sparemap/pkg/bytesize"
	"github.com/sparemap/sparemap/pkg/metaformat"
)

// StoreConfig holds configuration for the metadata store on one spare device.
type StoreConfig struct {
	Device      string  `yaml:"device"`                 // Path of the spare device carrying metadata
	SlotOffsets []int64 `yaml:"slot_offsets,omitempty"` // Byte offsets of the copy slots (default: standard layout)
	MaxEntries  int     `yaml:"max_entries"`            // Remap table capacity (default: 1024)
}

// ValidationConfig holds configuration for metadata validation.
type ValidationConfig struct {
	Level        string        `yaml:"level"`          // minimal, standard, strict or paranoid (default: standard)
	MaxTargets   int           `yaml:"max_targets"`    // Maximum protected devices per setup
	MaxSpares    int           `yaml:"max_spares"`     // Maximum spare devices per setup
	MinSpareSize bytesize.Size `yaml:"min_spare_size"` // Smallest usable spare device (default: 8Mi)
}

// MatchConfig holds the fingerprint confidence band thresholds.
type MatchConfig struct {
	Thresholds fingerprint.Thresholds `yaml:"thresholds"`
}

// MonitorConfig holds configuration for the periodic health monitor.
type MonitorConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Interval      string `yaml:"interval"`       // Duration string, e.g. "5m"
	WriteInterval string `yaml:"write_interval"` // Minimum gap between metadata writes, e.g. "30s"
}

// MetricsConfig holds configuration for the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port for /metrics (default: 127.0.0.1:9377)
}

// ScanConfig holds configuration for device discovery.
type ScanConfig struct {
	Paths []string `yaml:"paths"` // Candidate device paths to probe
}

// Config is the top-level sparemap configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Validation ValidationConfig `yaml:"validation"`
	Match      MatchConfig      `yaml:"match"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Scan       ScanConfig       `yaml:"scan"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Store.MaxEntries == 0 {
		cfg.Store.MaxEntries = 1024
	}
	if cfg.Validation.Level == "" {
		cfg.Validation.Level = "standard"
	}
	if cfg.Validation.MaxTargets == 0 {
		cfg.Validation.MaxTargets = metadata.DefaultMaxTargets
	}
	if cfg.Validation.MaxSpares == 0 {
		cfg.Validation.MaxSpares = metadata.DefaultMaxSpares
	}
	if cfg.Validation.MinSpareSize == 0 {
		cfg.Validation.MinSpareSize = bytesize.Size(metadata.MinSpareBytes)
	}
	if cfg.Match.Thresholds == (fingerprint.Thresholds{}) {
		cfg.Match.Thresholds = fingerprint.DefaultThresholds()
	}
	if cfg.Monitor.Interval == "" {
		cfg.Monitor.Interval = "5m"
	}
	if cfg.Monitor.WriteInterval == "" {
		cfg.Monitor.WriteInterval = "30s"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9377"
	}

	// Expand home directory in the device path so configs can point at test
	// images as well as real block devices.
	if strings.HasPrefix(cfg.Store.Device, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.Store.Device = filepath.Join(homeDir, cfg.Store.Device[2:])
		}
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Store.Device == "" {
		return fmt.Errorf("store.device is required")
	}
	if c.Store.MaxEntries < 0 {
		return fmt.Errorf("store.max_entries must not be negative")
	}
	if len(c.Store.SlotOffsets) > 0 {
		if len(c.Store.SlotOffsets) != metaformat.SlotCount {
			return fmt.Errorf("store.slot_offsets must list exactly %d offsets", metaformat.SlotCount)
		}
		for i, off := range c.Store.SlotOffsets {
			if off < 0 {
				return fmt.Errorf("store.slot_offsets[%d] must not be negative", i)
			}
		}
	}
	if _, err := metadata.ParseLevel(c.Validation.Level); err != nil {
		return fmt.Errorf("invalid validation.level: %w", err)
	}
	if c.Validation.MaxTargets <= 0 {
		return fmt.Errorf("validation.max_targets must be positive")
	}
	if c.Validation.MaxSpares <= 0 {
		return fmt.Errorf("validation.max_spares must be positive")
	}
	if c.Validation.MinSpareSize < 0 {
		return fmt.Errorf("validation.min_spare_size must not be negative")
	}
	t := c.Match.Thresholds
	if !(t.Low <= t.Medium && t.Medium <= t.High && t.High <= t.Perfect) {
		return fmt.Errorf("match.thresholds must be ascending: low <= medium <= high <= perfect")
	}
	if t.Perfect > 100 || t.Low < 0 {
		return fmt.Errorf("match.thresholds must stay within 0-100")
	}
	if _, err := c.MonitorInterval(); err != nil {
		return fmt.Errorf("invalid monitor.interval: %w", err)
	}
	if _, err := c.MonitorWriteInterval(); err != nil {
		return fmt.Errorf("invalid monitor.write_interval: %w", err)
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}
	return nil
}

// MonitorInterval returns the parsed scan interval.
func (c *Config) MonitorInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Monitor.Interval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %q", c.Monitor.Interval)
	}
	return d, nil
}

// MonitorWriteInterval returns the parsed minimum gap between metadata writes.
func (c *Config) MonitorWriteInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Monitor.WriteInterval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %q", c.Monitor.WriteInterval)
	}
	return d, nil
}

// Level returns the parsed validation level.
func (c *Config) Level() metadata.Level {
	lvl, err := metadata.ParseLevel(c.Validation.Level)
	if err != nil {
		return metadata.LevelStandard
	}
	return lvl
}

// EngineConfig builds the validation engine configuration.
func (c *Config) EngineConfig() metadata.EngineConfig {
	return metadata.EngineConfig{
		MaxTargets:    c.Validation.MaxTargets,
		MaxSpares:     c.Validation.MaxSpares,
		MinSpareBytes: c.Validation.MinSpareSize.Bytes(),
	}
}
