// Package config defines the collector's runtime configuration.
//
// Configuration is layered: built-in defaults, then the YAML config file,
// then SERPENT_* environment variables, then CLI flags in main. All values
// are fixed at process start; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	defaults "github.com/slithernet/serpent/config"
)

// Config represents the complete collector configuration.
type Config struct {
	// Server configures the HTTP/WebSocket listener.
	Server ServerConfig `yaml:"server"`

	// Session configures buffering and idle reclamation.
	Session SessionConfig `yaml:"session"`

	// Storage configures the on-disk chunk store.
	Storage StorageConfig `yaml:"storage"`

	// Validation configures frame acceptance bounds.
	Validation ValidationConfig `yaml:"validation"`

	// Grid defines the expected sensor grid shape.
	Grid GridConfig `yaml:"grid"`

	// Stats configures derived session statistics.
	Stats StatsConfig `yaml:"stats"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	// Listen is the bind address, host:port.
	Listen string `yaml:"listen" env:"SERPENT_LISTEN"`

	// MaxFrameBytes limits the size of a single ingest payload.
	MaxFrameBytes int64 `yaml:"max_frame_bytes" env:"SERPENT_MAX_FRAME_BYTES"`
}

// SessionConfig configures buffering and idle reclamation.
type SessionConfig struct {
	// BufferThreshold is the buffered frame count that triggers a flush.
	BufferThreshold int `yaml:"buffer_threshold" env:"SERPENT_BUFFER_THRESHOLD"`

	// MaxGap is the maximum time without frames before a session is
	// considered idle.
	MaxGap time.Duration `yaml:"max_gap" env:"SERPENT_MAX_GAP"`

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SERPENT_SWEEP_INTERVAL"`
}

// UnmarshalYAML decodes durations from strings like "30s"; yaml.v3 has no
// native time.Duration support. Absent keys keep their current values.
func (s *SessionConfig) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		BufferThreshold *int    `yaml:"buffer_threshold"`
		MaxGap          *string `yaml:"max_gap"`
		SweepInterval   *string `yaml:"sweep_interval"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.BufferThreshold != nil {
		s.BufferThreshold = *aux.BufferThreshold
	}
	if aux.MaxGap != nil {
		d, err := time.ParseDuration(*aux.MaxGap)
		if err != nil {
			return fmt.Errorf("session.max_gap: %w", err)
		}
		s.MaxGap = d
	}
	if aux.SweepInterval != nil {
		d, err := time.ParseDuration(*aux.SweepInterval)
		if err != nil {
			return fmt.Errorf("session.sweep_interval: %w", err)
		}
		s.SweepInterval = d
	}
	return nil
}

// StorageConfig configures the on-disk chunk store.
type StorageConfig struct {
	// DataDir is the root directory for session stores.
	DataDir string `yaml:"data_dir" env:"SERPENT_DATA_DIR"`

	// ChunkRows is the number of frame rows per chunk file.
	ChunkRows int `yaml:"chunk_rows" env:"SERPENT_CHUNK_ROWS"`

	// Compression is the chunk payload codec: "none" or "snappy".
	Compression string `yaml:"compression" env:"SERPENT_COMPRESSION"`

	// ExportParquet enables the finalize-time parquet export of scalar
	// columns alongside the chunk store.
	ExportParquet bool `yaml:"export_parquet" env:"SERPENT_EXPORT_PARQUET"`
}

// ValidationConfig configures frame acceptance bounds.
type ValidationConfig struct {
	// MaxVelocity is the maximum plausible velocity in game units/second.
	MaxVelocity float64 `yaml:"max_velocity" env:"SERPENT_MAX_VELOCITY"`

	// MinGameRadius and MaxGameRadius bound plausible game radii.
	MinGameRadius float64 `yaml:"min_game_radius" env:"SERPENT_MIN_GAME_RADIUS"`
	MaxGameRadius float64 `yaml:"max_game_radius" env:"SERPENT_MAX_GAME_RADIUS"`
}

// GridConfig defines the expected sensor grid shape.
type GridConfig struct {
	AngularBins int `yaml:"angular_bins" env:"SERPENT_ANGULAR_BINS"`
	RadialBins  int `yaml:"radial_bins" env:"SERPENT_RADIAL_BINS"`
	Channels    int `yaml:"channels" env:"SERPENT_CHANNELS"`
}

// StatsConfig configures derived session statistics.
type StatsConfig struct {
	// Percentiles enables DDSketch velocity percentiles in session stats.
	Percentiles bool `yaml:"percentiles" env:"SERPENT_STATS_PERCENTILES"`

	// PercentileAccuracy is the DDSketch relative accuracy.
	PercentileAccuracy float64 `yaml:"percentile_accuracy" env:"SERPENT_PERCENTILE_ACCURACY"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        defaults.DefaultListenAddress,
			MaxFrameBytes: defaults.DefaultMaxFrameBytes,
		},
		Session: SessionConfig{
			BufferThreshold: defaults.DefaultBufferThreshold,
			MaxGap:          defaults.DefaultSessionGap,
			SweepInterval:   defaults.DefaultSweepInterval,
		},
		Storage: StorageConfig{
			DataDir:       defaults.DefaultDataDir,
			ChunkRows:     defaults.DefaultChunkRows,
			Compression:   defaults.DefaultCompression,
			ExportParquet: true,
		},
		Validation: ValidationConfig{
			MaxVelocity:   defaults.DefaultMaxVelocity,
			MinGameRadius: defaults.DefaultMinGameRadius,
			MaxGameRadius: defaults.DefaultMaxGameRadius,
		},
		Grid: GridConfig{
			AngularBins: defaults.DefaultAngularBins,
			RadialBins:  defaults.DefaultRadialBins,
			Channels:    defaults.DefaultChannels,
		},
		Stats: StatsConfig{
			Percentiles:        true,
			PercentileAccuracy: defaults.DefaultPercentileAccuracy,
		},
	}
}

// Load loads configuration from a YAML file, then applies SERPENT_*
// environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// FromEnv returns the default configuration with environment overrides
// applied. Used when no config file is present.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Server.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.max_frame_bytes must be positive, got %d", c.Server.MaxFrameBytes)
	}
	if c.Session.BufferThreshold <= 0 {
		return fmt.Errorf("session.buffer_threshold must be positive, got %d", c.Session.BufferThreshold)
	}
	if c.Session.MaxGap <= 0 {
		return fmt.Errorf("session.max_gap must be positive, got %v", c.Session.MaxGap)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive, got %v", c.Session.SweepInterval)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if c.Storage.ChunkRows <= 0 {
		return fmt.Errorf("storage.chunk_rows must be positive, got %d", c.Storage.ChunkRows)
	}
	switch c.Storage.Compression {
	case "none", "snappy":
	default:
		return fmt.Errorf("storage.compression must be \"none\" or \"snappy\", got %q", c.Storage.Compression)
	}
	if c.Validation.MaxVelocity <= 0 {
		return fmt.Errorf("validation.max_velocity must be positive, got %v", c.Validation.MaxVelocity)
	}
	if c.Validation.MinGameRadius >= c.Validation.MaxGameRadius {
		return fmt.Errorf("validation.min_game_radius (%v) must be below max_game_radius (%v)",
			c.Validation.MinGameRadius, c.Validation.MaxGameRadius)
	}
	if c.Grid.AngularBins <= 0 || c.Grid.RadialBins <= 0 || c.Grid.Channels <= 0 {
		return fmt.Errorf("grid shape must be positive, got %dx%dx%d",
			c.Grid.AngularBins, c.Grid.RadialBins, c.Grid.Channels)
	}
	if c.Stats.Percentiles && (c.Stats.PercentileAccuracy <= 0 || c.Stats.PercentileAccuracy >= 1) {
		return fmt.Errorf("stats.percentile_accuracy must be in (0, 1), got %v", c.Stats.PercentileAccuracy)
	}
	return nil
}

// EnsureDirectories creates the data directory if it does not exist.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir %s: %w", c.Storage.DataDir, err)
	}
	return nil
}

// SessionDir returns the store directory for a session, laid out as
// data_dir/<username>/session_<id>.
func (c *Config) SessionDir(username, sessionID string) string {
	return filepath.Join(c.Storage.DataDir, sanitizePathComponent(username),
		"session_"+sanitizePathComponent(sessionID))
}

// GridRowElems returns the number of grid values per frame row.
func (c *Config) GridRowElems() int {
	return c.Grid.AngularBins * c.Grid.RadialBins * c.Grid.Channels
}

// sanitizePathComponent strips characters that would escape the data
// directory. Session ids and usernames are client-supplied and untrusted.
func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == '-' || r == '_' || r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	cleaned := string(out)
	if cleaned == "." || cleaned == ".." {
		return "unknown"
	}
	return cleaned
}
