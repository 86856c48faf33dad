// Package config provides configuration defaults and utilities
// for the serpent collector.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml, environment variables,
// or CLI flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default collector listen address.
	// The collector binds loopback by default; game clients run in a
	// browser on the same machine.
	// Override via config: server.listen
	DefaultListenAddress = "127.0.0.1:5055"

	// DefaultMaxFrameBytes limits the size of a single ingest payload.
	// A full frame (64x24x4 grid as JSON) is well under 1 MiB.
	// Override via config: server.max_frame_bytes
	DefaultMaxFrameBytes = 4 * 1024 * 1024
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultBufferThreshold is the number of buffered frames that triggers
	// a flush to the chunk store.
	// Override via config: session.buffer_threshold
	DefaultBufferThreshold = 200

	// DefaultSessionGap is the maximum time without frames before a session
	// is considered idle and finalized by the sweep.
	// Override via config: session.max_gap
	DefaultSessionGap = 30 * time.Second

	// DefaultSweepInterval is how often the idle sweep runs. The sweep is
	// time-driven, not traffic-driven: idle detection must fire even when
	// no frames arrive at all.
	// Override via config: session.sweep_interval
	DefaultSweepInterval = time.Minute
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for session stores.
	// Override via config: storage.data_dir
	DefaultDataDir = "./data"

	// DefaultChunkRows is the number of frame rows per chunk file.
	// Capacity grows in whole-chunk increments.
	// Override via config: storage.chunk_rows
	DefaultChunkRows = 512

	// DefaultCompression is the chunk payload codec: "none" or "snappy".
	// Override via config: storage.compression
	DefaultCompression = "snappy"
)

// =============================================================================
// Validation Defaults
// =============================================================================

const (
	// DefaultMaxVelocity is the maximum plausible velocity in game
	// units/second. Frames above this are rejected.
	// Override via config: validation.max_velocity
	DefaultMaxVelocity = 1000.0

	// DefaultMinGameRadius and DefaultMaxGameRadius bound plausible game
	// radii. A frame carrying a radius outside this band is rejected.
	// Override via config: validation.min_game_radius / max_game_radius
	DefaultMinGameRadius = 10000.0
	DefaultMaxGameRadius = 50000.0
)

// =============================================================================
// Grid Defaults
// =============================================================================

const (
	// DefaultAngularBins, DefaultRadialBins and DefaultChannels define the
	// expected sensor grid shape. A frame whose flat grid payload does not
	// match its own declared shape is rejected; the store schema uses these
	// values for the grid array row shape.
	DefaultAngularBins = 64
	DefaultRadialBins  = 24
	DefaultChannels    = 4
)

// =============================================================================
// Collection Parameters (served to clients via GET /config)
// =============================================================================

const (
	// DefaultAlphaWarp is the angular warping factor concentrating bins
	// toward the direction of travel.
	DefaultAlphaWarp = 6.0

	// DefaultRMin and DefaultRMax bound the radial sampling range in game
	// units.
	DefaultRMin = 60.0
	DefaultRMax = 3200.0

	// DefaultSampleRateHz is the client-side collection frequency.
	DefaultSampleRateHz = 10

	// DefaultEMAAlpha is the client-side exponential moving average factor.
	DefaultEMAAlpha = 0.05

	// DefaultFoodNormFactor and DefaultSnakeNormFactor normalize grid
	// densities on the client.
	DefaultFoodNormFactor  = 10.0
	DefaultSnakeNormFactor = 5.0

	// DefaultHeadWeight is the weight multiplier for enemy head cells.
	DefaultHeadWeight = 3.0
)

// =============================================================================
// Stats Defaults
// =============================================================================

const (
	// DefaultPercentileAccuracy is the DDSketch relative accuracy used for
	// velocity percentiles when they are enabled (0.01 = 1% error).
	// Override via config: stats.percentile_accuracy
	DefaultPercentileAccuracy = 0.01
)
