// Package frame defines the telemetry frame record and its validation.
//
// A frame is one timestamped observation pushed by a game client: a flattened
// sensor grid, scalar metadata, the player's input vector, and a debug block.
// Frames are decoded from client JSON into a fixed shape here; once accepted
// by a session they are never mutated.
package frame

import (
	"encoding/json"
	"fmt"

	serrors "github.com/slithernet/serpent/internal/errors"
)

// Frame is a single observation record.
type Frame struct {
	// SessionID identifies the session this frame belongs to. Supplied by
	// the client; a missing SessionID is a contract error rejected at the
	// transport layer, not a validation rejection.
	SessionID string `json:"sessionId"`

	// Username is the best-effort, untrusted player name.
	Username string `json:"username"`

	// Grid is the flattened sensor grid, length angularBins*radialBins*channels.
	Grid []float64 `json:"grid"`

	// GridMeta declares the grid shape the client used.
	GridMeta *GridMeta `json:"gridMeta"`

	// Metadata is the scalar metadata block.
	Metadata *Metadata `json:"metadata"`

	// PlayerInput is the player's input vector.
	PlayerInput *PlayerInput `json:"playerInput"`

	// Validation is the client's validation marker block. Its presence is
	// required; its contents are opaque to the collector.
	Validation json.RawMessage `json:"validation"`

	// Debug carries client-side entity counts. Optional.
	Debug *Debug `json:"debug"`

	// Timestamp is the client clock in seconds since the epoch.
	Timestamp float64 `json:"timestamp"`

	// DeltaTime is the seconds elapsed since the previous frame.
	DeltaTime float64 `json:"deltaTime"`
}

// GridMeta declares the grid shape of a frame.
type GridMeta struct {
	AngularBins int `json:"angularBins"`
	RadialBins  int `json:"radialBins"`
	Channels    int `json:"channels"`
}

// Elems returns the expected flat grid length for this shape.
func (m *GridMeta) Elems() int {
	return m.AngularBins * m.RadialBins * m.Channels
}

// Metadata is the scalar metadata block of a frame.
type Metadata struct {
	Heading          float64 `json:"heading"`
	Velocity         float64 `json:"velocity"`
	Boost            bool    `json:"boost"`
	DistanceToBorder float64 `json:"distanceToBorder"`

	// GameRadius is reported only when the client knows it. Modeled as an
	// explicit optional rather than a key that may be absent.
	GameRadius *float64 `json:"gameRadius"`
}

// PlayerInput is the player's input vector: lateral, forward, boost.
type PlayerInput struct {
	MX    float64 `json:"mx"`
	MY    float64 `json:"my"`
	Boost float64 `json:"boost"`
}

// Debug carries client-side counts of visible entities.
type Debug struct {
	FoodCount     int `json:"foodCount"`
	EnemySegments int `json:"enemySegments"`
}

// Decode parses a client JSON payload into a Frame. A payload that is not
// valid JSON at all is a malformed-payload rejection; structural problems
// inside a well-formed payload are left to the Validator.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", serrors.ErrMalformedPayload, err)
	}
	return &f, nil
}
