package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/slithernet/serpent/internal/chunkstore"
	"github.com/slithernet/serpent/internal/config"
	serrors "github.com/slithernet/serpent/internal/errors"
	"github.com/slithernet/serpent/internal/export"
	"github.com/slithernet/serpent/internal/frame"
	"github.com/slithernet/serpent/internal/logging"
	"github.com/slithernet/serpent/internal/schema"
)

// State is a session's lifecycle state.
type State int32

const (
	// StateEmpty means the session is registered but its store has not been
	// created yet; sessions that never produce valid data leave nothing on
	// disk.
	StateEmpty State = iota
	// StateActive means the store exists and the session is accepting frames.
	StateActive
	// StateFinalized is terminal. A finalized session never accepts another
	// frame; a late frame with the same id starts a fresh session.
	StateFinalized
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session is one client play stream: a buffer, counters, running stats, and
// a lazily created chunk store. All mutation happens under mu; sessions for
// different ids never share locks.
type Session struct {
	mu sync.Mutex

	id           string
	username     string
	clientOrigin string
	collectorID  string

	cfg   *config.Config
	buf   *Buffer
	store *chunkstore.Store
	state State

	log *slog.Logger
	now func() time.Time
}

func newSession(cfg *config.Config, id, username, clientOrigin, collectorID string) *Session {
	v := frame.Validator{
		MaxVelocity:   cfg.Validation.MaxVelocity,
		MinGameRadius: cfg.Validation.MinGameRadius,
		MaxGameRadius: cfg.Validation.MaxGameRadius,
	}
	stats := NewRunningStats(cfg.Stats.Percentiles, cfg.Stats.PercentileAccuracy)

	s := &Session{
		id:           id,
		username:     username,
		clientOrigin: clientOrigin,
		collectorID:  collectorID,
		cfg:          cfg,
		buf:          NewBuffer(v, cfg.Session.BufferThreshold, stats),
		state:        StateEmpty,
		log:          logging.Component("session").With("session_id", id),
		now:          time.Now,
	}
	s.log.Info("session created", "username", username, "client_origin", clientOrigin)
	return s
}

// Submit runs one frame through validation and buffering, flushing inline
// when the buffer threshold is reached. accepted reports whether the frame
// passed validation. A flush failure does not fail the submission: the
// frame is safely buffered and the error is returned for logging; the next
// flush retries the same data.
//
// Submitting to a finalized session returns ErrSessionFinalized; the
// manager resolves that race by routing the frame to a fresh session.
func (s *Session) Submit(f *frame.Frame) (accepted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFinalized {
		return false, serrors.ErrSessionFinalized
	}

	before := s.buf.ValidFrames()
	flushNeeded := s.buf.Append(f)
	accepted = s.buf.ValidFrames() > before

	if flushNeeded {
		if ferr := s.flushLocked(); ferr != nil {
			return accepted, ferr
		}
	}
	return accepted, nil
}

// Flush persists any buffered frames. Flushing an empty buffer is a no-op:
// no attribute changes, no array growth.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinalized {
		return serrors.ErrSessionFinalized
	}
	return s.flushLocked()
}

func (s *Session) flushLocked() error {
	if s.buf.Len() == 0 {
		return nil
	}

	if s.store == nil {
		if err := s.openStoreLocked(); err != nil {
			return err
		}
	}

	frames := s.buf.Drain()
	batch := s.buildBatch(frames)

	written, err := s.store.Append(batch)
	if err != nil {
		// At-least-once: keep the frames for a later retry.
		s.buf.restore(frames)
		s.log.Error("flush failed", "frames", len(frames), "error", err)
		return err
	}

	s.state = StateActive
	if err := s.store.SetAttrs(map[string]any{
		"last_update": timeSeconds(s.now()),
		"stats":       s.buf.Stats().Snapshot(),
	}); err != nil {
		s.log.Warn("stats attribute write failed", "error", err)
	}

	s.log.Info("flushed frames", "count", len(frames), "frames_written", written)
	return nil
}

// FinalizeIfIdle finalizes the session if it has been idle longer than
// maxGap. Returns whether finalization happened.
func (s *Session) FinalizeIfIdle(maxGap time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinalized || !s.buf.IsIdle(maxGap) {
		return false, nil
	}
	return true, s.finalizeLocked()
}

// Finalize flushes any remaining buffered frames, writes the terminal
// attributes, and marks the session finalized. Used at shutdown and by the
// idle sweep.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinalized {
		return nil
	}
	return s.finalizeLocked()
}

func (s *Session) finalizeLocked() error {
	// Finalization must not lose buffered data, even below the threshold.
	if err := s.flushLocked(); err != nil {
		return err
	}

	if s.store != nil {
		err := s.store.Finalize(
			timeSeconds(s.now()),
			s.buf.Stats().Snapshot(),
			s.buf.FrameCount(),
			s.buf.ValidFrames(),
			s.buf.Errors(),
		)
		if err != nil {
			return err
		}

		if s.cfg.Storage.ExportParquet {
			path := filepath.Join(s.store.Dir(), export.FileName)
			if err := export.WriteSession(s.store, path, s.id, s.username); err != nil {
				// The chunk store is complete; the export is derived data.
				s.log.Warn("parquet export failed", "error", err)
			}
		}
	}

	s.state = StateFinalized
	s.log.Info("session finalized",
		"valid_frames", s.buf.ValidFrames(), "errors", s.buf.Errors())
	return nil
}

// openStoreLocked creates the chunk store and its write-once companion
// metadata record. Called on the first successful flush, never at session
// creation.
func (s *Session) openStoreLocked() error {
	dir := s.cfg.SessionDir(s.username, s.id)
	codec, err := chunkstore.ParseCompression(s.cfg.Storage.Compression)
	if err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrInvalidConfig, err)
	}

	sch := schema.Frame(s.cfg.Grid.AngularBins, s.cfg.Grid.RadialBins,
		s.cfg.Grid.Channels, s.cfg.Storage.ChunkRows)
	store, err := chunkstore.Open(dir, sch, chunkstore.Options{Compression: codec})
	if err != nil {
		return err
	}

	if _, ok := store.Attrs()["session_id"]; !ok {
		err := store.SetAttrs(map[string]any{
			"session_id": s.id,
			"username":   s.username,
			"start_time": timeSeconds(s.buf.CreatedAt()),
			"config":     s.collectionConfig(),
		})
		if err != nil {
			return err
		}
	}

	if err := s.writeMetadataOnce(dir); err != nil {
		s.log.Warn("metadata record write failed", "error", err)
	}

	s.store = store
	s.log.Info("store created", "dir", dir)
	return nil
}

// writeMetadataOnce writes the human-readable companion metadata record.
// It is write-once: an existing record is left untouched.
func (s *Session) writeMetadataOnce(dir string) error {
	path := filepath.Join(dir, "metadata.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	meta := map[string]any{
		"session_id":     s.id,
		"username":       s.username,
		"client_origin":  s.clientOrigin,
		"collector_id":   s.collectorID,
		"start_time":     timeSeconds(s.buf.CreatedAt()),
		"start_time_iso": s.buf.CreatedAt().UTC().Format(time.RFC3339),
		"config":         s.collectionConfig(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (s *Session) collectionConfig() map[string]any {
	return map[string]any{
		"angular_bins":     s.cfg.Grid.AngularBins,
		"radial_bins":      s.cfg.Grid.RadialBins,
		"channels":         s.cfg.Grid.Channels,
		"chunk_rows":       s.cfg.Storage.ChunkRows,
		"buffer_threshold": s.cfg.Session.BufferThreshold,
		"max_velocity":     s.cfg.Validation.MaxVelocity,
		"min_game_radius":  s.cfg.Validation.MinGameRadius,
		"max_game_radius":  s.cfg.Validation.MaxGameRadius,
	}
}

// buildBatch converts buffered frames into lock-step columns.
func (s *Session) buildBatch(frames []*frame.Frame) chunkstore.Batch {
	n := len(frames)
	gridElems := s.cfg.GridRowElems()

	grids := make([]float64, 0, n*gridElems)
	timestamps := make([]float64, n)
	headings := make([]float64, n)
	velocities := make([]float64, n)
	distances := make([]float64, n)
	boosts := make([]float64, n)
	inputs := make([]float64, 0, n*schema.PlayerInputDims)

	for i, f := range frames {
		// Accepted frames matched their own declared shape; pad or drop
		// against the store shape so columns always stay aligned.
		g := f.Grid
		if len(g) > gridElems {
			g = g[:gridElems]
		}
		grids = append(grids, g...)
		for pad := len(g); pad < gridElems; pad++ {
			grids = append(grids, 0)
		}

		timestamps[i] = f.Timestamp
		headings[i] = f.Metadata.Heading
		velocities[i] = f.Metadata.Velocity
		distances[i] = f.Metadata.DistanceToBorder
		if f.Metadata.Boost {
			boosts[i] = 1
		}
		inputs = append(inputs, f.PlayerInput.MX, f.PlayerInput.MY, f.PlayerInput.Boost)
	}

	return chunkstore.Batch{
		Rows: n,
		Columns: map[string][]float64{
			schema.ArrayGrids:        grids,
			schema.ArrayTimestamps:   timestamps,
			schema.ArrayHeadings:     headings,
			schema.ArrayVelocities:   velocities,
			schema.ArrayDistances:    distances,
			schema.ArrayBoostStates:  boosts,
			schema.ArrayPlayerInputs: inputs,
		},
	}
}

// Snapshot is the introspection view of a session.
type Snapshot struct {
	SessionID     string  `json:"session_id"`
	Username      string  `json:"username"`
	State         string  `json:"state"`
	FrameCount    int64   `json:"frame_count"`
	ValidFrames   int64   `json:"valid_frames"`
	Errors        int64   `json:"errors"`
	Stats         Stats   `json:"stats"`
	BufferSize    int     `json:"buffer_size"`
	StartTime     float64 `json:"start_time"`
	LastFrameTime float64 `json:"last_frame_time"`
	IsExpired     bool    `json:"is_expired"`
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:     s.id,
		Username:      s.username,
		State:         s.state.String(),
		FrameCount:    s.buf.FrameCount(),
		ValidFrames:   s.buf.ValidFrames(),
		Errors:        s.buf.Errors(),
		Stats:         s.buf.Stats().Snapshot(),
		BufferSize:    s.buf.Len(),
		StartTime:     timeSeconds(s.buf.CreatedAt()),
		LastFrameTime: timeSeconds(s.buf.LastFrameTime()),
		IsExpired:     s.buf.IsIdle(s.cfg.Session.MaxGap),
	}
}

// NewestBuffered returns the most recently buffered frame, or nil.
func (s *Session) NewestBuffered() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Newest()
}

// timeSeconds converts a time to float seconds since the epoch, the unit
// clients use for frame timestamps.
func timeSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
