package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slithernet/serpent/internal/chunkstore"
	"github.com/slithernet/serpent/internal/config"
	serrors "github.com/slithernet/serpent/internal/errors"
	"github.com/slithernet/serpent/internal/schema"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.ChunkRows = 4
	cfg.Storage.Compression = "none"
	cfg.Storage.ExportParquet = false
	cfg.Session.BufferThreshold = 5
	cfg.Session.MaxGap = 30 * time.Second
	cfg.Grid.AngularBins = 2
	cfg.Grid.RadialBins = 3
	cfg.Grid.Channels = 4
	return cfg
}

func TestSessionStateProgression(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, "sess-1", "player", "", "collector")

	if s.Snapshot().State != "empty" {
		t.Errorf("new session state = %s, want empty", s.Snapshot().State)
	}

	// Below threshold: still empty, nothing on disk.
	for i := 0; i < 3; i++ {
		if _, err := s.Submit(testFrame("sess-1", 100)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if s.Snapshot().State != "empty" {
		t.Errorf("state before flush = %s, want empty", s.Snapshot().State)
	}
	dir := cfg.SessionDir("player", "sess-1")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("store created before first flush")
	}

	// Threshold reached: flush creates the store and activates the session.
	s.Submit(testFrame("sess-1", 100))
	s.Submit(testFrame("sess-1", 100))
	if s.Snapshot().State != "active" {
		t.Errorf("state after flush = %s, want active", s.Snapshot().State)
	}
	if _, err := os.Stat(filepath.Join(dir, "schema.json")); err != nil {
		t.Errorf("store should exist after flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err != nil {
		t.Errorf("metadata record should exist after flush: %v", err)
	}

	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if s.Snapshot().State != "finalized" {
		t.Errorf("state = %s, want finalized", s.Snapshot().State)
	}
}

func TestSessionThresholdFlushPersists(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, "sess-2", "player", "", "collector")

	for i := 0; i < 5; i++ {
		f := testFrame("sess-2", float64(100+i))
		f.Timestamp = float64(1000 + i)
		if _, err := s.Submit(f); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	store, err := chunkstore.OpenReader(cfg.SessionDir("player", "sess-2"))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if got := store.FramesWritten(); got != 5 {
		t.Fatalf("FramesWritten = %d, want 5", got)
	}

	ts, err := store.ReadRows(schema.ArrayTimestamps, 0, 5)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	for i, got := range ts {
		if want := float64(1000 + i); got != want {
			t.Errorf("timestamps[%d] = %v, want %v", i, got, want)
		}
	}

	vel, err := store.ReadRows(schema.ArrayVelocities, 0, 5)
	if err != nil {
		t.Fatalf("ReadRows velocities: %v", err)
	}
	if vel[4] != 104 {
		t.Errorf("velocities[4] = %v, want 104", vel[4])
	}

	attrs := store.Attrs()
	if attrs["session_id"] != "sess-2" {
		t.Errorf("session_id attr = %v", attrs["session_id"])
	}
	if attrs["username"] != "player" {
		t.Errorf("username attr = %v", attrs["username"])
	}
	if _, ok := attrs["start_time"]; !ok {
		t.Error("start_time attr missing")
	}
	if _, ok := attrs["end_time"]; ok {
		t.Error("end_time must not be set before finalize")
	}
}

func TestSessionManualFlushAndEmptyNoop(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, "sess-3", "player", "", "collector")

	// Flushing a session that never buffered anything leaves no trace.
	if err := s.Flush(); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	dir := cfg.SessionDir("player", "sess-3")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("empty flush created a store")
	}

	s.Submit(testFrame("sess-3", 100))
	s.Submit(testFrame("sess-3", 200))
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	store, err := chunkstore.OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if got := store.FramesWritten(); got != 2 {
		t.Errorf("FramesWritten = %d, want 2", got)
	}
	before := store.Attrs()

	// A second empty flush must not change attributes or length.
	if err := s.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	store2, err := chunkstore.OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if got := store2.FramesWritten(); got != 2 {
		t.Errorf("empty flush advanced length to %d", got)
	}
	if store2.Attrs()["last_update"] != before["last_update"] {
		t.Error("empty flush touched last_update")
	}
}

func TestSessionFlushFailureRetainsBuffer(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, "sess-4", "player", "", "collector")

	// Block the user directory with a regular file so the store cannot be
	// created.
	blocker := filepath.Join(cfg.Storage.DataDir, "player")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	for i := 0; i < 4; i++ {
		s.Submit(testFrame("sess-4", 100))
	}
	if err := s.Flush(); err == nil {
		t.Fatal("Flush should fail while the path is blocked")
	}

	// All accepted frames are still buffered.
	snap := s.Snapshot()
	if snap.BufferSize != 4 {
		t.Fatalf("BufferSize after failed flush = %d, want 4", snap.BufferSize)
	}

	// Clearing the blocker lets a retry persist the same frames.
	if err := os.Remove(blocker); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}

	store, err := chunkstore.OpenReader(cfg.SessionDir("player", "sess-4"))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if got := store.FramesWritten(); got != 4 {
		t.Errorf("FramesWritten after retry = %d, want 4", got)
	}
}

func TestSessionFinalizeFlushesRemainder(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, "sess-5", "player", "", "collector")

	// 7 frames with threshold 5: one automatic flush plus 2 buffered.
	for i := 0; i < 7; i++ {
		s.Submit(testFrame("sess-5", 100))
	}
	s.Submit(testFrame("sess-5", 9999)) // rejected

	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	store, err := chunkstore.OpenReader(cfg.SessionDir("player", "sess-5"))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if got := store.FramesWritten(); got != 7 {
		t.Errorf("FramesWritten = %d, want 7", got)
	}
	if !store.HasEndTime() {
		t.Error("finalized store missing end_time")
	}
	attrs := store.Attrs()
	if attrs["valid_frames"] != float64(7) {
		t.Errorf("valid_frames = %v, want 7", attrs["valid_frames"])
	}
	if attrs["errors"] != float64(1) {
		t.Errorf("errors = %v, want 1", attrs["errors"])
	}

	// Finalize is idempotent.
	if err := s.Finalize(); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
}

func TestSessionSubmitAfterFinalize(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, "sess-6", "player", "", "collector")
	s.Submit(testFrame("sess-6", 100))
	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if _, err := s.Submit(testFrame("sess-6", 100)); !serrors.Is(err, serrors.ErrSessionFinalized) {
		t.Errorf("Submit after finalize = %v, want ErrSessionFinalized", err)
	}
	if err := s.Flush(); !serrors.Is(err, serrors.ErrSessionFinalized) {
		t.Errorf("Flush after finalize = %v, want ErrSessionFinalized", err)
	}
}

func TestSessionNeverActiveLeavesNoStore(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, "sess-7", "player", "", "collector")

	// Only rejected frames: finalize must not create a store.
	s.Submit(testFrame("sess-7", 9999))
	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(cfg.SessionDir("player", "sess-7")); !os.IsNotExist(err) {
		t.Error("finalizing an empty session created a store")
	}
}

func TestSessionGridPersistedAsFloat16(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, "sess-8", "player", "", "collector")

	f := testFrame("sess-8", 100)
	for i := range f.Grid {
		f.Grid[i] = 0.5
	}
	s.Submit(f)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	store, err := chunkstore.OpenReader(cfg.SessionDir("player", "sess-8"))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	grid, err := store.ReadRows(schema.ArrayGrids, 0, 1)
	if err != nil {
		t.Fatalf("ReadRows grids: %v", err)
	}
	if len(grid) != cfg.GridRowElems() {
		t.Fatalf("grid row has %d elems, want %d", len(grid), cfg.GridRowElems())
	}
	for i, v := range grid {
		if v != 0.5 { // 0.5 is exact in half precision
			t.Errorf("grid[%d] = %v, want 0.5", i, v)
		}
	}
}
