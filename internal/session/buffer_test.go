package session

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/slithernet/serpent/internal/frame"
)

func testFrame(sessionID string, velocity float64) *frame.Frame {
	radius := 21600.0
	return &frame.Frame{
		SessionID: sessionID,
		Username:  "player",
		Grid:      make([]float64, 2*3*4),
		GridMeta:  &frame.GridMeta{AngularBins: 2, RadialBins: 3, Channels: 4},
		Metadata: &frame.Metadata{
			Heading:          0.5,
			Velocity:         velocity,
			DistanceToBorder: 4000,
			GameRadius:       &radius,
		},
		PlayerInput: &frame.PlayerInput{MX: 0.3, MY: 0.4},
		Validation:  json.RawMessage(`{}`),
		Timestamp:   1700000000,
		DeltaTime:   0.1,
	}
}

func testBuffer(threshold int) *Buffer {
	v := frame.Validator{MaxVelocity: 1000, MinGameRadius: 10000, MaxGameRadius: 50000}
	return NewBuffer(v, threshold, NewRunningStats(false, 0.01))
}

func TestBufferCountersBalance(t *testing.T) {
	b := testBuffer(100)

	submits := 0
	for i := 0; i < 7; i++ {
		b.Append(testFrame("s", 100))
		submits++
	}
	for i := 0; i < 3; i++ {
		bad := testFrame("s", 5000) // over the velocity limit
		b.Append(bad)
		submits++
	}

	if got := b.ValidFrames() + b.Errors(); got != int64(submits) {
		t.Errorf("valid+errors = %d, want %d", got, submits)
	}
	if b.ValidFrames() != 7 {
		t.Errorf("ValidFrames = %d, want 7", b.ValidFrames())
	}
	if b.FrameCount() != 7 {
		t.Errorf("FrameCount = %d, want 7", b.FrameCount())
	}
	if b.Len() != 7 {
		t.Errorf("Len = %d, want 7; rejected frames must not be buffered", b.Len())
	}
}

func TestBufferFlushThreshold(t *testing.T) {
	b := testBuffer(3)
	if b.Append(testFrame("s", 1)) {
		t.Error("flush signalled at 1 frame")
	}
	if b.Append(testFrame("s", 2)) {
		t.Error("flush signalled at 2 frames")
	}
	if !b.Append(testFrame("s", 3)) {
		t.Error("no flush signal at threshold")
	}
}

func TestBufferRejectionDoesNotTouchTime(t *testing.T) {
	b := testBuffer(10)
	base := time.Unix(1000, 0)
	b.now = func() time.Time { return base }
	b.Append(testFrame("s", 100))

	b.now = func() time.Time { return base.Add(time.Hour) }
	b.Append(testFrame("s", 5000)) // rejected

	if got := b.LastFrameTime(); !got.Equal(base) {
		t.Errorf("rejected frame moved LastFrameTime to %v", got)
	}
}

func TestBufferIdle(t *testing.T) {
	b := testBuffer(10)
	base := time.Unix(1000, 0)
	b.now = func() time.Time { return base }
	b.Append(testFrame("s", 100))

	b.now = func() time.Time { return base.Add(29 * time.Second) }
	if b.IsIdle(30 * time.Second) {
		t.Error("idle before the gap elapsed")
	}
	b.now = func() time.Time { return base.Add(31 * time.Second) }
	if !b.IsIdle(30 * time.Second) {
		t.Error("not idle after the gap elapsed")
	}
}

func TestBufferIdleNeverAccepted(t *testing.T) {
	b := testBuffer(10)
	b.now = func() time.Time { return b.createdAt.Add(time.Minute) }
	if !b.IsIdle(30 * time.Second) {
		t.Error("a session that never accepted a frame should age from creation")
	}
}

func TestBufferDrainRestore(t *testing.T) {
	b := testBuffer(10)
	for i := 0; i < 4; i++ {
		b.Append(testFrame("s", float64(i)))
	}

	frames := b.Drain()
	if len(frames) != 4 || b.Len() != 0 {
		t.Fatalf("Drain: got %d frames, %d left", len(frames), b.Len())
	}
	// Counters describe history, not buffer occupancy.
	if b.ValidFrames() != 4 {
		t.Errorf("ValidFrames after drain = %d, want 4", b.ValidFrames())
	}

	b.restore(frames)
	if b.Len() != 4 {
		t.Fatalf("restore: Len = %d, want 4", b.Len())
	}
	for i, f := range b.frames {
		if f.Metadata.Velocity != float64(i) {
			t.Errorf("restore broke order at %d: velocity %v", i, f.Metadata.Velocity)
		}
	}
}

func TestBufferNewest(t *testing.T) {
	b := testBuffer(10)
	if b.Newest() != nil {
		t.Error("empty buffer should have no newest frame")
	}
	b.Append(testFrame("s", 1))
	b.Append(testFrame("s", 2))
	if got := b.Newest(); got == nil || got.Metadata.Velocity != 2 {
		t.Errorf("Newest = %+v, want velocity 2", got)
	}
}

func TestStatsIncrementalMean(t *testing.T) {
	rs := NewRunningStats(false, 0.01)
	velocities := []float64{100, 200, 300, 400}
	for i, v := range velocities {
		rs.Observe(testFrame("s", v), int64(i+1))
	}
	if got := rs.Snapshot().AvgVelocity; math.Abs(got-250) > 1e-9 {
		t.Errorf("AvgVelocity = %v, want 250", got)
	}
}

func TestStatsBoostTime(t *testing.T) {
	rs := NewRunningStats(false, 0.01)

	f := testFrame("s", 100)
	f.Metadata.Boost = true
	f.DeltaTime = 0.25
	rs.Observe(f, 1)

	f = testFrame("s", 100)
	f.Metadata.Boost = true
	f.DeltaTime = 0 // falls back to the client sample period
	rs.Observe(f, 2)

	f = testFrame("s", 100) // no boost, no time
	rs.Observe(f, 3)

	if got := rs.Snapshot().BoostTime; math.Abs(got-0.35) > 1e-9 {
		t.Errorf("BoostTime = %v, want 0.35", got)
	}
}

func TestStatsFirstRadiusWins(t *testing.T) {
	rs := NewRunningStats(false, 0.01)

	f := testFrame("s", 100)
	first := 20000.0
	f.Metadata.GameRadius = &first
	rs.Observe(f, 1)

	f = testFrame("s", 100)
	second := 30000.0
	f.Metadata.GameRadius = &second
	rs.Observe(f, 2)

	got := rs.Snapshot().GameRadius
	if got == nil || *got != 20000 {
		t.Errorf("GameRadius = %v, want first-seen 20000", got)
	}
}

func TestStatsDebugCounts(t *testing.T) {
	rs := NewRunningStats(false, 0.01)

	f := testFrame("s", 100)
	f.Debug = &frame.Debug{FoodCount: 12, EnemySegments: 3}
	rs.Observe(f, 1)

	f = testFrame("s", 100) // no debug block
	rs.Observe(f, 2)

	s := rs.Snapshot()
	if s.TotalFoodSeen != 12 || s.TotalEnemiesSeen != 3 {
		t.Errorf("debug totals = %d food, %d enemies", s.TotalFoodSeen, s.TotalEnemiesSeen)
	}
}

func TestStatsPercentiles(t *testing.T) {
	rs := NewRunningStats(true, 0.01)
	for i := 1; i <= 100; i++ {
		rs.Observe(testFrame("s", float64(i)), int64(i))
	}

	s := rs.Snapshot()
	if s.VelocityP50 == nil || s.VelocityP90 == nil || s.VelocityP99 == nil {
		t.Fatal("percentiles missing")
	}
	// DDSketch guarantees relative accuracy, so allow a small band.
	if *s.VelocityP50 < 45 || *s.VelocityP50 > 55 {
		t.Errorf("p50 = %v", *s.VelocityP50)
	}
	if *s.VelocityP90 < 85 || *s.VelocityP90 > 95 {
		t.Errorf("p90 = %v", *s.VelocityP90)
	}
}

func TestStatsPercentilesDisabled(t *testing.T) {
	rs := NewRunningStats(false, 0.01)
	rs.Observe(testFrame("s", 100), 1)
	s := rs.Snapshot()
	if s.VelocityP50 != nil {
		t.Error("percentiles should be absent when disabled")
	}
}
