package session

import (
	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/slithernet/serpent/internal/frame"
)

// RunningStats is the per-session statistics value object. It is owned
// exclusively by one session and updated through Observe; nothing here is
// recomputed over the buffer.
type RunningStats struct {
	avgVelocity  float64
	boostTime    float64
	totalFood    int64
	totalEnemies int64
	gameRadius   *float64

	// sketch is nil when percentiles are disabled.
	sketch *ddsketch.DDSketch
}

// NewRunningStats creates a stats object. When percentiles is true, velocity
// percentiles are tracked with a DDSketch at the given relative accuracy.
func NewRunningStats(percentiles bool, accuracy float64) *RunningStats {
	rs := &RunningStats{}
	if percentiles {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			rs.sketch = sketch
		}
	}
	return rs
}

// Observe folds one accepted frame into the stats. n is the number of valid
// frames including this one; the mean is updated incrementally as
// mean += (v - mean) / n.
func (rs *RunningStats) Observe(f *frame.Frame, n int64) {
	v := f.Metadata.Velocity
	rs.avgVelocity += (v - rs.avgVelocity) / float64(n)

	if f.Metadata.Boost {
		dt := f.DeltaTime
		if dt <= 0 {
			dt = 0.1 // client default sample period
		}
		rs.boostTime += dt
	}

	if f.Debug != nil {
		rs.totalFood += int64(f.Debug.FoodCount)
		rs.totalEnemies += int64(f.Debug.EnemySegments)
	}

	// The game radius is constant for a session; first observation wins.
	if rs.gameRadius == nil && f.Metadata.GameRadius != nil {
		r := *f.Metadata.GameRadius
		rs.gameRadius = &r
	}

	if rs.sketch != nil {
		_ = rs.sketch.Add(v)
	}
}

// Stats is the JSON-serializable snapshot attached to store attributes and
// introspection responses.
type Stats struct {
	TotalFoodSeen    int64    `json:"total_food_seen"`
	TotalEnemiesSeen int64    `json:"total_enemies_seen"`
	AvgVelocity      float64  `json:"avg_velocity"`
	BoostTime        float64  `json:"boost_time"`
	GameRadius       *float64 `json:"game_radius"`

	VelocityP50 *float64 `json:"velocity_p50,omitempty"`
	VelocityP90 *float64 `json:"velocity_p90,omitempty"`
	VelocityP99 *float64 `json:"velocity_p99,omitempty"`
}

// Snapshot returns the current stats values.
func (rs *RunningStats) Snapshot() Stats {
	s := Stats{
		TotalFoodSeen:    rs.totalFood,
		TotalEnemiesSeen: rs.totalEnemies,
		AvgVelocity:      rs.avgVelocity,
		BoostTime:        rs.boostTime,
	}
	if rs.gameRadius != nil {
		r := *rs.gameRadius
		s.GameRadius = &r
	}
	if rs.sketch != nil && rs.sketch.GetCount() > 0 {
		if qs, err := rs.sketch.GetValuesAtQuantiles([]float64{0.5, 0.9, 0.99}); err == nil {
			s.VelocityP50, s.VelocityP90, s.VelocityP99 = &qs[0], &qs[1], &qs[2]
		}
	}
	return s
}
