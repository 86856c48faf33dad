// Package schema defines the on-disk array layout shared by the ingestion
// and analysis sides: one store per session, seven lock-step arrays.
package schema

import "github.com/slithernet/serpent/internal/chunkstore"

// Array names within a session store.
const (
	ArrayGrids        = "grids"
	ArrayTimestamps   = "timestamps"
	ArrayHeadings     = "headings"
	ArrayVelocities   = "velocities"
	ArrayDistances    = "distances_to_border"
	ArrayBoostStates  = "boost_states"
	ArrayPlayerInputs = "player_inputs"
)

// PlayerInputDims is the per-row width of the player input array:
// lateral, forward, boost.
const PlayerInputDims = 3

// Frame returns the chunk-store schema for a session store with the given
// grid shape and chunk row count.
func Frame(angularBins, radialBins, channels, chunkRows int) *chunkstore.Schema {
	return &chunkstore.Schema{
		ChunkRows: chunkRows,
		Arrays: []chunkstore.ArraySpec{
			{Name: ArrayGrids, RowShape: []int{angularBins, radialBins, channels}, DType: chunkstore.Float16, FillValue: 0},
			{Name: ArrayTimestamps, DType: chunkstore.Float64, FillValue: 0},
			{Name: ArrayHeadings, DType: chunkstore.Float32, FillValue: 0},
			{Name: ArrayVelocities, DType: chunkstore.Float32, FillValue: 0},
			{Name: ArrayDistances, DType: chunkstore.Float32, FillValue: 0},
			{Name: ArrayBoostStates, DType: chunkstore.Bool, FillValue: 0},
			{Name: ArrayPlayerInputs, RowShape: []int{PlayerInputDims}, DType: chunkstore.Float32, FillValue: 0},
		},
	}
}
