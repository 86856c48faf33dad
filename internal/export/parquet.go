// Package export writes a finalized session's scalar telemetry to Parquet
// so analytics tooling can query it without the chunk store format.
package export

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/slithernet/serpent/internal/chunkstore"
	"github.com/slithernet/serpent/internal/schema"
)

// FileName is the export file written inside the session directory.
const FileName = "frames.parquet"

// FrameRow is one frame's scalar telemetry in Parquet layout. Grids are
// deliberately excluded; the chunk store remains the source for tensor data.
type FrameRow struct {
	SessionID        string  `parquet:"session_id,snappy,dict"`
	Username         string  `parquet:"username,snappy,dict"`
	Row              int64   `parquet:"row"`
	Timestamp        float64 `parquet:"timestamp"`
	Heading          float64 `parquet:"heading"`
	Velocity         float64 `parquet:"velocity"`
	DistanceToBorder float64 `parquet:"distance_to_border"`
	Boost            bool    `parquet:"boost"`
	InputMX          float64 `parquet:"input_mx"`
	InputMY          float64 `parquet:"input_my"`
	InputBoost       float64 `parquet:"input_boost"`
}

// Options configures the export writer.
type Options struct {
	// Codec is the Parquet column compression.
	Codec compress.Codec
	// BatchRows is how many rows are read from the store and written per
	// call. Defaults to the store's chunk size when zero.
	BatchRows int
}

// WriteSession reads the scalar arrays of a session back from its chunk
// store and writes them as one Parquet file at path. The write is atomic:
// the file appears only once complete.
func WriteSession(store *chunkstore.Store, path, sessionID, username string) error {
	return WriteSessionOpts(store, path, sessionID, username, Options{})
}

// WriteSessionOpts is WriteSession with explicit options.
func WriteSessionOpts(store *chunkstore.Store, path, sessionID, username string, opts Options) error {
	codec := opts.Codec
	if codec == nil {
		codec = &parquet.Snappy
	}
	batchRows := opts.BatchRows
	if batchRows <= 0 {
		batchRows = store.Schema().ChunkRows
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer os.Remove(tmp)

	writer := parquet.NewGenericWriter[FrameRow](f, parquet.Compression(codec))

	total := store.FramesWritten()
	for start := int64(0); start < total; start += int64(batchRows) {
		count := int64(batchRows)
		if start+count > total {
			count = total - start
		}
		rows, err := readRows(store, sessionID, username, start, count)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := writer.Write(rows); err != nil {
			f.Close()
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readRows(store *chunkstore.Store, sessionID, username string, start, count int64) ([]FrameRow, error) {
	cols := make(map[string][]float64, 6)
	for _, name := range []string{
		schema.ArrayTimestamps,
		schema.ArrayHeadings,
		schema.ArrayVelocities,
		schema.ArrayDistances,
		schema.ArrayBoostStates,
		schema.ArrayPlayerInputs,
	} {
		vals, err := store.ReadRows(name, start, count)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		cols[name] = vals
	}

	inputs := cols[schema.ArrayPlayerInputs]
	rows := make([]FrameRow, count)
	for i := int64(0); i < count; i++ {
		in := inputs[i*schema.PlayerInputDims : (i+1)*schema.PlayerInputDims]
		rows[i] = FrameRow{
			SessionID:        sessionID,
			Username:         username,
			Row:              start + i,
			Timestamp:        cols[schema.ArrayTimestamps][i],
			Heading:          cols[schema.ArrayHeadings][i],
			Velocity:         cols[schema.ArrayVelocities][i],
			DistanceToBorder: cols[schema.ArrayDistances][i],
			Boost:            cols[schema.ArrayBoostStates][i] != 0,
			InputMX:          in[0],
			InputMY:          in[1],
			InputBoost:       in[2],
		}
	}
	return rows, nil
}
