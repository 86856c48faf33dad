// Package chunkstore implements an on-disk, append-only, multi-array
// container. A store holds a fixed schema of named, strictly-typed arrays
// whose leading dimension grows in fixed-size chunks; all arrays are kept in
// lock-step under a single logical length (frames_written). A JSON attribute
// map hangs off the store root with last-write-wins semantics.
//
// Layout on disk:
//
//	<dir>/
//	  schema.json            array specs + chunk row count
//	  attrs.json             attribute map (atomic rewrite)
//	  <array>/000000000.chk  chunk files, one per chunkRows rows
//
// Logical length never exceeds allocated capacity; capacity grows by whole
// chunks pre-filled with each array's fill value and never shrinks.
package chunkstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	serrors "github.com/slithernet/serpent/internal/errors"
)

// AttrFramesWritten is the store-level logical length attribute.
const AttrFramesWritten = "frames_written"

// Options configures a store.
type Options struct {
	// Compression is the chunk payload codec.
	Compression Compression
}

// Store is an open chunked-array store. It is safe for concurrent use,
// though in practice each session store has a single writer.
type Store struct {
	mu sync.Mutex

	dir    string
	schema *Schema
	codec  Compression

	attrs    map[string]any
	written  int64 // logical length, mirrors AttrFramesWritten
	capacity int64 // allocated rows, chunks * chunkRows
}

// Batch is one lock-step append across every array of a schema. Columns
// maps array name to a flat value slice of length Rows * RowElems.
type Batch struct {
	Rows    int
	Columns map[string][]float64
}

// Open opens or creates the store at dir with the given schema. Opening an
// existing store with the same schema is a no-op with respect to data;
// opening with a different schema is an error.
func Open(dir string, schema *Schema, opts Options) (*Store, error) {
	if err := schema.validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create store dir: %v", serrors.ErrStorageWrite, err)
	}

	existing, err := loadSchema(dir)
	switch {
	case err == nil:
		if !schema.equal(existing) {
			return nil, fmt.Errorf("%w: store at %s was created with a different schema",
				serrors.ErrSchemaMismatch, dir)
		}
	case os.IsNotExist(err):
		if err := saveSchema(dir, schema); err != nil {
			return nil, fmt.Errorf("%w: save schema: %v", serrors.ErrStorageWrite, err)
		}
	default:
		return nil, fmt.Errorf("load schema: %w", err)
	}

	for i := range schema.Arrays {
		if err := os.MkdirAll(filepath.Join(dir, schema.Arrays[i].Name), 0755); err != nil {
			return nil, fmt.Errorf("%w: create array dir: %v", serrors.ErrStorageWrite, err)
		}
	}

	s := &Store{
		dir:    dir,
		schema: schema,
		codec:  opts.Compression,
		attrs:  make(map[string]any),
	}

	if err := s.loadAttrs(); err != nil {
		return nil, err
	}
	if v, ok := s.attrs[AttrFramesWritten]; ok {
		if n, ok := v.(float64); ok {
			s.written = int64(n)
		}
	}
	if err := s.scanCapacity(); err != nil {
		return nil, err
	}
	if s.written > s.capacity {
		return nil, fmt.Errorf("%w: logical length %d exceeds capacity %d",
			serrors.ErrCorruptChunk, s.written, s.capacity)
	}

	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Schema returns the store's schema.
func (s *Store) Schema() *Schema { return s.schema }

// FramesWritten returns the logical length shared by all arrays.
func (s *Store) FramesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Capacity returns the allocated row capacity.
func (s *Store) Capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Append writes a batch of rows at the current logical length, growing
// capacity by whole chunks first if needed, and returns the new logical
// length. Either the whole batch is reflected in frames_written or none of
// it is; a failed append leaves the logical length unchanged so the caller
// can retry with the same data.
func (s *Store) Append(batch Batch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.Rows <= 0 {
		return s.written, nil
	}
	for i := range s.schema.Arrays {
		spec := &s.schema.Arrays[i]
		col, ok := batch.Columns[spec.Name]
		if !ok {
			return s.written, fmt.Errorf("%w: batch missing column %q", serrors.ErrSchemaMismatch, spec.Name)
		}
		if want := batch.Rows * spec.RowElems(); len(col) != want {
			return s.written, fmt.Errorf("%w: column %q has %d values, want %d",
				serrors.ErrSchemaMismatch, spec.Name, len(col), want)
		}
	}

	start := s.written
	end := start + int64(batch.Rows)

	if err := s.growLocked(end); err != nil {
		return s.written, err
	}

	for i := range s.schema.Arrays {
		spec := &s.schema.Arrays[i]
		if err := s.writeRowsLocked(spec, batch.Columns[spec.Name], start, batch.Rows); err != nil {
			return s.written, err
		}
	}

	s.written = end
	s.attrs[AttrFramesWritten] = float64(end)
	if err := s.saveAttrsLocked(); err != nil {
		// Chunk data is on disk but the logical length is not; the rows
		// stay invisible and the caller's retry rewrites them.
		s.written = start
		s.attrs[AttrFramesWritten] = float64(start)
		return start, err
	}
	return end, nil
}

// growLocked extends capacity to at least minRows, in whole chunks filled
// with each array's fill value.
func (s *Store) growLocked(minRows int64) error {
	if minRows <= s.capacity {
		return nil
	}
	chunkRows := int64(s.schema.ChunkRows)
	needChunks := (minRows + chunkRows - 1) / chunkRows
	haveChunks := s.capacity / chunkRows

	for i := range s.schema.Arrays {
		spec := &s.schema.Arrays[i]
		arrayDir := filepath.Join(s.dir, spec.Name)
		for c := haveChunks; c < needChunks; c++ {
			path := chunkPath(arrayDir, c)
			if _, err := os.Stat(path); err == nil {
				continue // left over from a failed append; keep it
			}
			if err := writeChunk(path, fillBuffer(spec, s.schema.ChunkRows), s.codec); err != nil {
				return err
			}
		}
	}

	s.capacity = needChunks * chunkRows
	return nil
}

// writeRowsLocked writes nRows rows of one array at [start, start+nRows),
// rewriting each affected chunk whole.
func (s *Store) writeRowsLocked(spec *ArraySpec, col []float64, start int64, nRows int) error {
	chunkRows := int64(s.schema.ChunkRows)
	rowBytes := spec.RowBytes()
	rowElems := spec.RowElems()
	elemSize := spec.DType.Size()
	arrayDir := filepath.Join(s.dir, spec.Name)
	rawSize := s.schema.ChunkRows * rowBytes

	row := int64(0)
	for row < int64(nRows) {
		abs := start + row
		chunk := abs / chunkRows
		offInChunk := abs % chunkRows
		// Rows of this batch that land in this chunk.
		span := chunkRows - offInChunk
		if remain := int64(nRows) - row; span > remain {
			span = remain
		}

		path := chunkPath(arrayDir, chunk)
		raw, err := readChunk(path, rawSize)
		if os.IsNotExist(err) {
			raw = fillBuffer(spec, s.schema.ChunkRows)
		} else if err != nil {
			return err
		}

		for r := int64(0); r < span; r++ {
			base := int((offInChunk + r)) * rowBytes
			valBase := int(row+r) * rowElems
			for e := 0; e < rowElems; e++ {
				spec.DType.put(raw, base+e*elemSize, col[valBase+e])
			}
		}

		if err := writeChunk(path, raw, s.codec); err != nil {
			return err
		}
		row += span
	}
	return nil
}

// ReadRows reads count rows of the named array starting at row start,
// returning a flat value slice of count * RowElems elements. Rows within
// allocated capacity but past the logical length are not readable.
func (s *Store) ReadRows(name string, start, count int64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRowsLocked(name, start, count, s.written)
}

// ReadAllocated is ReadRows without the logical-length bound; rows up to
// capacity read back as the fill value until overwritten. Intended for
// tests and diagnostics.
func (s *Store) ReadAllocated(name string, start, count int64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRowsLocked(name, start, count, s.capacity)
}

func (s *Store) readRowsLocked(name string, start, count, limit int64) ([]float64, error) {
	spec := s.schema.Array(name)
	if spec == nil {
		return nil, fmt.Errorf("%w: %q", serrors.ErrArrayNotFound, name)
	}
	if start < 0 || count < 0 || start+count > limit {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", serrors.ErrRowRange, start, start+count, limit)
	}

	chunkRows := int64(s.schema.ChunkRows)
	rowBytes := spec.RowBytes()
	rowElems := spec.RowElems()
	elemSize := spec.DType.Size()
	arrayDir := filepath.Join(s.dir, spec.Name)
	rawSize := s.schema.ChunkRows * rowBytes

	out := make([]float64, count*int64(rowElems))
	row := int64(0)
	for row < count {
		abs := start + row
		chunk := abs / chunkRows
		offInChunk := abs % chunkRows
		span := chunkRows - offInChunk
		if remain := count - row; span > remain {
			span = remain
		}

		raw, err := readChunk(chunkPath(arrayDir, chunk), rawSize)
		if os.IsNotExist(err) {
			raw = fillBuffer(spec, s.schema.ChunkRows)
		} else if err != nil {
			return nil, err
		}

		for r := int64(0); r < span; r++ {
			base := int(offInChunk+r) * rowBytes
			outBase := int(row+r) * rowElems
			for e := 0; e < rowElems; e++ {
				out[outBase+e] = spec.DType.get(raw, base+e*elemSize)
			}
		}
		row += span
	}
	return out, nil
}

// =============================================================================
// Attributes
// =============================================================================

const attrsFile = "attrs.json"

// SetAttr sets one attribute and persists the map. Values replace wholesale;
// there is no merging of nested values.
func (s *Store) SetAttr(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
	return s.saveAttrsLocked()
}

// SetAttrs sets several attributes in one persisted write.
func (s *Store) SetAttrs(kv map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.attrs[k] = v
	}
	return s.saveAttrsLocked()
}

// GetAttr returns the attribute for key, or def if absent.
func (s *Store) GetAttr(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.attrs[key]; ok {
		return v
	}
	return def
}

// Attrs returns a copy of the attribute map.
func (s *Store) Attrs() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}

// Finalize writes the terminal attributes. The store does not itself forbid
// appends afterwards; the session layer guarantees no writer survives
// finalization.
func (s *Store) Finalize(endTime float64, finalStats any, frameCount, validFrames, errCount int64) error {
	return s.SetAttrs(map[string]any{
		"end_time":     endTime,
		"final_stats":  finalStats,
		"frame_count":  frameCount,
		"valid_frames": validFrames,
		"errors":       errCount,
	})
}

func (s *Store) saveAttrsLocked() error {
	data, err := json.MarshalIndent(s.attrs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, attrsFile), data); err != nil {
		return fmt.Errorf("%w: write attrs: %v", serrors.ErrStorageWrite, err)
	}
	return nil
}

func (s *Store) loadAttrs() error {
	data, err := os.ReadFile(filepath.Join(s.dir, attrsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read attrs: %w", err)
	}
	if err := json.Unmarshal(data, &s.attrs); err != nil {
		return fmt.Errorf("parse attrs: %w", err)
	}
	return nil
}

// scanCapacity derives allocated capacity from chunk files on disk. All
// arrays grow together, so the minimum across arrays is authoritative.
func (s *Store) scanCapacity() error {
	minChunks := int64(-1)
	for i := range s.schema.Arrays {
		n, err := countChunks(filepath.Join(s.dir, s.schema.Arrays[i].Name))
		if err != nil {
			return err
		}
		if minChunks < 0 || n < minChunks {
			minChunks = n
		}
	}
	if minChunks < 0 {
		minChunks = 0
	}
	s.capacity = minChunks * int64(s.schema.ChunkRows)
	return nil
}

// countChunks counts contiguous chunk files from index 0.
func countChunks(arrayDir string) (int64, error) {
	entries, err := os.ReadDir(arrayDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var idxs []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".chk") {
			continue
		}
		var idx int64
		if _, err := fmt.Sscanf(name, "%09d.chk", &idx); err != nil {
			continue
		}
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	var n int64
	for _, idx := range idxs {
		if idx != n {
			break
		}
		n++
	}
	return n, nil
}
