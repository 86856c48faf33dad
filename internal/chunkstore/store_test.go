package chunkstore

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	serrors "github.com/slithernet/serpent/internal/errors"
)

func testSchema(chunkRows int) *Schema {
	return &Schema{
		ChunkRows: chunkRows,
		Arrays: []ArraySpec{
			{Name: "values", RowShape: []int{2}, DType: Float32, FillValue: 0},
			{Name: "timestamps", RowShape: nil, DType: Float64, FillValue: -1},
			{Name: "flags", RowShape: nil, DType: Bool, FillValue: 0},
		},
	}
}

func testBatch(rows int, base float64) Batch {
	b := Batch{Rows: rows, Columns: map[string][]float64{}}
	vals := make([]float64, rows*2)
	ts := make([]float64, rows)
	flags := make([]float64, rows)
	for i := 0; i < rows; i++ {
		vals[i*2] = base + float64(i)
		vals[i*2+1] = base + float64(i) + 0.5
		ts[i] = base*1000 + float64(i)
		if i%2 == 0 {
			flags[i] = 1
		}
	}
	b.Columns["values"] = vals
	b.Columns["timestamps"] = ts
	b.Columns["flags"] = flags
	return b
}

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testSchema(8), Options{Compression: CompressionSnappy})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if s.FramesWritten() != 0 {
		t.Errorf("new store FramesWritten = %d, want 0", s.FramesWritten())
	}
	if s.Capacity() != 0 {
		t.Errorf("new store Capacity = %d, want 0", s.Capacity())
	}

	if _, err := os.Stat(filepath.Join(dir, "schema.json")); err != nil {
		t.Errorf("schema.json should exist: %v", err)
	}
	for _, name := range []string{"values", "timestamps", "flags"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("array dir %s should exist: %v", name, err)
		}
	}
}

func TestOpenIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testSchema(8), Options{})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s.Append(testBatch(5, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Reopening with the same schema must preserve data.
	s2, err := Open(dir, testSchema(8), Options{})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if got := s2.FramesWritten(); got != 5 {
		t.Errorf("FramesWritten after reopen = %d, want 5", got)
	}
}

func TestOpenSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir, testSchema(8), Options{}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	other := testSchema(16)
	if _, err := Open(dir, other, Options{}); !serrors.Is(err, serrors.ErrSchemaMismatch) {
		t.Errorf("Open with different chunk rows = %v, want ErrSchemaMismatch", err)
	}

	other = testSchema(8)
	other.Arrays[0].DType = Float64
	if _, err := Open(dir, other, Options{}); !serrors.Is(err, serrors.ErrSchemaMismatch) {
		t.Errorf("Open with different dtype = %v, want ErrSchemaMismatch", err)
	}
}

func TestAppendReadRoundtrip(t *testing.T) {
	s, err := Open(t.TempDir(), testSchema(4), Options{Compression: CompressionSnappy})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	batch := testBatch(6, 100)
	n, err := s.Append(batch)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 6 {
		t.Fatalf("Append returned %d, want 6", n)
	}

	ts, err := s.ReadRows("timestamps", 0, 6)
	if err != nil {
		t.Fatalf("ReadRows timestamps: %v", err)
	}
	for i, got := range ts {
		want := batch.Columns["timestamps"][i]
		if got != want {
			t.Errorf("timestamps[%d] = %v, want %v", i, got, want)
		}
	}

	// float32 roundtrip tolerates the precision loss.
	vals, err := s.ReadRows("values", 2, 3)
	if err != nil {
		t.Fatalf("ReadRows values: %v", err)
	}
	for i, got := range vals {
		want := batch.Columns["values"][2*2+i]
		if math.Abs(got-want) > 1e-4 {
			t.Errorf("values[%d] = %v, want %v", i, got, want)
		}
	}

	flags, err := s.ReadRows("flags", 0, 6)
	if err != nil {
		t.Fatalf("ReadRows flags: %v", err)
	}
	for i, got := range flags {
		want := batch.Columns["flags"][i]
		if got != want {
			t.Errorf("flags[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestAppendGrowsWholeChunks(t *testing.T) {
	s, err := Open(t.TempDir(), testSchema(8), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Append(testBatch(3, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := s.Capacity(); got != 8 {
		t.Errorf("Capacity after 3 rows = %d, want 8", got)
	}

	if _, err := s.Append(testBatch(6, 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := s.Capacity(); got != 16 {
		t.Errorf("Capacity after 9 rows = %d, want 16", got)
	}
	if got := s.FramesWritten(); got != 9 {
		t.Errorf("FramesWritten = %d, want 9", got)
	}
}

func TestUnwrittenRowsReadAsFill(t *testing.T) {
	s, err := Open(t.TempDir(), testSchema(8), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Append(testBatch(3, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Past the logical length, bounded reads fail.
	if _, err := s.ReadRows("timestamps", 0, 4); !serrors.Is(err, serrors.ErrRowRange) {
		t.Errorf("ReadRows past length = %v, want ErrRowRange", err)
	}

	// Allocated-but-unwritten rows carry the fill value.
	ts, err := s.ReadAllocated("timestamps", 3, 5)
	if err != nil {
		t.Fatalf("ReadAllocated: %v", err)
	}
	for i, got := range ts {
		if got != -1 {
			t.Errorf("allocated timestamps[%d] = %v, want fill -1", i, got)
		}
	}
}

func TestAppendMissingColumn(t *testing.T) {
	s, err := Open(t.TempDir(), testSchema(8), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	batch := testBatch(2, 0)
	delete(batch.Columns, "flags")
	if _, err := s.Append(batch); !serrors.Is(err, serrors.ErrSchemaMismatch) {
		t.Errorf("Append with missing column = %v, want ErrSchemaMismatch", err)
	}
	if got := s.FramesWritten(); got != 0 {
		t.Errorf("failed append advanced length to %d", got)
	}
}

func TestAppendWrongColumnLength(t *testing.T) {
	s, err := Open(t.TempDir(), testSchema(8), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	batch := testBatch(2, 0)
	batch.Columns["timestamps"] = batch.Columns["timestamps"][:1]
	if _, err := s.Append(batch); !serrors.Is(err, serrors.ErrSchemaMismatch) {
		t.Errorf("Append with short column = %v, want ErrSchemaMismatch", err)
	}
}

func TestAttrsLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testSchema(8), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.SetAttr("session_id", "abc"); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	if err := s.SetAttr("session_id", "def"); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	if got := s.GetAttr("session_id", ""); got != "def" {
		t.Errorf("GetAttr = %v, want def", got)
	}
	if got := s.GetAttr("absent", "fallback"); got != "fallback" {
		t.Errorf("GetAttr absent = %v, want fallback", got)
	}

	// Attributes survive reopen.
	s2, err := Open(dir, testSchema(8), Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.GetAttr("session_id", ""); got != "def" {
		t.Errorf("GetAttr after reopen = %v, want def", got)
	}
}

func TestFinalizeAttrs(t *testing.T) {
	s, err := Open(t.TempDir(), testSchema(8), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.HasEndTime() {
		t.Error("fresh store should not have end_time")
	}

	if err := s.Finalize(1234.5, map[string]any{"avg": 1.0}, 10, 9, 1); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !s.HasEndTime() {
		t.Error("finalized store should have end_time")
	}
	attrs := s.Attrs()
	if attrs["end_time"] != 1234.5 {
		t.Errorf("end_time = %v, want 1234.5", attrs["end_time"])
	}
	if attrs["valid_frames"] != int64(9) {
		t.Errorf("valid_frames = %v, want 9", attrs["valid_frames"])
	}
}

func TestOpenReader(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testSchema(4), Options{Compression: CompressionSnappy})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Append(testBatch(5, 7)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A reader needs no prior schema knowledge.
	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if got := r.FramesWritten(); got != 5 {
		t.Errorf("FramesWritten = %d, want 5", got)
	}
	ts, err := r.ReadRows("timestamps", 0, 5)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if ts[0] != 7000 {
		t.Errorf("timestamps[0] = %v, want 7000", ts[0])
	}
}

func TestOpenReaderMissing(t *testing.T) {
	if _, err := OpenReader(filepath.Join(t.TempDir(), "nope")); !serrors.Is(err, serrors.ErrNotFound) {
		t.Errorf("OpenReader on missing dir = %v, want ErrNotFound", err)
	}
}

func TestBothCodecs(t *testing.T) {
	for _, codec := range []Compression{CompressionNone, CompressionSnappy} {
		t.Run(codec.String(), func(t *testing.T) {
			s, err := Open(t.TempDir(), testSchema(4), Options{Compression: codec})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			batch := testBatch(10, 3)
			if _, err := s.Append(batch); err != nil {
				t.Fatalf("Append: %v", err)
			}
			ts, err := s.ReadRows("timestamps", 0, 10)
			if err != nil {
				t.Fatalf("ReadRows: %v", err)
			}
			for i := range ts {
				if ts[i] != batch.Columns["timestamps"][i] {
					t.Fatalf("timestamps[%d] = %v, want %v", i, ts[i], batch.Columns["timestamps"][i])
				}
			}
		})
	}
}

func TestCorruptChunkDetected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testSchema(4), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Append(testBatch(4, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := chunkPath(filepath.Join(dir, "timestamps"), 0)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	if _, err := s.ReadRows("timestamps", 0, 4); !serrors.Is(err, serrors.ErrCorruptChunk) {
		t.Errorf("ReadRows on corrupt chunk = %v, want ErrCorruptChunk", err)
	}
}
