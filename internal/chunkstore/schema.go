package chunkstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	serrors "github.com/slithernet/serpent/internal/errors"
)

// ArraySpec describes one named array in a store schema.
type ArraySpec struct {
	// Name is the array's directory name under the store root.
	Name string `json:"name"`

	// RowShape is the per-row shape; empty means scalar rows. The leading
	// (row) dimension is variable and not part of the shape.
	RowShape []int `json:"row_shape,omitempty"`

	// DType is the element type.
	DType DType `json:"-"`

	// DTypeName is the serialized form of DType.
	DTypeName string `json:"dtype"`

	// FillValue is what unwritten rows within allocated capacity read as.
	FillValue float64 `json:"fill_value"`
}

// RowElems returns the number of elements in one row.
func (a *ArraySpec) RowElems() int {
	n := 1
	for _, d := range a.RowShape {
		n *= d
	}
	return n
}

// RowBytes returns the encoded size of one row.
func (a *ArraySpec) RowBytes() int {
	return a.RowElems() * a.DType.Size()
}

// Schema is the fixed set of arrays a store holds. All arrays share one
// logical length and one chunk row count.
type Schema struct {
	// ChunkRows is the number of rows per chunk file.
	ChunkRows int `json:"chunk_rows"`

	// Arrays lists the array specs.
	Arrays []ArraySpec `json:"arrays"`
}

// Array returns the spec with the given name, or nil.
func (s *Schema) Array(name string) *ArraySpec {
	for i := range s.Arrays {
		if s.Arrays[i].Name == name {
			return &s.Arrays[i]
		}
	}
	return nil
}

// validate checks the schema for internal consistency.
func (s *Schema) validate() error {
	if s.ChunkRows <= 0 {
		return fmt.Errorf("chunk_rows must be positive, got %d", s.ChunkRows)
	}
	if len(s.Arrays) == 0 {
		return fmt.Errorf("schema has no arrays")
	}
	seen := make(map[string]struct{}, len(s.Arrays))
	for i := range s.Arrays {
		a := &s.Arrays[i]
		if a.Name == "" {
			return fmt.Errorf("array %d has empty name", i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("duplicate array name %q", a.Name)
		}
		seen[a.Name] = struct{}{}
		for _, d := range a.RowShape {
			if d <= 0 {
				return fmt.Errorf("array %q has non-positive shape dim %d", a.Name, d)
			}
		}
		if a.DType.Size() == 0 {
			return fmt.Errorf("array %q has invalid dtype", a.Name)
		}
	}
	return nil
}

// equal reports whether two schemas describe the same layout.
func (s *Schema) equal(o *Schema) bool {
	if s.ChunkRows != o.ChunkRows || len(s.Arrays) != len(o.Arrays) {
		return false
	}
	for i := range s.Arrays {
		a, b := &s.Arrays[i], &o.Arrays[i]
		if a.Name != b.Name || a.DType != b.DType || a.FillValue != b.FillValue {
			return false
		}
		if len(a.RowShape) != len(b.RowShape) {
			return false
		}
		for j := range a.RowShape {
			if a.RowShape[j] != b.RowShape[j] {
				return false
			}
		}
	}
	return true
}

const schemaFile = "schema.json"

// saveSchema persists the schema at the store root, atomically.
func saveSchema(dir string, s *Schema) error {
	for i := range s.Arrays {
		s.Arrays[i].DTypeName = s.Arrays[i].DType.String()
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, schemaFile), data)
}

// loadSchema reads a persisted schema from the store root.
func loadSchema(dir string) (*Schema, error) {
	data, err := os.ReadFile(filepath.Join(dir, schemaFile))
	if err != nil {
		return nil, err
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for i := range s.Arrays {
		dt, err := ParseDType(s.Arrays[i].DTypeName)
		if err != nil {
			return nil, fmt.Errorf("%w: array %q: %v", serrors.ErrSchemaMismatch, s.Arrays[i].Name, err)
		}
		s.Arrays[i].DType = dt
	}
	return &s, nil
}

// writeFileAtomic writes data to path via a temp file and rename, so readers
// never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
