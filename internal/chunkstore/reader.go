package chunkstore

import (
	"fmt"
	"os"

	serrors "github.com/slithernet/serpent/internal/errors"
)

// OpenReader opens an existing store for reading without prior knowledge of
// its schema. This is the read contract used by consumers of persisted
// sessions (export, analysis); the codec is read from each chunk file.
func OpenReader(dir string) (*Store, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: store %s", serrors.ErrNotFound, dir)
		}
		return nil, err
	}
	schema, err := loadSchema(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: store %s has no schema", serrors.ErrNotFound, dir)
		}
		return nil, err
	}
	return Open(dir, schema, Options{Compression: CompressionNone})
}

// HasEndTime reports whether the store carries the end_time attribute, the
// marker of a finalized session. Stores without it are treated as still
// active and excluded from any completed-sessions view.
func (s *Store) HasEndTime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attrs["end_time"]
	return ok
}
