// Package query answers analytics questions over finalized session data.
// Completed-session discovery walks the on-disk attribute records directly;
// aggregate queries run through DuckDB over the Parquet exports.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/slithernet/serpent/internal/config"
	"github.com/slithernet/serpent/internal/export"
)

// Service provides read-only queries over finalized sessions.
type Service struct {
	mu  sync.RWMutex
	cfg *config.Config
	db  *sql.DB

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// CompletedSession summarizes one finalized session store.
type CompletedSession struct {
	SessionID   string  `json:"session_id"`
	Username    string  `json:"username"`
	Path        string  `json:"path"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	FrameCount  int64   `json:"frame_count"`
	ValidFrames int64   `json:"valid_frames"`
	Errors      int64   `json:"errors"`
}

// UserSummary aggregates a user's finalized sessions from their Parquet
// exports.
type UserSummary struct {
	Username    string  `json:"username"`
	Sessions    int64   `json:"sessions"`
	Frames      int64   `json:"frames"`
	AvgVelocity float64 `json:"avg_velocity"`
	MaxVelocity float64 `json:"max_velocity"`
	BoostFrames int64   `json:"boost_frames"`
}

// New creates a query service with an in-memory DuckDB database.
func New(cfg *config.Config) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Service{cfg: cfg, db: db}, nil
}

// Close releases the database handle.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CompletedSessions lists finalized session stores under the data
// directory. Only stores whose attributes carry an end_time count; a
// crashed collector leaves stores without one and those are in-progress
// or abandoned, never completed.
func (s *Service) CompletedSessions() ([]CompletedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.QueriesExecuted++

	users, err := os.ReadDir(s.cfg.Storage.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.stats.Errors++
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	var out []CompletedSession
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		userDir := filepath.Join(s.cfg.Storage.DataDir, u.Name())
		entries, err := os.ReadDir(userDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(userDir, e.Name())
			cs, ok := readCompleted(dir)
			if ok {
				out = append(out, cs)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EndTime > out[j].EndTime })
	s.stats.RowsReturned += int64(len(out))
	return out, nil
}

// readCompleted loads a store's attribute record and reports whether it
// describes a completed session.
func readCompleted(dir string) (CompletedSession, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "attrs.json"))
	if err != nil {
		return CompletedSession{}, false
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(data, &attrs); err != nil {
		return CompletedSession{}, false
	}
	if _, ok := attrs["end_time"]; !ok {
		return CompletedSession{}, false
	}

	cs := CompletedSession{Path: dir}
	stringAttr(attrs, "session_id", &cs.SessionID)
	stringAttr(attrs, "username", &cs.Username)
	floatAttr(attrs, "start_time", &cs.StartTime)
	floatAttr(attrs, "end_time", &cs.EndTime)
	intAttr(attrs, "frame_count", &cs.FrameCount)
	intAttr(attrs, "valid_frames", &cs.ValidFrames)
	intAttr(attrs, "errors", &cs.Errors)
	return cs, true
}

func stringAttr(attrs map[string]json.RawMessage, key string, dst *string) {
	if raw, ok := attrs[key]; ok {
		json.Unmarshal(raw, dst)
	}
}

func floatAttr(attrs map[string]json.RawMessage, key string, dst *float64) {
	if raw, ok := attrs[key]; ok {
		json.Unmarshal(raw, dst)
	}
}

func intAttr(attrs map[string]json.RawMessage, key string, dst *int64) {
	if raw, ok := attrs[key]; ok {
		var f float64
		if json.Unmarshal(raw, &f) == nil {
			*dst = int64(f)
		}
	}
}

// SummarizeUser aggregates all Parquet exports under a user's directory
// with DuckDB. Returns a zero-session summary when no exports exist.
func (s *Service) SummarizeUser(ctx context.Context, username string) (UserSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.QueriesExecuted++

	pattern := filepath.Join(s.cfg.Storage.DataDir, username, "*", export.FileName)
	if matches, _ := filepath.Glob(pattern); len(matches) == 0 {
		return UserSummary{Username: username}, nil
	}

	query := `
		SELECT
			count(DISTINCT session_id),
			count(*),
			coalesce(avg(velocity), 0),
			coalesce(max(velocity), 0),
			count(*) FILTER (WHERE boost)
		FROM read_parquet($1)
	`

	sum := UserSummary{Username: username}
	err := s.db.QueryRowContext(ctx, query, pattern).Scan(
		&sum.Sessions, &sum.Frames, &sum.AvgVelocity, &sum.MaxVelocity, &sum.BoostFrames)
	if err != nil {
		s.stats.Errors++
		return UserSummary{}, fmt.Errorf("summarize %s: %w", username, err)
	}

	s.stats.RowsReturned++
	return sum, nil
}

// Stats returns counter values.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
