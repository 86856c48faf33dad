package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/slithernet/serpent/internal/config"
	serrors "github.com/slithernet/serpent/internal/errors"
	"github.com/slithernet/serpent/internal/frame"
	"github.com/slithernet/serpent/internal/logging"
)

// Manager owns the session registry. The registry lock is held only for
// map lookups and mutations; frame processing runs under the individual
// session's lock so sessions never block each other.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg         *config.Config
	collectorID string

	framesReceived  atomic.Int64
	framesRejected  atomic.Int64
	sessionsCreated atomic.Int64
	sessionsExpired atomic.Int64
	flushFailures   atomic.Int64

	log *slog.Logger
	now func() time.Time

	stopOnce sync.Once
	done     chan struct{}
	swept    sync.WaitGroup
}

// NewManager creates a session manager. Call Run to start the idle sweep.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		cfg:         cfg,
		collectorID: uuid.NewString(),
		log:         logging.Component("manager"),
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// CollectorID identifies this collector instance in metadata records.
func (m *Manager) CollectorID() string { return m.collectorID }

// Run drives the idle sweep until ctx is cancelled or Stop is called,
// then finalizes every remaining session.
func (m *Manager) Run(ctx context.Context) error {
	m.swept.Add(1)
	defer m.swept.Done()

	ticker := time.NewTicker(m.cfg.Session.SweepInterval)
	defer ticker.Stop()

	m.log.Info("idle sweep started",
		"interval", m.cfg.Session.SweepInterval,
		"max_gap", m.cfg.Session.MaxGap)

	for {
		select {
		case <-ctx.Done():
			m.finalizeAll()
			return ctx.Err()
		case <-m.done:
			m.finalizeAll()
			return nil
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// Stop ends the sweep loop and finalizes all sessions. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.swept.Wait()
}

// SubmitFrame routes a raw frame to its session, creating the session on
// first sight. accepted reports whether the frame passed validation.
func (m *Manager) SubmitFrame(f *frame.Frame) (accepted bool, err error) {
	if f == nil || f.SessionID == "" {
		m.framesRejected.Add(1)
		return false, serrors.ErrMissingSessionID
	}
	m.framesReceived.Add(1)

	for {
		s := m.getOrCreate(f.SessionID, f.Username, "")
		accepted, err = s.Submit(f)
		if serrors.Is(err, serrors.ErrSessionFinalized) {
			// Lost a race with the sweep: drop the finalized instance and
			// route the frame to a fresh session with the same id.
			m.removeIfSame(f.SessionID, s)
			continue
		}
		if !accepted {
			m.framesRejected.Add(1)
		}
		if err != nil {
			m.flushFailures.Add(1)
		}
		return accepted, err
	}
}

// SubmitFrameFrom is SubmitFrame with a client origin recorded on session
// creation, for transport handlers that know the peer address.
func (m *Manager) SubmitFrameFrom(f *frame.Frame, clientOrigin string) (bool, error) {
	if f != nil && f.SessionID != "" {
		m.getOrCreate(f.SessionID, f.Username, clientOrigin)
	}
	return m.SubmitFrame(f)
}

func (m *Manager) getOrCreate(id, username, clientOrigin string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := newSession(m.cfg, id, username, clientOrigin, m.collectorID)
	m.sessions[id] = s
	m.sessionsCreated.Add(1)
	return s
}

// removeIfSame unregisters a session only if the registry still maps id to
// that exact instance, so a replacement created meanwhile is preserved.
func (m *Manager) removeIfSame(id string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] == s {
		delete(m.sessions, id)
	}
}

// GetSession returns the live session with the given id.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, serrors.ErrSessionNotFound
	}
	return s, nil
}

// FlushSession forces a flush of the given session's buffer.
func (m *Manager) FlushSession(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		m.flushFailures.Add(1)
		return err
	}
	return nil
}

// ListSessions returns a snapshot of every live session.
func (m *Manager) ListSessions() []Snapshot {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(all))
	for _, s := range all {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// LatestFrame returns the most recently buffered frame across all live
// sessions, or ErrNoRecentData when every buffer is empty.
func (m *Manager) LatestFrame() (*frame.Frame, error) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var newest *frame.Frame
	for _, s := range all {
		f := s.NewestBuffered()
		if f == nil {
			continue
		}
		if newest == nil || f.Timestamp > newest.Timestamp {
			newest = f
		}
	}
	if newest == nil {
		return nil, serrors.ErrNoRecentData
	}
	return newest, nil
}

// sweepOnce finalizes and unregisters every session idle past the gap.
func (m *Manager) sweepOnce() {
	m.mu.Lock()
	candidates := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		candidates[id] = s
	}
	m.mu.Unlock()

	for id, s := range candidates {
		expired, err := s.FinalizeIfIdle(m.cfg.Session.MaxGap)
		if err != nil {
			m.flushFailures.Add(1)
			m.log.Error("idle finalize failed", "session_id", id, "error", err)
			continue
		}
		if expired {
			m.removeIfSame(id, s)
			m.sessionsExpired.Add(1)
			m.log.Info("session expired", "session_id", id)
		}
	}
}

// finalizeAll finalizes every live session, used at shutdown.
func (m *Manager) finalizeAll() {
	m.mu.Lock()
	all := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		all[id] = s
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range all {
		if err := s.Finalize(); err != nil {
			m.log.Error("finalize failed", "session_id", id, "error", err)
		}
	}
	m.log.Info("all sessions finalized", "count", len(all))
}

// ManagerStats is the counter snapshot exposed by the health endpoint.
type ManagerStats struct {
	ActiveSessions  int   `json:"active_sessions"`
	FramesReceived  int64 `json:"frames_received"`
	FramesRejected  int64 `json:"frames_rejected"`
	SessionsCreated int64 `json:"sessions_created"`
	SessionsExpired int64 `json:"sessions_expired"`
	FlushFailures   int64 `json:"flush_failures"`
}

// Stats returns current counter values.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	active := len(m.sessions)
	m.mu.Unlock()
	return ManagerStats{
		ActiveSessions:  active,
		FramesReceived:  m.framesReceived.Load(),
		FramesRejected:  m.framesRejected.Load(),
		SessionsCreated: m.sessionsCreated.Load(),
		SessionsExpired: m.sessionsExpired.Load(),
		FlushFailures:   m.flushFailures.Load(),
	}
}
