// Package server exposes the collector over HTTP: frame ingestion, session
// introspection, and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	defaults "github.com/slithernet/serpent/config"
	"github.com/slithernet/serpent/internal/config"
	serrors "github.com/slithernet/serpent/internal/errors"
	"github.com/slithernet/serpent/internal/frame"
	"github.com/slithernet/serpent/internal/logging"
	"github.com/slithernet/serpent/internal/query"
	"github.com/slithernet/serpent/internal/session"
)

var log = logging.Component("server")

// Server is the HTTP ingestion boundary.
type Server struct {
	cfg     *config.Config
	mgr     *session.Manager
	queries *query.Service

	startedAt time.Time
	http      *http.Server
}

// New creates the server. queries may be nil; its endpoints then report
// service unavailable.
func New(cfg *config.Config, mgr *session.Manager, queries *query.Service) *Server {
	s := &Server{
		cfg:       cfg,
		mgr:       mgr,
		queries:   queries,
		startedAt: time.Now(),
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/stats", s.handleSessionStats)
	mux.HandleFunc("POST /sessions/{id}/flush", s.handleSessionFlush)
	mux.HandleFunc("GET /completed", s.handleCompleted)
	mux.HandleFunc("GET /users/{username}/summary", s.handleUserSummary)
	mux.HandleFunc("GET /latest", s.handleLatest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	return corsMiddleware(mux)
}

// Run serves HTTP and drives the session manager's idle sweep until ctx is
// cancelled, then shuts both down in order: listener first so no new frames
// arrive, manager second so every buffered frame is finalized to disk.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", "address", s.cfg.Server.Listen)
		err := s.http.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := s.mgr.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	})

	err := g.Wait()
	s.mgr.Stop()
	log.Info("shutdown complete")
	return err
}

// Handler exposes the routed handler, used by tests and the websocket
// upgrade path.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// =============================================================================
// Ingestion
// =============================================================================

// ingestResponse mirrors the per-frame acknowledgement clients expect.
type ingestResponse struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id,omitempty"`
	FrameCount  int64  `json:"frame_count,omitempty"`
	ValidFrames int64  `json:"valid_frames,omitempty"`
	Errors      int64  `json:"errors,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxFrameBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read body: %w", err))
		return
	}

	f, err := frame.Decode(body)
	if err != nil {
		writeError(w, serrors.HTTPStatus(err), err)
		return
	}

	accepted, err := s.mgr.SubmitFrameFrom(f, r.RemoteAddr)
	if err != nil && !accepted {
		writeError(w, serrors.HTTPStatus(err), err)
		return
	}

	sess, gerr := s.mgr.GetSession(f.SessionID)
	resp := ingestResponse{Status: "ok", SessionID: f.SessionID}
	if !accepted {
		resp.Status = "rejected"
	}
	if gerr == nil {
		snap := sess.Snapshot()
		resp.FrameCount = snap.FrameCount
		resp.ValidFrames = snap.ValidFrames
		resp.Errors = snap.Errors
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Session introspection
// =============================================================================

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.mgr.ListSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(snaps),
		"sessions": snaps,
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, serrors.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleSessionFlush(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.FlushSession(id); err != nil {
		writeError(w, serrors.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "flushed",
		"session_id": id,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	f, err := s.mgr.LatestFrame()
	if err != nil {
		writeError(w, serrors.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// =============================================================================
// Analytics
// =============================================================================

func (s *Server) handleCompleted(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("query service disabled"))
		return
	}
	sessions, err := s.queries.CompletedSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("query service disabled"))
		return
	}
	sum, err := s.queries.SummarizeUser(r.Context(), r.PathValue("username"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// =============================================================================
// Operational
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.mgr.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"collector_id":   s.mgr.CollectorID(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"stats":          stats,
	})
}

// handleConfig publishes the parameters a game client needs to collect
// frames the collector will accept: the grid shape, sampling constants,
// and validation bounds.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"grid": map[string]any{
			"angular_bins": s.cfg.Grid.AngularBins,
			"radial_bins":  s.cfg.Grid.RadialBins,
			"channels":     s.cfg.Grid.Channels,
		},
		"collection": map[string]any{
			"alpha_warp":        defaults.DefaultAlphaWarp,
			"r_min":             defaults.DefaultRMin,
			"r_max":             defaults.DefaultRMax,
			"sample_rate_hz":    defaults.DefaultSampleRateHz,
			"ema_alpha":         defaults.DefaultEMAAlpha,
			"food_norm_factor":  defaults.DefaultFoodNormFactor,
			"snake_norm_factor": defaults.DefaultSnakeNormFactor,
			"head_weight":       defaults.DefaultHeadWeight,
		},
		"validation": map[string]any{
			"max_velocity":    s.cfg.Validation.MaxVelocity,
			"min_game_radius": s.cfg.Validation.MinGameRadius,
			"max_game_radius": s.cfg.Validation.MaxGameRadius,
		},
		"session": map[string]any{
			"buffer_threshold": s.cfg.Session.BufferThreshold,
			"max_gap_seconds":  s.cfg.Session.MaxGap.Seconds(),
		},
	})
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"status": "error",
		"error":  err.Error(),
	})
}

// corsMiddleware allows browser-based game clients to post frames directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
