// Package api serves the read-only query API over the snapshot
// store's analytical queries. All data routes require a bearer token;
// health and metrics do not.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/metrics"
	"github.com/pcrdb/pcrdb/pkg/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Server is the query API.
type Server struct {
	store     *store.Store
	jwtSecret []byte
	log       zerolog.Logger
}

// New creates a server. An empty secret disables authentication, which
// is only sane for local use.
func New(st *store.Store, jwtSecret string) *Server {
	logger := log.WithComponent("api")
	if jwtSecret == "" {
		logger.Warn().Msg("no JWT secret configured, api is unauthenticated")
	}
	return &Server{store: st, jwtSecret: []byte(jwtSecret), log: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("GET /api/clans/{id}/history", s.auth(s.handleClanHistory))
	mux.Handle("GET /api/clans/{id}/members", s.auth(s.handleClanMembers))
	mux.Handle("GET /api/clans/power_ranking", s.auth(s.handleClanPowerRanking))
	mux.Handle("GET /api/players/{id}/clan_history", s.auth(s.handlePlayerClanHistory))
	mux.Handle("GET /api/grand_arena/winning_ranking", s.auth(s.handleGrandWinningRanking))
	mux.Handle("GET /api/stats/talent_quest", s.auth(s.handleTalentQuestStats))
	mux.Handle("GET /api/tasks/logs", s.auth(s.handleTaskLogs))

	return s.instrument(mux)
}

// ListenAndServe blocks serving the API until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("query api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleClanHistory(w http.ResponseWriter, r *http.Request) {
	clanID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	history, err := s.store.ClanHistory(r.Context(), clanID, limitParam(r))
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, history)
}

func (s *Server) handleClanMembers(w http.ResponseWriter, r *http.Request) {
	clanID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	members, err := s.store.ClanMembers(r.Context(), clanID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, members)
}

func (s *Server) handleClanPowerRanking(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.store.ClanPowerRanking(r.Context(), limitParam(r))
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, ranking)
}

func (s *Server) handlePlayerClanHistory(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	history, err := s.store.PlayerClanHistory(r.Context(), viewerID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, history)
}

func (s *Server) handleGrandWinningRanking(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.store.GrandWinningRanking(r.Context(), limitParam(r))
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, ranking)
}

func (s *Server) handleTalentQuestStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.TalentQuestStats(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.RecentTaskLogs(r.Context(), r.URL.Query().Get("task"), limitParam(r))
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, logs)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("query failed")
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
