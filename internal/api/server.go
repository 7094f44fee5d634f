// Package api provides the HTTP surface of the hub: health checks, session
// metadata endpoints, session file endpoints, and the chat WebSocket route.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/converso-chat/converso/internal/broker"
	"github.com/converso-chat/converso/internal/config"
	"github.com/converso-chat/converso/internal/store"
	"github.com/converso-chat/converso/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store           store.Store
	router          *broker.Router
	gateway         *broker.Gateway
	logger          *slog.Logger
	mux             *chi.Mux
	maxBodyBytes    int64
	fileStoragePath string
	maxFileBytes    int64
}

// NewServer creates a new API server.
func NewServer(s store.Store, rt *broker.Router, gw *broker.Gateway, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:           s,
		router:          rt,
		gateway:         gw,
		logger:          logger.With("component", "api"),
		maxBodyBytes:    cfg.Server.MaxBodyBytes,
		fileStoragePath: cfg.Server.FileStoragePath,
		maxFileBytes:    cfg.Server.MaxFileBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/ws/chat", gw.HandleChatWS)

	mux.Get("/api/sessions", srv.handleListSessions)
	mux.Post("/api/sessions", srv.handleCreateSession)
	mux.Post("/api/sessions/{sessionID}/close", srv.handleCloseSession)

	mux.Get("/api/sessions/{sessionID}/files", srv.handleListFiles)
	mux.Get("/api/sessions/{sessionID}/files/{fileName}", srv.handleDownloadFile)
	mux.Post("/api/sessions/{sessionID}/files", srv.handleUploadFile)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.logger.Warn("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Participant string `json:"participant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Participant == "" {
		writeError(w, http.StatusBadRequest, "participant is required")
		return
	}

	now := time.Now()
	sess := &store.Session{
		ID:           uuid.New().String(),
		Participant:  req.Participant,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.logger.Warn("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.logger.Info("session created", "session", sess.ID, "participant", sess.Participant)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.store.CloseSession(r.Context(), sessionID); err != nil {
		s.logger.Warn("close session failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to close session")
		return
	}

	// Tell whoever is still connected; an empty session is fine.
	if _, err := s.router.Publish(sessionID, protocol.NewSystemMessage("La sesión ha sido cerrada"), ""); err != nil {
		s.logger.Debug("close notice not delivered", "session", sessionID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
