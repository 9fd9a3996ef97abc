// Package server exposes the chat service over HTTP: a small REST surface
// for session management and a websocket endpoint for realtime turns.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/kbchat/internal/chat"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/store"
)

// SessionStore is the persistence surface the REST handlers need.
// *store.Store satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, userID, title string) (*models.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)
	SearchSessions(ctx context.Context, userID, query string) ([]*models.Session, error)
	Messages(ctx context.Context, sessionID uuid.UUID) ([]*models.Message, error)
	UpdateTitle(ctx context.Context, sessionID uuid.UUID, title string) error
	ArchiveSession(ctx context.Context, sessionID uuid.UUID) error
}

// TurnRunner drives one chat turn. *chat.Orchestrator satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, turn chat.Turn, emit chat.Emitter) error
}

// ChunkCounter reports corpus size for /stats. *knowledge.ChunkStore
// satisfies it.
type ChunkCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Server is the HTTP front of the service.
type Server struct {
	store     SessionStore
	turns     TurnRunner
	chunks    ChunkCounter
	collector *metrics.Collector
	logger    *slog.Logger

	http *http.Server
}

// New wires a server listening on addr.
func New(addr string, sessions SessionStore, turns TurnRunner, chunks ChunkCounter, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     sessions,
		turns:     turns,
		chunks:    chunks,
		collector: collector,
		logger:    logger,
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second, // long for LLM responses
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler builds the route table. The websocket endpoint sits outside the
// logging middleware because the upgrade hijacks the connection.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/users/{userId}/sessions", s.handleListSessions)
	api.HandleFunc("GET /api/users/{userId}/sessions/search", s.handleSearchSessions)
	api.HandleFunc("POST /api/users/{userId}/sessions", s.handleCreateSession)
	api.HandleFunc("PUT /api/sessions/{sessionId}", s.handleRenameSession)
	api.HandleFunc("DELETE /api/sessions/{sessionId}", s.handleArchiveSession)
	api.HandleFunc("GET /api/sessions/{sessionId}/messages", s.handleMessages)
	api.HandleFunc("GET /health", s.handleHealth)
	api.HandleFunc("GET /stats", s.handleStats)

	root := http.NewServeMux()
	root.Handle("/", loggingMiddleware(s.logger, api))
	root.HandleFunc("/ws", s.handleWS)
	return root
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.SearchSessions(r.Context(), r.PathValue("userId"), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to search sessions")
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	// An empty body means default title.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := req.Title
	if title == "" {
		title = models.DefaultSessionTitle
	}

	session, err := s.store.CreateSession(r.Context(), r.PathValue("userId"), title)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("sessionId"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.UpdateTitle(r.Context(), sessionID, req.Title); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to rename session")
		return
	}

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("sessionId"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := s.store.ArchiveSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to archive session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("sessionId"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	messages, err := s.store.Messages(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Chunks  int64            `json:"chunks"`
		Metrics metrics.Snapshot `json:"metrics"`
	}{}
	if s.chunks != nil {
		count, err := s.chunks.Count(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to count chunks")
			return
		}
		resp.Chunks = count
	}
	if s.collector != nil {
		resp.Metrics = s.collector.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
