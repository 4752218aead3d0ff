// Package server is the thin HTTP layer over the orchestrator. It decodes
// requests, resolves the student profile, and renders envelopes as JSON;
// all dialogue logic lives behind the Dialogue interface.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"campusdesk/internal/chatmemory"
	"campusdesk/internal/config"
	"campusdesk/internal/logging"
	"campusdesk/internal/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Dialogue is the orchestrator surface the server consumes.
type Dialogue interface {
	ProcessMessage(ctx context.Context, message, userID, sessionID string, profile *protocol.Profile) *protocol.Envelope
	ConfirmAction(ctx context.Context, userID, sessionID string, confirmed bool, action *protocol.ConfirmationData, profile *protocol.Profile) *protocol.Envelope
}

// Server serves the chat API.
type Server struct {
	dialogue Dialogue
	memory   *chatmemory.Store
	cfg      config.ServerConfig
	shutdown time.Duration
}

// New creates the server.
func New(dialogue Dialogue, memory *chatmemory.Store, cfg config.ServerConfig, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Server{dialogue: dialogue, memory: memory, cfg: cfg, shutdown: shutdownTimeout}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/chat/orchestrator", s.handleChat)
	r.Post("/chat/confirm-action", s.handleConfirm)
	r.Get("/chat/session/{sessionID}", s.handleSession)
	r.Get("/healthz", s.handleHealth)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Server("listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		logging.Server("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type chatRequest struct {
	Message   string            `json:"message"`
	Mode      string            `json:"mode,omitempty"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id,omitempty"`
	Profile   *protocol.Profile `json:"profile,omitempty"`
}

type confirmRequest struct {
	SessionID   string                     `json:"session_id"`
	UserID      string                     `json:"user_id,omitempty"`
	Confirmed   bool                       `json:"confirmed"`
	ActionData  *protocol.ConfirmationData `json:"action_data"`
	EditedDraft *protocol.EmailDraft       `json:"edited_draft,omitempty"`
	Profile     *protocol.Profile          `json:"profile,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	userID := resolveUser(r, req.UserID)
	if req.Message == "" || req.SessionID == "" || userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message, session_id and user_id are required"})
		return
	}

	env := s.dialogue.ProcessMessage(r.Context(), req.Message, userID, req.SessionID, resolveProfile(req.Profile, userID))
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	userID := resolveUser(r, req.UserID)
	if req.SessionID == "" || userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id and user_id are required"})
		return
	}

	// User edits from the preview round-trip, unless the preview was
	// read-only (sensitive complaints).
	if req.EditedDraft != nil && req.ActionData != nil && req.ActionData.Email != nil && !req.ActionData.ReadOnly {
		req.ActionData.Email = req.EditedDraft
	}

	env := s.dialogue.ConfirmAction(r.Context(), userID, req.SessionID, req.Confirmed, req.ActionData, resolveProfile(req.Profile, userID))
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := resolveUser(r, "")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "X-User-ID header is required"})
		return
	}

	messages := s.memory.GetSessionHistory(sessionID, userID, 100)
	if messages == nil {
		messages = []chatmemory.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveUser prefers the body field, then the X-User-ID header.
func resolveUser(r *http.Request, bodyUserID string) string {
	if bodyUserID != "" {
		return bodyUserID
	}
	return r.Header.Get("X-User-ID")
}

// resolveProfile fills a minimal profile when the caller supplied none.
func resolveProfile(p *protocol.Profile, userID string) *protocol.Profile {
	if p != nil {
		return p
	}
	return &protocol.Profile{Email: userID}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryServer).Warn("response encode failed: %v", err)
	}
}

// requestLogger writes one line per request to the server category.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Server("%s %s %d %dB %s", r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start).Round(time.Millisecond))
	})
}
