// Package gateway projects session event buses onto persistent duplex
// connections for browser clients: history replay on connect, live event
// forwarding, and inbound message/confirmation/upload handling.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/orchestrator"
)

// ErrSessionNotFound is returned for operations on unknown chat sessions.
var ErrSessionNotFound = errors.New("chat session not found")

// FileUploader pushes user files into a session's execution environment.
type FileUploader interface {
	UploadFile(ctx context.Context, filename string, data []byte) error
}

// ArtifactSource fetches produced files for download endpoints.
type ArtifactSource interface {
	DownloadArtifact(ctx context.Context, sessionID, name string) ([]byte, error)
}

// SessionFactory builds a fully wired orchestrator session for an id.
type SessionFactory func(id string) (*orchestrator.Session, FileUploader, error)

// Config holds gateway settings.
type Config struct {
	NewSession SessionFactory
	Artifacts  ArtifactSource
	EnableCORS bool
}

// chatSession pairs an orchestrator session with its uploader and the files
// queued for the next turn.
type chatSession struct {
	session  *orchestrator.Session
	uploader FileUploader

	mu      sync.Mutex
	pending []pendingFile
}

type pendingFile struct {
	name string
	data []byte
}

func (cs *chatSession) queueFile(name string, data []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.pending = append(cs.pending, pendingFile{name: name, data: data})
}

// takePending drains the queued files.
func (cs *chatSession) takePending() []pendingFile {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	files := cs.pending
	cs.pending = nil
	return files
}

// Gateway owns the chat sessions and their HTTP/WebSocket surface.
type Gateway struct {
	cfg    Config
	router *chi.Mux

	mu       sync.Mutex
	sessions map[string]*chatSession
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		router:   chi.NewRouter(),
		sessions: make(map[string]*chatSession),
	}
	g.setupRoutes()
	return g
}

// Router exposes the HTTP handler.
func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.Recoverer)
	if g.cfg.EnableCORS {
		g.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	g.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", g.handleCreateSession)
		r.Get("/sessions", g.handleListSessions)
		r.Delete("/sessions/{sessionID}", g.handleDeleteSession)
		r.Get("/sessions/{sessionID}/artifacts/{filename}", g.handleDownloadArtifact)
		r.Get("/chat/ws/{sessionID}", g.handleWebSocket)
	})
}

// getOrCreate returns the chat session, building one on first use.
func (g *Gateway) getOrCreate(id string) (*chatSession, error) {
	g.mu.Lock()
	if cs, ok := g.sessions[id]; ok {
		g.mu.Unlock()
		return cs, nil
	}
	g.mu.Unlock()

	session, uploader, err := g.cfg.NewSession(id)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cs, ok := g.sessions[id]; ok {
		// Lost the race; keep the first one.
		session.Stop()
		return cs, nil
	}
	cs := &chatSession{session: session, uploader: uploader}
	g.sessions[id] = cs
	return cs, nil
}

func (g *Gateway) get(id string) (*chatSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return cs, nil
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	// An empty body means an auto-generated id.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.SessionID == "" {
		req.SessionID = "chat-" + uuid.NewString()
	}

	if _, err := g.getOrCreate(req.SessionID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": req.SessionID})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	g.mu.Lock()
	cs, ok := g.sessions[id]
	if ok {
		delete(g.sessions, id)
	}
	g.mu.Unlock()

	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found: "+id)
		return
	}
	cs.session.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	name := chi.URLParam(r, "filename")

	// Artifact access requires an owned session.
	if _, err := g.get(id); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if g.cfg.Artifacts == nil {
		writeJSONError(w, http.StatusNotFound, "artifact source not configured")
		return
	}

	data, err := g.cfg.Artifacts.DownloadArtifact(r.Context(), id, name)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Close stops every chat session.
func (g *Gateway) Close() {
	g.mu.Lock()
	sessions := make([]*chatSession, 0, len(g.sessions))
	for _, cs := range g.sessions {
		sessions = append(sessions, cs)
	}
	g.sessions = make(map[string]*chatSession)
	g.mu.Unlock()

	for _, cs := range sessions {
		cs.session.Stop()
	}
	logging.Info().Msg("gateway closed")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
