package execsvc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Version is the execution service API version reported by /health.
const Version = "0.1.0"

// ServerConfig holds the HTTP surface configuration.
type ServerConfig struct {
	Host string
	Port int
	// APIKey, when non-empty, must be presented in the X-API-Key header.
	APIKey string
	// LocalhostBypass lets loopback connections omit the key. Connections
	// presenting a wrong key are rejected regardless.
	LocalhostBypass bool
	EnableCORS      bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// DefaultServerConfig returns defaults for a local execution service.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "127.0.0.1",
		Port:            8010,
		LocalhostBypass: true,
		EnableCORS:      true,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // SSE responses stay open
	}
}

// Server is the execution service HTTP server.
type Server struct {
	config  *ServerConfig
	router  *chi.Mux
	httpSrv *http.Server
	manager *Manager
	streams *streamHub
}

// NewServer wires the manager behind the HTTP routes.
func NewServer(cfg *ServerConfig, manager *Manager) *Server {
	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		manager: manager,
		streams: newStreamHub(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requireAPIKey authenticates requests. Loopback callers may omit the key
// when bypass is enabled, but a wrong key is always a 401.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == s.config.APIKey {
			next.ServeHTTP(w, r)
			return
		}
		if key == "" && s.config.LocalhostBypass && isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, KindAuthRequired, "missing or invalid API key")
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the server and every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
