// Package execsvc hosts the multi-session code-execution service: a session
// manager owning kernel sessions plus the HTTP/SSE surface in front of it.
package execsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/kernel"
	"github.com/loomhq/loom/internal/logging"
)

var (
	// ErrSessionExists is returned by Create for a duplicate session id.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// Session is the execution context interface the manager owns. Satisfied by
// *kernel.Session; tests substitute fakes.
type Session interface {
	ID() string
	Cwd() string
	CreatedAt() time.Time
	LastActivity() time.Time
	ExecutionCount() int
	Plugins() []string

	Start(ctx context.Context) error
	Stop() error
	Execute(ctx context.Context, execID, code string, onOutput func(stream, text string)) (*kernel.ExecutionResult, error)
	UpdateVariables(vars map[string]any) error
	RegisterPlugin(name, source string, config map[string]string) error
	UploadFile(filename string, data []byte) (string, error)
	ArtifactPath(name string) (string, error)
}

// SessionFactory creates an unstarted session.
type SessionFactory func(id, cwd string) Session

// ArtifactSource resolves artifacts for sessions the manager no longer
// holds, e.g. a retention directory for stopped sessions.
type ArtifactSource interface {
	ArtifactPath(sessionID, name string) (string, error)
}

// Config holds manager settings.
type Config struct {
	WorkDir       string
	KernelCommand []string
	StartTimeout  time.Duration
	// MaxConcurrent bounds simultaneous kernel executions across sessions.
	MaxConcurrent int
	// Fallback serves artifact lookups for absent sessions.
	Fallback ArtifactSource
}

// Manager owns the session_id -> Session map. Map mutations hold the lock;
// kernel I/O happens outside it.
type Manager struct {
	cfg     Config
	factory SessionFactory

	mu       sync.Mutex
	sessions map[string]Session

	execSlots chan struct{}
}

// NewManager creates a manager. A nil factory builds kernel-backed sessions
// from cfg.
func NewManager(cfg Config, factory SessionFactory) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if factory == nil {
		factory = func(id, cwd string) Session {
			return kernel.NewSession(id, kernel.Config{
				WorkDir:      cfg.WorkDir,
				Command:      cfg.KernelCommand,
				StartTimeout: cfg.StartTimeout,
			}, cwd)
		}
	}
	return &Manager{
		cfg:       cfg,
		factory:   factory,
		sessions:  make(map[string]Session),
		execSlots: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Create starts a new session. An empty id is generated. A duplicate id
// fails with ErrSessionExists and leaves the existing session untouched.
func (m *Manager) Create(ctx context.Context, id, cwd string) (Session, error) {
	if id == "" {
		id = "session-" + uuid.NewString()
	}

	s := m.factory(id, cwd)

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}

	logging.Info().Str("session", id).Msg("session created")
	return s, nil
}

// Get looks a session up.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns all sessions.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stop removes a session and shuts its kernel down.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.Stop(); err != nil {
		logging.Warn().Err(err).Str("session", id).Msg("session stop reported error")
	}
	logging.Info().Str("session", id).Msg("session stopped")
	return nil
}

// Execute runs code on a session through the bounded execution pool.
func (m *Manager) Execute(ctx context.Context, sessionID, execID, code string, onOutput func(stream, text string)) (*kernel.ExecutionResult, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	select {
	case m.execSlots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.execSlots }()

	return s.Execute(ctx, execID, code, onOutput)
}

// LoadPlugin injects a plugin into a session.
func (m *Manager) LoadPlugin(sessionID, name, source string, config map[string]string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.RegisterPlugin(name, source, config)
}

// UpdateVariables writes variables into a session's kernel namespace.
func (m *Manager) UpdateVariables(sessionID string, vars map[string]any) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.UpdateVariables(vars)
}

// UploadFile stores a file into the session cwd.
func (m *Manager) UploadFile(sessionID, filename string, data []byte) (string, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	return s.UploadFile(filename, data)
}

// ArtifactPath resolves an artifact, falling through to the secondary source
// when the primary session is absent.
func (m *Manager) ArtifactPath(sessionID, name string) (string, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		if m.cfg.Fallback != nil {
			return m.cfg.Fallback.ArtifactPath(sessionID, name)
		}
		return "", err
	}
	return s.ArtifactPath(name)
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Stop(); err != nil {
			logging.Warn().Err(err).Str("session", s.ID()).Msg("session stop reported error")
		}
	}
}
