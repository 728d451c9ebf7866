// Package kernel manages isolated interactive execution processes. Each
// session owns one kernel subprocess with a private working directory under
// the server work root, streams stdout/stderr during execution, and surfaces
// namespace variables and generated artifacts after each run.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/logging"
)

// Config carries the per-server kernel settings shared by all sessions.
type Config struct {
	// WorkDir is the server work root; each session gets
	// WorkDir/sessions/<id>/{kernel,cwd} underneath it.
	WorkDir string
	// Command is the kernel argv.
	Command []string
	// Factory creates the kernel transport. Defaults to NewProcessTransport.
	Factory TransportFactory
	// StartTimeout bounds how long start() waits for the ready status.
	StartTimeout time.Duration
}

const (
	defaultStartTimeout = 30 * time.Second
	maxReprLen          = 500
	stopGrace           = 5 * time.Second
)

// Namespace kinds excluded from variable surfacing.
var hiddenVariableKinds = map[string]bool{
	"module":   true,
	"function": true,
	"builtin":  true,
	"plugin":   true,
}

// Session is one isolated kernel execution context.
type Session struct {
	id        string
	cwd       string
	kernelDir string
	createdAt time.Time

	factory      TransportFactory
	spec         StartSpec
	startTimeout time.Duration

	// execMu serializes kernel round-trips (Execute and control requests),
	// which share the message channel. Stop must never wait on it: teardown
	// interrupts an in-flight execution instead of queueing behind it.
	execMu sync.Mutex

	mu           sync.Mutex
	transport    Transport
	msgs         chan Message
	pumpDone     chan struct{}
	execCount    int
	lastActivity time.Time
	plugins      map[string]map[string]string
	controlSeq   int
	stopped      bool
}

// NewSession prepares a session record. cwdOverride, when non-empty, replaces
// the default cwd location; it must already be an absolute path.
func NewSession(id string, cfg Config, cwdOverride string) *Session {
	base := filepath.Join(cfg.WorkDir, "sessions", id)
	cwd := filepath.Join(base, "cwd")
	if cwdOverride != "" {
		cwd = cwdOverride
	}

	factory := cfg.Factory
	if factory == nil {
		factory = NewProcessTransport
	}
	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}

	return &Session{
		id:        id,
		cwd:       cwd,
		kernelDir: filepath.Join(base, "kernel"),
		createdAt: time.Now(),
		factory:   factory,
		spec: StartSpec{
			Command:   cfg.Command,
			Dir:       cwd,
			KernelDir: filepath.Join(base, "kernel"),
			Env:       []string{"LOOM_SESSION_ID=" + id},
		},
		startTimeout: timeout,
		plugins:      make(map[string]map[string]string),
		lastActivity: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Cwd returns the session working directory.
func (s *Session) Cwd() string { return s.cwd }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the most recent operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ExecutionCount returns how many executions have been submitted.
func (s *Session) ExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCount
}

// Plugins returns the names of loaded plugins, sorted.
func (s *Session) Plugins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.plugins))
	for name := range s.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start creates the session directories, spawns the kernel, and waits for it
// to report ready.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil {
		return nil
	}
	if s.stopped {
		return ErrStopped
	}

	for _, dir := range []string{s.kernelDir, s.cwd} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrStartFailed, dir, err)
		}
	}

	transport, err := s.factory(s.spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	msgs := make(chan Message, 64)
	pumpDone := make(chan struct{})
	go pump(transport, msgs, pumpDone)

	deadline := time.NewTimer(s.startTimeout)
	defer deadline.Stop()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				transport.Close()
				return fmt.Errorf("%w: kernel exited before ready", ErrStartFailed)
			}
			if msg.Type == MsgStatus && msg.State == StateReady {
				s.transport = transport
				s.msgs = msgs
				s.pumpDone = pumpDone
				s.lastActivity = time.Now()
				logging.Info().Str("session", s.id).Msg("kernel ready")
				return nil
			}
		case <-deadline.C:
			transport.Close()
			return fmt.Errorf("%w: no ready status within %s", ErrStartFailed, s.startTimeout)
		case <-ctx.Done():
			transport.Close()
			return fmt.Errorf("%w: %v", ErrStartFailed, ctx.Err())
		}
	}
}

// pump moves kernel messages onto the channel until the transport closes.
func pump(t Transport, msgs chan<- Message, done chan<- struct{}) {
	defer close(done)
	defer close(msgs)
	for {
		msg, err := t.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Debug().Err(err).Msg("kernel transport closed")
			}
			return
		}
		msgs <- msg
	}
}

// Execute submits code and consumes kernel messages until idle. For every
// stream message the chunk is recorded and, when onOutput is non-nil, the
// callback is invoked synchronously before the loop continues, preserving
// kernel order. Kernel-level failures are reported inside the result with
// IsSuccess=false; the error return covers transport and session failures
// only.
func (s *Session) Execute(ctx context.Context, execID, code string, onOutput func(stream, text string)) (*ExecutionResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	transport, msgs := s.transport, s.msgs
	if transport == nil || s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.execCount++
	s.lastActivity = time.Now()
	s.mu.Unlock()

	result := &ExecutionResult{
		ExecutionID: execID,
		Code:        code,
		IsSuccess:   true,
		Output:      []OutputItem{},
		Stdout:      []string{},
		Stderr:      []string{},
		Log:         []LogEntry{},
		Artifacts:   []Artifact{},
		Variables:   []Variable{},
	}

	watcher, err := watchArtifacts(s.cwd)
	if err != nil {
		logging.Debug().Err(err).Str("session", s.id).Msg("artifact watch unavailable")
		watcher = nil
	}

	if err := transport.Send(Message{Type: MsgExecuteRequest, ExecID: execID, Code: code}); err != nil {
		if watcher != nil {
			watcher.Stop()
		}
		return nil, fmt.Errorf("submit execution: %w", err)
	}

	var execErr *ExecutionError
	interrupted := false
loop:
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				if watcher != nil {
					watcher.Stop()
				}
				return nil, ErrStopped
			}
			switch msg.Type {
			case MsgStream:
				if msg.Stream == StreamStderr {
					result.Stderr = append(result.Stderr, msg.Text)
				} else {
					result.Stdout = append(result.Stdout, msg.Text)
				}
				if onOutput != nil {
					onOutput(msg.Stream, msg.Text)
				}
			case MsgDisplayData:
				s.collectDisplayData(msg.Data, execID, result)
			case MsgExecuteResult:
				for mime, content := range msg.Data {
					result.Output = append(result.Output, OutputItem{MimeType: mime, Content: content})
				}
			case MsgExecuteError:
				execErr = &ExecutionError{
					Name:      msg.ErrorName,
					Value:     msg.ErrorValue,
					Traceback: msg.ErrorTraceback,
				}
			case MsgLog:
				result.Log = append(result.Log, LogEntry{Level: msg.LogLevel, Tag: msg.LogTag, Message: msg.Text})
			case MsgStatus:
				if msg.State == StateIdle {
					break loop
				}
			}
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				logging.Warn().Str("session", s.id).Str("exec", execID).Msg("execution deadline, interrupting kernel")
				_ = transport.Interrupt()
				continue
			}
			if watcher != nil {
				watcher.Stop()
			}
			return nil, fmt.Errorf("execution %s: %w", execID, ctx.Err())
		}
	}

	if watcher != nil {
		for _, name := range watcher.Stop() {
			if s.hasArtifact(result, name) {
				continue
			}
			result.Artifacts = append(result.Artifacts, Artifact{
				Name:     strings.TrimSuffix(name, filepath.Ext(name)),
				Type:     artifactTypeForFile(name),
				FileName: name,
			})
		}
	}

	if execErr != nil {
		result.IsSuccess = false
		result.Error = execErr.Error()
	} else if interrupted {
		result.IsSuccess = false
		result.Error = "execution interrupted: deadline exceeded"
	} else {
		vars, err := s.listVariables()
		if err != nil {
			logging.Warn().Err(err).Str("session", s.id).Msg("variable introspection failed")
		} else {
			result.Variables = vars
		}
	}

	return result, nil
}

func (s *Session) hasArtifact(result *ExecutionResult, fileName string) bool {
	for _, a := range result.Artifacts {
		if a.FileName == fileName {
			return true
		}
	}
	return false
}

func artifactTypeForFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".svg":
		return "image"
	default:
		return "file"
	}
}

// collectDisplayData persists inline image payloads to cwd and records the
// rest as output items.
func (s *Session) collectDisplayData(data map[string]string, execID string, result *ExecutionResult) {
	for mime, content := range data {
		if _, ok := mimeExtensions[mime]; ok {
			name := fmt.Sprintf("%s_%d", execID, len(result.Artifacts))
			artifact, err := persistInlineArtifact(s.cwd, name, mime, content)
			if err != nil {
				logging.Warn().Err(err).Str("session", s.id).Msg("failed to persist inline artifact")
				continue
			}
			result.Artifacts = append(result.Artifacts, artifact)
			continue
		}
		result.Output = append(result.Output, OutputItem{MimeType: mime, Content: content})
	}
}

// control performs one privileged round-trip. Caller holds s.execMu.
func (s *Session) control(action string, payload map[string]any) (Message, error) {
	s.mu.Lock()
	transport, msgs := s.transport, s.msgs
	if transport == nil || s.stopped {
		s.mu.Unlock()
		return Message{}, ErrStopped
	}
	s.controlSeq++
	id := strconv.Itoa(s.controlSeq)
	s.mu.Unlock()

	if err := transport.Send(Message{
		Type:      MsgControlRequest,
		ControlID: id,
		Action:    action,
		Payload:   payload,
	}); err != nil {
		return Message{}, err
	}

	for msg := range msgs {
		if msg.Type == MsgControlReply && msg.ControlID == id {
			if !msg.OK {
				return msg, fmt.Errorf("control %s: %s", action, msg.Error)
			}
			return msg, nil
		}
	}
	return Message{}, ErrStopped
}

// listVariables surfaces namespace variables, excluding private names and
// non-data kinds, with reprs truncated. Caller holds s.execMu.
func (s *Session) listVariables() ([]Variable, error) {
	reply, err := s.control(ControlListVariables, nil)
	if err != nil {
		return nil, err
	}

	vars := make([]Variable, 0, len(reply.Variables))
	for _, v := range reply.Variables {
		if strings.HasPrefix(v.Name, "_") || hiddenVariableKinds[v.Kind] {
			continue
		}
		repr := v.Repr
		if runes := []rune(repr); len(runes) > maxReprLen {
			repr = string(runes[:maxReprLen])
		}
		vars = append(vars, Variable{Name: v.Name, Repr: repr})
	}
	return vars, nil
}

// UpdateVariables writes session-scoped variables into the kernel namespace.
func (s *Session) UpdateVariables(vars map[string]any) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.touch()
	_, err := s.control(ControlUpdateVariables, map[string]any{"variables": vars})
	return err
}

// RegisterPlugin injects plugin source into the kernel and stores its config.
func (s *Session) RegisterPlugin(name, source string, config map[string]string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.touch()

	_, err := s.control(ControlRegisterPlugin, map[string]any{
		"name":   name,
		"code":   source,
		"config": config,
	})
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		return &PluginLoadError{Plugin: name, Reason: err.Error()}
	}
	s.mu.Lock()
	s.plugins[name] = config
	s.mu.Unlock()
	return nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// UploadFile writes data to cwd/<basename(filename)>. Filenames that carry
// directory components or escape cwd after normalization are rejected with
// ErrPathTraversal.
func (s *Session) UploadFile(filename string, data []byte) (string, error) {
	clean := filepath.Clean(filename)
	base := filepath.Base(clean)
	if clean != base || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, filename)
	}

	dest := filepath.Join(s.cwd, base)
	if !strings.HasPrefix(dest, s.cwd+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, filename)
	}

	if err := os.MkdirAll(s.cwd, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}

	s.touch()
	return dest, nil
}

// ArtifactPath resolves a previously produced file under cwd. Escaping names
// are rejected with ErrPathTraversal; missing files report os.ErrNotExist.
func (s *Session) ArtifactPath(name string) (string, error) {
	p := filepath.Join(s.cwd, filepath.FromSlash(name))
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	cwdAbs, err := filepath.Abs(s.cwd)
	if err != nil {
		return "", err
	}
	if abs != cwdAbs && !strings.HasPrefix(abs, cwdAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// Stop interrupts any in-flight execution and shuts the kernel down.
// It intentionally does not wait behind Execute: the transport is taken
// away under the state lock, interrupted, then closed, which drains the
// message channel and unblocks the execution loop. Idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	transport := s.transport
	pumpDone := s.pumpDone
	s.transport = nil
	s.mu.Unlock()

	if transport == nil {
		return nil
	}

	_ = transport.Interrupt()
	err := transport.Close()

	select {
	case <-pumpDone:
	case <-time.After(stopGrace):
		logging.Warn().Str("session", s.id).Msg("kernel reader did not drain in time")
	}
	return err
}
