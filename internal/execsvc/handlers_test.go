package execsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/kernel"
)

// fakeSession scripts execution results so handler tests need no kernel
// subprocess.
type fakeSession struct {
	id      string
	cwd     string
	created time.Time
	script  func(execID, code string, onOutput func(stream, text string)) (*kernel.ExecutionResult, error)

	mu      sync.Mutex
	execs   int
	plugins []string
	stopped bool
}

func (f *fakeSession) ID() string               { return f.id }
func (f *fakeSession) Cwd() string              { return f.cwd }
func (f *fakeSession) CreatedAt() time.Time     { return f.created }
func (f *fakeSession) LastActivity() time.Time  { return f.created }
func (f *fakeSession) Start(context.Context) error { return nil }
func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeSession) ExecutionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs
}

func (f *fakeSession) Plugins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.plugins...)
}

func (f *fakeSession) Execute(ctx context.Context, execID, code string, onOutput func(stream, text string)) (*kernel.ExecutionResult, error) {
	f.mu.Lock()
	f.execs++
	f.mu.Unlock()
	if f.script != nil {
		return f.script(execID, code, onOutput)
	}
	return &kernel.ExecutionResult{ExecutionID: execID, Code: code, IsSuccess: true}, nil
}

func (f *fakeSession) UpdateVariables(map[string]any) error { return nil }

func (f *fakeSession) RegisterPlugin(name, source string, config map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plugins = append(f.plugins, name)
	return nil
}

func (f *fakeSession) UploadFile(filename string, data []byte) (string, error) {
	clean := filepath.Clean(filename)
	if clean != filepath.Base(clean) {
		return "", fmt.Errorf("%w: %s", kernel.ErrPathTraversal, filename)
	}
	dest := filepath.Join(f.cwd, clean)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

func (f *fakeSession) ArtifactPath(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %s", kernel.ErrPathTraversal, name)
	}
	p := filepath.Join(f.cwd, name)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}

func newTestServer(t *testing.T, cfg *ServerConfig, script func(execID, code string, onOutput func(stream, text string)) (*kernel.ExecutionResult, error)) (*httptest.Server, *Manager) {
	t.Helper()
	dir := t.TempDir()
	manager := NewManager(Config{WorkDir: dir}, func(id, cwd string) Session {
		if cwd == "" {
			cwd = filepath.Join(dir, id)
			os.MkdirAll(cwd, 0o755)
		}
		return &fakeSession{id: id, cwd: cwd, created: time.Now(), script: script}
	})
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	srv := NewServer(cfg, manager)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, manager
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	health := decodeBody[HealthResponse](t, resp)
	if health.Status != "ok" || health.Version != Version {
		t.Errorf("health = %+v", health)
	}
}

func TestServer_CreateSessionConflict(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "s1"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	info := decodeBody[SessionInfo](t, resp)
	if info.SessionID != "s1" {
		t.Errorf("session_id = %q", info.SessionID)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "s1"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}
	errBody := decodeBody[ErrorResponse](t, resp)
	if errBody.Kind != KindSessionExists {
		t.Errorf("kind = %q", errBody.Kind)
	}
}

func TestServer_Auth(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.APIKey = "secret"
	cfg.LocalhostBypass = false
	ts, _ := newTestServer(t, cfg, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{},
		map[string]string{"X-API-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{},
		map[string]string{"X-API-Key": "secret"})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("right key: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServer_AuthLocalhostBypass(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.APIKey = "secret"
	cfg.LocalhostBypass = true
	ts, _ := newTestServer(t, cfg, nil)

	// Loopback without a key is allowed.
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "a"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("bypass: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A wrong key is rejected even on loopback.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "b"},
		map[string]string{"X-API-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key on loopback: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServer_ExecuteSync(t *testing.T) {
	ts, _ := newTestServer(t, nil, func(execID, code string, onOutput func(stream, text string)) (*kernel.ExecutionResult, error) {
		return &kernel.ExecutionResult{
			ExecutionID: execID,
			Code:        code,
			IsSuccess:   true,
			Stdout:      []string{"hello\n"},
		}, nil
	})

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "s1"}, nil).Body.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/s1/execute",
		ExecuteRequest{ExecID: "e1", Code: "print('hello')"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	result := decodeBody[ResultJSON](t, resp)
	if !result.IsSuccess || result.ExecutionID != "e1" {
		t.Errorf("result = %+v", result)
	}
	if len(result.Stdout) != 1 || result.Stdout[0] != "hello\n" {
		t.Errorf("stdout = %v", result.Stdout)
	}
	if len(result.Variables) != 0 || len(result.Artifacts) != 0 {
		t.Errorf("expected empty variables/artifacts: %+v", result)
	}
}

// parseSSE splits an SSE body into (event, data) pairs.
func parseSSE(body string) [][2]string {
	var events [][2]string
	for _, block := range strings.Split(body, "\n\n") {
		var ev, data string
		for _, line := range strings.Split(block, "\n") {
			if strings.HasPrefix(line, "event: ") {
				ev = strings.TrimPrefix(line, "event: ")
			} else if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev != "" {
			events = append(events, [2]string{ev, data})
		}
	}
	return events
}

func TestServer_ExecuteStreaming(t *testing.T) {
	ts, _ := newTestServer(t, nil, func(execID, code string, onOutput func(stream, text string)) (*kernel.ExecutionResult, error) {
		for i := 0; i < 3; i++ {
			onOutput("stdout", fmt.Sprintf("%d\n", i))
		}
		return &kernel.ExecutionResult{
			ExecutionID: execID,
			Code:        code,
			IsSuccess:   true,
			Stdout:      []string{"0\n", "1\n", "2\n"},
		}, nil
	})

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "s1"}, nil).Body.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/s1/execute",
		ExecuteRequest{ExecID: "e2", Code: "for i in range(3): print(i)", Stream: true}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	accepted := decodeBody[ExecuteAccepted](t, resp)

	streamResp, err := http.Get(ts.URL + accepted.StreamURL)
	if err != nil {
		t.Fatal(err)
	}
	defer streamResp.Body.Close()
	body, err := io.ReadAll(streamResp.Body)
	if err != nil {
		t.Fatal(err)
	}

	events := parseSSE(string(body))
	if len(events) != 5 {
		t.Fatalf("expected 3 output + result + done, got %v", events)
	}
	for i, want := range []string{"0\n", "1\n", "2\n"} {
		if events[i][0] != "output" {
			t.Fatalf("event %d = %s", i, events[i][0])
		}
		var payload map[string]string
		json.Unmarshal([]byte(events[i][1]), &payload)
		if payload["text"] != want || payload["type"] != "stdout" {
			t.Errorf("output %d = %v", i, payload)
		}
	}
	if events[3][0] != "result" {
		t.Errorf("penultimate event = %s", events[3][0])
	}
	var result ResultJSON
	json.Unmarshal([]byte(events[3][1]), &result)
	if !result.IsSuccess {
		t.Error("result not successful")
	}
	if events[4][0] != "done" {
		t.Errorf("final event = %s", events[4][0])
	}
}

func TestServer_UploadFileTraversal(t *testing.T) {
	ts, manager := newTestServer(t, nil, nil)
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "s1"}, nil).Body.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/s1/files",
		UploadFileRequest{Filename: "../escape.txt", Content: "boom"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	errBody := decodeBody[ErrorResponse](t, resp)
	if errBody.Kind != KindPathTraversal {
		t.Errorf("kind = %q", errBody.Kind)
	}

	sess, _ := manager.Get("s1")
	if _, err := os.Stat(filepath.Join(sess.Cwd(), "..", "escape.txt")); !os.IsNotExist(err) {
		t.Error("escaped file must not exist")
	}
}

func TestServer_UploadAndDownloadArtifact(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "s1"}, nil).Body.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/s1/files",
		UploadFileRequest{Filename: "data.bin", Content: "aGVsbG8=", Encoding: "base64"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	dl, err := http.Get(ts.URL + "/api/v1/sessions/s1/artifacts/data.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dl.StatusCode)
	}
	content, _ := io.ReadAll(dl.Body)
	if string(content) != "hello" {
		t.Errorf("content = %q", content)
	}

	miss, _ := http.Get(ts.URL + "/api/v1/sessions/s1/artifacts/missing.bin")
	if miss.StatusCode != http.StatusNotFound {
		t.Errorf("missing artifact status = %d", miss.StatusCode)
	}
	miss.Body.Close()
}

func TestServer_SessionNotFound(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/ghost/execute",
		ExecuteRequest{Code: "1+1"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	errBody := decodeBody[ErrorResponse](t, resp)
	if errBody.Kind != KindSessionNotFound {
		t.Errorf("kind = %q", errBody.Kind)
	}

	del, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/ghost", nil)
	delResp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatal(err)
	}
	if delResp.StatusCode != http.StatusNotFound {
		t.Errorf("delete status = %d", delResp.StatusCode)
	}
	delResp.Body.Close()
}
