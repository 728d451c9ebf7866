// Package execclient is the client-side binding to the execution service:
// it exposes the kernel-session interface shape over HTTP/SSE and can
// auto-start a local server when none is running.
package execclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrServerUnreachable indicates no execution server answered the probe.
	ErrServerUnreachable = errors.New("execution server unreachable")
	// ErrServerStartFailed indicates the auto-started server never became
	// healthy.
	ErrServerStartFailed = errors.New("execution server start failed")
)

// APIError is a non-2xx response from the execution server.
type APIError struct {
	StatusCode int
	Kind       string
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("execution server: %d %s: %s", e.StatusCode, e.Kind, e.Detail)
}

// Result mirrors the execution result wire shape. Variables are
// [name, short_repr] tuples.
type Result struct {
	ExecutionID string     `json:"execution_id"`
	Code        string     `json:"code"`
	IsSuccess   bool       `json:"is_success"`
	Error       *string    `json:"error"`
	Output      []Output   `json:"output"`
	Stdout      []string   `json:"stdout"`
	Stderr      []string   `json:"stderr"`
	Log         []Log      `json:"log"`
	Artifacts   []Artifact `json:"artifact"`
	Variables   [][]string `json:"variables"`
}

// Output is one (mime, content) display pair.
type Output struct {
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

// Log is one captured kernel log line.
type Log struct {
	Level   string `json:"level"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// Artifact is one produced file.
type Artifact struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	MimeType     string `json:"mime_type,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	FileName     string `json:"file_name"`
	FileContent  string `json:"file_content,omitempty"`
	Preview      string `json:"preview,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`
}

// SessionInfo is the server's session metadata.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	Cwd            string    `json:"cwd"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ExecutionCount int       `json:"execution_count"`
	Plugins        []string  `json:"plugins"`
}

// Client binds one session_id to an execution server.
type Client struct {
	baseURL   string
	apiKey    string
	sessionID string
	http      *http.Client
}

// New creates a client for the given server and session.
func New(baseURL, apiKey, sessionID string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		sessionID: sessionID,
		http:      &http.Client{},
	}
}

// SessionID returns the bound session id.
func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) url(path string) string {
	return c.baseURL + "/api/v1" + path
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	return resp, nil
}

// apiError drains a non-2xx response into a structured error.
func apiError(resp *http.Response) error {
	defer resp.Body.Close()
	var body struct {
		Detail string `json:"detail"`
		Kind   string `json:"kind"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err := json.Unmarshal(raw, &body); err != nil || body.Detail == "" {
		body.Detail = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: resp.StatusCode, Kind: body.Kind, Detail: body.Detail}
}

// Health probes the server with a short timeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// Start creates the bound session on the server. An existing session with
// the same id is reused.
func (c *Client) Start(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/sessions", map[string]string{"session_id": c.sessionID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		// Session survives client restarts; attach to it.
		return nil
	}
	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}
	return nil
}

// Stop removes the bound session.
func (c *Client) Stop(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/sessions/"+c.sessionID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return apiError(resp)
	}
	return nil
}

// Execute runs code in the bound session. With onOutput set, the streaming
// endpoint is used and the callback receives chunks in kernel order;
// otherwise the synchronous endpoint returns the full result.
func (c *Client) Execute(ctx context.Context, execID, code string, onOutput func(stream, text string)) (*Result, error) {
	if onOutput == nil {
		return c.executeSync(ctx, execID, code)
	}
	return c.executeStream(ctx, execID, code, onOutput)
}

func (c *Client) executeSync(ctx context.Context, execID, code string) (*Result, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sessions/"+c.sessionID+"/execute",
		map[string]any{"exec_id": execID, "code": code, "stream": false})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode execution result: %w", err)
	}
	return &result, nil
}

func (c *Client) executeStream(ctx context.Context, execID, code string, onOutput func(stream, text string)) (*Result, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sessions/"+c.sessionID+"/execute",
		map[string]any{"exec_id": execID, "code": code, "stream": true})
	if err != nil {
		return nil, err
	}
	var accepted struct {
		StreamURL string `json:"stream_url"`
	}
	if resp.StatusCode != http.StatusAccepted {
		return nil, apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decode stream handle: %w", err)
	}
	resp.Body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+accepted.StreamURL, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	streamResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer streamResp.Body.Close()
	if streamResp.StatusCode != http.StatusOK {
		return nil, apiError(streamResp)
	}

	return consumeStream(streamResp.Body, onOutput)
}

// consumeStream reads SSE frames until done, invoking onOutput per output
// event and returning the result event payload.
func consumeStream(body io.Reader, onOutput func(stream, text string)) (*Result, error) {
	var result *Result
	var event string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "output":
				var chunk struct {
					Type string `json:"type"`
					Text string `json:"text"`
				}
				if err := json.Unmarshal([]byte(data), &chunk); err == nil {
					onOutput(chunk.Type, chunk.Text)
				}
			case "result":
				var r Result
				if err := json.Unmarshal([]byte(data), &r); err != nil {
					return nil, fmt.Errorf("decode result event: %w", err)
				}
				result = &r
			case "done":
				if result == nil {
					return nil, fmt.Errorf("stream finished without a result event")
				}
				return result, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream closed before done event")
}

// LoadPlugin registers a plugin in the bound session.
func (c *Client) LoadPlugin(ctx context.Context, name, code string, config map[string]string) error {
	resp, err := c.do(ctx, http.MethodPost, "/sessions/"+c.sessionID+"/plugins",
		map[string]any{"name": name, "code": code, "config": config})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// UpdateVariables writes variables into the session namespace.
func (c *Client) UpdateVariables(ctx context.Context, vars map[string]any) error {
	resp, err := c.do(ctx, http.MethodPost, "/sessions/"+c.sessionID+"/variables",
		map[string]any{"variables": vars})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// UploadFile sends file bytes base64-encoded.
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPost, "/sessions/"+c.sessionID+"/files", map[string]string{
		"filename": filename,
		"content":  base64.StdEncoding.EncodeToString(data),
		"encoding": "base64",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// DownloadArtifact fetches a produced file.
func (c *Client) DownloadArtifact(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sessions/"+c.sessionID+"/artifacts/"+name, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}
