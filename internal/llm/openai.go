package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomhq/loom/internal/logging"
)

// OpenAIConfig holds configuration for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	// ID is the provider identifier (e.g. "openai", "qwen", "ollama").
	// If empty, defaults to "openai".
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	// MaxRetries bounds connection-level retries per request.
	MaxRetries uint64
}

// OpenAIProvider implements Provider against any chat-completions endpoint
// speaking the OpenAI wire protocol.
type OpenAIProvider struct {
	config OpenAIConfig
	client *http.Client
}

// NewOpenAIProvider creates a provider. The API key falls back to
// OPENAI_API_KEY when unset in config.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if config.ID == "" {
		config.ID = "openai"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Model == "" {
		config.Model = "gpt-4o"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIProvider{config: config, client: client}, nil
}

// ID returns the provider identifier.
func (p *OpenAIProvider) ID() string {
	return p.config.ID
}

type chatCompletionBody struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	Temperature    float64   `json:"temperature,omitempty"`
	Stop           []string  `json:"stop,omitempty"`
	Stream         bool      `json:"stream"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

// Complete creates a streaming completion. Connection-level failures are
// retried with exponential backoff; once the stream is open, errors surface
// through Recv.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (Stream, error) {
	body := chatCompletionBody{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      true,
	}
	if body.Model == "" {
		body.Model = p.config.Model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = p.config.MaxTokens
	}
	if req.JSONMode {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	maxRetries := p.config.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	var resp *http.Response
	err = backoff.Retry(func() error {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			p.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

		r, doErr := p.client.Do(httpReq)
		if doErr != nil {
			logging.Warn().Err(doErr).Msg("completion request failed, retrying")
			return doErr
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			apiErr := fmt.Errorf("completion request: status %d: %s", r.StatusCode, strings.TrimSpace(string(msg)))
			// Client errors are not transient.
			if r.StatusCode >= 400 && r.StatusCode < 500 && r.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(apiErr)
			}
			logging.Warn().Err(apiErr).Msg("completion request failed, retrying")
			return apiErr
		}
		resp = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}

	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// sseStream parses the chat-completions SSE framing.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logging.Debug().Err(err).Msg("skipping malformed completion chunk")
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].Delta.Content != "" {
			return chunk.Choices[0].Delta.Content, nil
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *sseStream) Close() {
	s.done = true
	s.body.Close()
}
