// Package llm provides the chat-completion provider abstraction used by the
// planning and code-generation roles.
package llm

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Message roles follow the chat-completion convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a completion to generate.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	// JSONMode asks the provider for a JSON object response when supported.
	JSONMode bool `json:"jsonMode,omitempty"`
}

// Stream yields the completion incrementally. Recv returns io.EOF when the
// stream is exhausted.
type Stream interface {
	Recv() (string, error)
	Close()
}

// Provider generates streaming chat completions.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Complete creates a streaming completion.
	Complete(ctx context.Context, req *Request) (Stream, error)
}

// CompleteText drains a completion into a single string.
func CompleteText(ctx context.Context, p Provider, req *Request) (string, error) {
	stream, err := p.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(chunk)
	}
}
