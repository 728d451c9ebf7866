package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func sseHandler(chunks []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestOpenAIProvider_StreamAssembly(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{"hel", "lo ", "world"}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	got, err := CompleteText(context.Background(), p, &Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello world" {
		t.Errorf("completion = %q, want %q", got, "hello world")
	}
}

func TestOpenAIProvider_RetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		sseHandler([]string{"ok"})(w, r)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	got, err := CompleteText(context.Background(), p, &Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Errorf("completion = %q", got)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected one retry, server saw %d calls", calls)
	}
}

func TestOpenAIProvider_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Complete(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("400 must not be retried, server saw %d calls", calls)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	p, _ := NewOpenAIProvider(OpenAIConfig{ID: "qwen", APIKey: "k"})
	reg.Register(p)

	got, err := reg.Get("qwen")
	if err != nil || got.ID() != "qwen" {
		t.Errorf("Get(qwen) = %v, %v", got, err)
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if len(reg.List()) != 1 {
		t.Error("List should return one provider")
	}
}
