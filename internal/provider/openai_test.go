package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header: %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "gpt-test" || len(req.Messages) != 1 {
			t.Errorf("request: %+v", req)
		}
		fmt.Fprint(w, `{
			"model": "gpt-test",
			"choices": [{"message": {"content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", srv.URL, "test-key", "gpt-test")
	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("content: %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("usage: %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason: %q", resp.FinishReason)
	}
}

func TestOpenAIClient_Chat_UsageFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"model":"m","choices":[{"message":{"content":"four char"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", srv.URL, "k", "m")
	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "12345678"}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	// 8 bytes prompt -> 2 tokens, 9 bytes completion -> 3 tokens.
	if resp.Usage.PromptTokens != 2 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 5 {
		t.Errorf("estimated usage: %+v", resp.Usage)
	}
}

func TestOpenAIClient_Chat_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", srv.URL, "k", "m")
	_, err := c.Chat(context.Background(), nil, Options{})
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestOpenAIClient_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		if !req.Stream {
			t.Error("stream flag not set")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", srv.URL, "k", "m")
	ch, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content strings.Builder
	var usage *Usage
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			usage = chunk.Usage
			continue
		}
		content.WriteString(chunk.Content)
	}

	if content.String() != "Hello" {
		t.Errorf("streamed content: %q", content.String())
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("usage: %+v", usage)
	}
}

func TestOpenAIClient_ChatStream_Cancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-release // hold the stream open
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewOpenAIClient("openai", srv.URL, "k", "m")
	ch, err := c.ChatStream(ctx, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	<-ch // first delta
	cancel()

	// The channel must close shortly after cancellation.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream channel not closed after cancellation")
		}
	}
}

func TestOpenAIClient_Models(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"id":"m-1"},{"id":"m-2"}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", srv.URL, "k", "m")
	models, err := c.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[0] != "m-1" {
		t.Errorf("models: %v", models)
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"model": "llama3",
			"message": {"role": "assistant", "content": "local reply"},
			"done": true, "done_reason": "stop",
			"prompt_eval_count": 4, "eval_count": 6
		}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3")
	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "local reply" {
		t.Errorf("content: %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("usage: %+v", resp.Usage)
	}
	if !c.Features().Local {
		t.Error("ollama must advertise the local feature")
	}
}

func TestOllamaClient_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"one "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"two"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true,"prompt_eval_count":3,"eval_count":2}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3")
	ch, err := c.ChatStream(context.Background(), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	var content strings.Builder
	var usage *Usage
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			usage = chunk.Usage
			continue
		}
		content.WriteString(chunk.Content)
	}
	if content.String() != "one two" {
		t.Errorf("content: %q", content.String())
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("usage: %+v", usage)
	}
}
