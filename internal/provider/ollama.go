package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaClient is the local-inference variant: it talks to an Ollama daemon
// over its native /api/chat endpoint, which streams NDJSON frames.
type OllamaClient struct {
	baseURL      string
	defaultModel string
	http         *http.Client
}

func NewOllamaClient(baseURL, defaultModel string) *OllamaClient {
	return &OllamaClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		defaultModel: defaultModel,
		http:         &http.Client{Timeout: 300 * time.Second},
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

func (c *OllamaClient) Features() Features {
	return Features{Streaming: true, Local: true}
}

func (c *OllamaClient) CountTokens(text string) int { return EstimateTokens(text) }

type ollamaRequest struct {
	Model    string            `json:"model"`
	Messages []Message         `json:"messages"`
	Stream   bool              `json:"stream"`
	Options  map[string]any    `json:"options,omitempty"`
}

type ollamaFrame struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	Model           string `json:"model"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *OllamaClient) post(ctx context.Context, body ollamaRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return resp, nil
}

func (c *OllamaClient) request(messages []Message, opts Options, stream bool) ollamaRequest {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}
	req := ollamaRequest{Model: model, Messages: messages, Stream: stream}
	if opts.MaxTokens > 0 || opts.Temperature > 0 {
		req.Options = map[string]any{}
		if opts.MaxTokens > 0 {
			req.Options["num_predict"] = opts.MaxTokens
		}
		if opts.Temperature > 0 {
			req.Options["temperature"] = opts.Temperature
		}
	}
	return req
}

func (c *OllamaClient) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	resp, err := c.post(ctx, c.request(messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var frame ollamaFrame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	usage := Usage{
		PromptTokens:     frame.PromptEvalCount,
		CompletionTokens: frame.EvalCount,
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = CountMessages(c, messages)
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = c.CountTokens(frame.Message.Content)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	finish := frame.DoneReason
	if finish == "" {
		finish = "stop"
	}
	return &Response{
		Content:      frame.Message.Content,
		Usage:        usage,
		FinishReason: finish,
		Model:        frame.Model,
	}, nil
}

func (c *OllamaClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error) {
	resp, err := c.post(ctx, c.request(messages, opts, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		usage := Usage{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var frame ollamaFrame
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
				ch <- Chunk{Err: fmt.Errorf("bad stream frame: %w", err)}
				return
			}
			if frame.Message.Content != "" {
				select {
				case ch <- Chunk{Content: frame.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if frame.Done {
				usage.PromptTokens = frame.PromptEvalCount
				usage.CompletionTokens = frame.EvalCount
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				break
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- Chunk{Err: fmt.Errorf("read stream: %w", err)}
			return
		}
		ch <- Chunk{Done: true, Usage: &usage}
	}()
	return ch, nil
}

func (c *OllamaClient) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	names := make([]string, len(out.Models))
	for i, m := range out.Models {
		names[i] = m.Name
	}
	return names, nil
}
