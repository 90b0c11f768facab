package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient speaks the OpenAI-compatible chat/completions wire format,
// which covers the hosted providers the gateway fronts (OpenAI itself plus
// the many API-compatible vendors).
type OpenAIClient struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	http         *http.Client
}

func NewOpenAIClient(name, baseURL, apiKey, defaultModel string) *OpenAIClient {
	return &OpenAIClient{
		name:         name,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		http:         &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) Features() Features {
	return Features{Streaming: true}
}

func (c *OpenAIClient) CountTokens(text string) int { return EstimateTokens(text) }

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, raw)
	}
	return resp, nil
}

func (c *OpenAIClient) model(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return c.defaultModel
}

func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	resp, err := c.post(ctx, openAIRequest{
		Model:       c.model(opts),
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrUpstreamUnavailable)
	}

	result := &Response{
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Model:        out.Model,
	}
	if out.Usage != nil {
		result.Usage = Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	} else {
		result.Usage = Usage{
			PromptTokens:     CountMessages(c, messages),
			CompletionTokens: c.CountTokens(result.Content),
		}
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	return result, nil
}

// ChatStream consumes the SSE stream and forwards content deltas. The final
// chunk carries the usage (reported by the upstream when available,
// estimated otherwise).
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error) {
	resp, err := c.post(ctx, openAIRequest{
		Model:       c.model(opts),
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var usage *Usage
		var built strings.Builder

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}
			var frame openAIResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				ch <- Chunk{Err: fmt.Errorf("bad stream frame: %w", err)}
				return
			}
			if frame.Usage != nil {
				usage = &Usage{
					PromptTokens:     frame.Usage.PromptTokens,
					CompletionTokens: frame.Usage.CompletionTokens,
					TotalTokens:      frame.Usage.TotalTokens,
				}
			}
			if len(frame.Choices) == 0 {
				continue
			}
			delta := frame.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			built.WriteString(delta)
			select {
			case ch <- Chunk{Content: delta}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- Chunk{Err: fmt.Errorf("read stream: %w", err)}
			return
		}

		if usage == nil {
			prompt := CountMessages(c, messages)
			completion := c.CountTokens(built.String())
			usage = &Usage{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      prompt + completion,
			}
		}
		ch <- Chunk{Done: true, Usage: usage}
	}()
	return ch, nil
}

func (c *OpenAIClient) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	models := make([]string, len(out.Data))
	for i, m := range out.Data {
		models[i] = m.ID
	}
	return models, nil
}
